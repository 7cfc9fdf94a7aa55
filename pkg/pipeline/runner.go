package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/menta2k/production-vision/internal/metrics"
	"github.com/menta2k/production-vision/pkg/processing"
	"github.com/menta2k/production-vision/pkg/video"
)

// Opener opens the source named by spec
type Opener func(ctx context.Context, spec video.Spec) (FrameSource, error)

// VideoOpener opens sources with video.Open
func VideoOpener(opts ...video.Option) Opener {
	return func(_ context.Context, spec video.Spec) (FrameSource, error) {
		return video.Open(spec, opts...)
	}
}

// ResettableDetector is a detector whose track state can be restarted
type ResettableDetector interface {
	FrameDetector
	Reset(ctx context.Context) error
}

// Status describes the active pipeline
type Status struct {
	Running   bool      `json:"running"`
	Source    string    `json:"source,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Frames    uint64    `json:"frames"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner owns at most one running Driver and replaces it on Start
type Runner struct {
	mu         sync.Mutex
	open       Opener
	detector   ResettableDetector
	production Attributor
	sink       Sink
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	processor  *processing.Processor
	clock      clock.Clock

	active  *run
	status  Status
	openErr error
}

// run is one driver goroutine. err is written before done is closed.
type run struct {
	driver *Driver
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerProcessor sets the processor every driver normalizes and encodes with
func WithRunnerProcessor(p *processing.Processor) RunnerOption {
	return func(r *Runner) { r.processor = p }
}

func WithRunnerClock(c clock.Clock) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRunner creates an idle runner
func NewRunner(open Opener, det ResettableDetector, prod Attributor, sink Sink, cfg Config, opts ...RunnerOption) *Runner {
	r := &Runner{
		open:       open,
		detector:   det,
		production: prod,
		sink:       sink,
		config:     cfg,
		logger:     zap.NewNop(),
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start stops the active pipeline, resets the detector and runs a new
// pipeline over spec.
func (r *Runner) Start(ctx context.Context, spec video.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(ctx, spec)
}

// EnsureRunning starts spec only when no pipeline is running
func (r *Runner) EnsureRunning(ctx context.Context, spec video.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runningLocked() {
		return nil
	}
	return r.startLocked(ctx, spec)
}

func (r *Runner) startLocked(ctx context.Context, spec video.Spec) error {
	r.stopLocked()

	if err := r.detector.Reset(ctx); err != nil {
		return fmt.Errorf("reset detector: %w", err)
	}
	src, err := r.open(ctx, spec)
	if err != nil {
		r.openErr = err
		return err
	}
	r.openErr = nil

	driver := NewDriver(src, r.detector, r.production, r.sink, r.config,
		WithLogger(r.logger.With(zap.String("source", spec.Path))),
		WithMetrics(r.metrics),
		WithProcessor(r.processor))
	runCtx, cancel := context.WithCancel(context.Background())
	active := &run{driver: driver, cancel: cancel, done: make(chan struct{})}

	r.active = active
	r.status = Status{
		Source:    spec.Path,
		Kind:      spec.Kind.String(),
		StartedAt: r.clock.Now(),
	}
	r.metrics.PipelineStarted()
	r.logger.Info("pipeline started", zap.String("source", spec.Path), zap.Stringer("kind", spec.Kind))

	go func() {
		defer close(active.done)
		if err := driver.Run(runCtx); err != nil {
			r.logger.Error("pipeline failed", zap.Error(err))
			active.err = err
		}
	}()
	return nil
}

// Stop cancels the active pipeline and waits for it to exit
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Runner) stopLocked() {
	if r.active == nil {
		return
	}
	r.active.cancel()
	<-r.active.done
}

func (r *Runner) runningLocked() bool {
	return r.active != nil && !r.active.finished()
}

// Wait blocks until the active pipeline exits or ctx is done, and returns
// the pipeline's error
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return nil
	}
	select {
	case <-active.done:
		return active.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the active or last pipeline
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	if r.active != nil {
		s.Running = !r.active.finished()
		s.Frames = r.active.driver.Frames()
		if !s.Running && r.active.err != nil {
			s.LastError = r.active.err.Error()
		}
	}
	if r.openErr != nil {
		s.LastError = r.openErr.Error()
	}
	return s
}
