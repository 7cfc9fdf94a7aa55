// Package pipeline drives frames from a source through detection and
// encoding into a viewer sink and the production state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/menta2k/production-vision/internal/metrics"
	"github.com/menta2k/production-vision/pkg/processing"
	"github.com/menta2k/production-vision/pkg/stream"
	"github.com/menta2k/production-vision/pkg/types"
	"github.com/menta2k/production-vision/pkg/video"
)

// FrameSource yields raw frames until it fails
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// FrameDetector annotates a frame and reports its detections
type FrameDetector interface {
	ProcessFrame(ctx context.Context, frame image.Image) (image.Image, types.Snapshot, error)
}

// Attributor folds a snapshot into production accounting
type Attributor interface {
	AttributeDetections(line int, snap types.Snapshot) error
}

// Sink receives multipart chunks for viewers
type Sink interface {
	Publish(chunk []byte)
}

// Config holds per-pipeline output settings
type Config struct {
	Width   int
	Height  int
	Format  string
	Quality int
	Line    int
}

// DefaultConfig returns the 1020x600 jpeg q85 line 1 settings
func DefaultConfig() Config {
	return Config{
		Width:   1020,
		Height:  600,
		Format:  "jpg",
		Quality: 85,
		Line:    1,
	}
}

// Driver runs one pipeline over one source
type Driver struct {
	source     FrameSource
	detector   FrameDetector
	production Attributor
	sink       Sink
	processor  *processing.Processor
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	frames     atomic.Uint64
}

// Option configures a Driver
type Option func(*Driver)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

func WithProcessor(p *processing.Processor) Option {
	return func(d *Driver) {
		if p != nil {
			d.processor = p
		}
	}
}

// NewDriver wires a pipeline. Zero Config fields take the defaults.
func NewDriver(src FrameSource, det FrameDetector, prod Attributor, sink Sink, cfg Config, opts ...Option) *Driver {
	def := DefaultConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.Quality <= 0 {
		cfg.Quality = def.Quality
	}
	if cfg.Line == 0 {
		cfg.Line = def.Line
	}
	d := &Driver{
		source:     src,
		detector:   det,
		production: prod,
		sink:       sink,
		processor:  processing.NewProcessor(),
		config:     cfg,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Frames returns the number of chunks delivered so far
func (d *Driver) Frames() uint64 {
	return d.frames.Load()
}

// Run loops until the source is exhausted, ctx is done or the detector
// fails. Exhaustion and cancellation return nil; a stalled read and detector
// failures are returned. The source is closed on every exit path.
func (d *Driver) Run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, d.source.Close())
	}()

	contentType := processing.ContentType(d.config.Format)
	for {
		if ctx.Err() != nil {
			d.logger.Info("pipeline stopped")
			return nil
		}

		frame, err := d.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("pipeline stopped")
				return nil
			}
			d.metrics.ReadFailed()
			if errors.Is(err, video.ErrReadTimeout) {
				return fmt.Errorf("source stalled: %w", err)
			}
			d.logger.Info("stream ended", zap.Error(err), zap.Uint64("frames", d.frames.Load()))
			return nil
		}

		canvas, err := d.processor.Normalize(frame, d.config.Width, d.config.Height)
		if err != nil {
			d.logger.Warn("skipping frame", zap.Error(err))
			continue
		}

		annotated, snap, err := d.detector.ProcessFrame(ctx, canvas)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("pipeline stopped during inference")
				return nil
			}
			return fmt.Errorf("detector: %w", err)
		}

		encoded, err := d.processor.Encode(annotated, d.config.Format, d.config.Quality)
		if err != nil {
			d.metrics.EncodeFailed()
			d.logger.Warn("dropping frame", zap.Error(err))
		} else {
			d.sink.Publish(stream.Chunk(encoded, contentType))
			d.frames.Inc()
			d.metrics.FrameSent()
		}

		if err := d.production.AttributeDetections(d.config.Line, snap); err != nil {
			return err
		}
	}
}
