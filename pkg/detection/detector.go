package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/menta2k/production-vision/internal/metrics"
	"github.com/menta2k/production-vision/pkg/client"
	"github.com/menta2k/production-vision/pkg/processing"
	"github.com/menta2k/production-vision/pkg/types"
	"github.com/menta2k/production-vision/pkg/vision"
)

var (
	// ErrModelLoad is returned when the model artifact is missing or unusable
	ErrModelLoad = errors.New("model load failed")
	// ErrInference wraps failures of the model call itself
	ErrInference = errors.New("inference failed")
	// ErrNotConfigured is returned by ProcessFrame before Configure succeeded
	ErrNotConfigured = errors.New("detector not configured")
)

// Detector runs the tracking model over frames, keeps the latest detection
// snapshot and draws the overlay.
type Detector struct {
	mu         sync.Mutex
	loader     vision.Loader
	model      client.Tracker
	names      map[int]string
	modelPath  string
	confidence float64

	processor *processing.Processor
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *metrics.Metrics

	seq     atomic.Uint64
	current atomic.Pointer[types.Snapshot]
}

// Option configures a Detector
type Option func(*Detector)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Detector) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithProcessor sets the processor used to draw overlays
func WithProcessor(p *processing.Processor) Option {
	return func(d *Detector) {
		if p != nil {
			d.processor = p
		}
	}
}

// NewDetector creates a detector that loads models through loader.
// A nil loader uses vision.Load.
func NewDetector(loader vision.Loader, opts ...Option) *Detector {
	if loader == nil {
		loader = vision.Load
	}
	d := &Detector{
		loader:    loader,
		processor: processing.NewProcessor(),
		logger:    zap.NewNop(),
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Configure loads the model once. Calling it again replaces the model.
func (d *Detector) Configure(ctx context.Context, modelPath string, confidence float64) error {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: confidence threshold %v outside [0,1]", ErrModelLoad, confidence)
	}

	model, err := d.loader(ctx, modelPath, confidence)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrModelLoad, modelPath, err)
	}

	d.mu.Lock()
	old := d.model
	d.model = model
	d.names = model.Names()
	d.modelPath = modelPath
	d.confidence = confidence
	d.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			d.logger.Warn("closing previous model", zap.Error(err))
		}
	}
	d.logger.Info("model loaded",
		zap.String("path", modelPath),
		zap.Float64("confidence", confidence),
		zap.Int("classes", len(d.names)))
	return nil
}

// Reset reloads the model from the configured path so track ids start over,
// and clears the published snapshot.
func (d *Detector) Reset(ctx context.Context) error {
	d.current.Store(nil)

	d.mu.Lock()
	path, conf, configured := d.modelPath, d.confidence, d.model != nil
	d.mu.Unlock()
	if !configured {
		return nil
	}
	return d.Configure(ctx, path, conf)
}

// ProcessFrame tracks objects in frame and returns an annotated copy together
// with the frame's snapshot, which also becomes the current detections.
func (d *Detector) ProcessFrame(ctx context.Context, frame image.Image) (image.Image, types.Snapshot, error) {
	d.mu.Lock()
	model, names, conf := d.model, d.names, d.confidence
	d.mu.Unlock()
	if model == nil {
		return nil, types.Snapshot{}, ErrNotConfigured
	}

	start := d.clock.Now()
	res, err := model.Track(ctx, frame, true)
	d.metrics.ObserveInference(d.clock.Since(start))
	if err != nil {
		return nil, types.Snapshot{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	dets := buildDetections(res, frame.Bounds(), conf, names)
	for _, det := range dets {
		d.metrics.Detected(det.ClassName)
	}

	snap := types.Snapshot{
		Seq:        d.seq.Inc(),
		Time:       d.clock.Now(),
		Detections: dets,
	}
	published := snap
	published.Detections = slices.Clone(dets)
	d.current.Store(&published)

	if len(dets) > 0 {
		d.logger.Debug("detections", zap.Uint64("seq", snap.Seq), zap.Int("count", len(dets)))
	}
	return d.processor.DrawDetections(frame, dets), snap, nil
}

// CurrentDetections returns the most recently published snapshot. The
// returned value shares nothing with the detector's later updates.
func (d *Detector) CurrentDetections() types.Snapshot {
	snap := d.current.Load()
	if snap == nil {
		return types.Snapshot{Detections: []types.Detection{}}
	}
	out := *snap
	out.Detections = slices.Clone(snap.Detections)
	return out
}

// Names returns the class table of the loaded model
func (d *Detector) Names() map[int]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.names)
}

// Close releases the model
func (d *Detector) Close() error {
	d.mu.Lock()
	model := d.model
	d.model = nil
	d.mu.Unlock()
	if model == nil {
		return nil
	}
	return model.Close()
}

func buildDetections(res *types.TrackResult, bounds image.Rectangle, conf float64, names map[int]string) []types.Detection {
	if res.Len() == 0 || len(res.IDs) == 0 {
		return []types.Detection{}
	}

	n := min(len(res.Boxes), len(res.Classes), len(res.IDs))
	idx := lo.Filter(lo.Range(n), func(i, _ int) bool {
		return i >= len(res.Confidences) || res.Confidences[i] >= conf
	})

	return lo.Map(idx, func(i, _ int) types.Detection {
		return types.Detection{
			ClassName: className(names, res.Classes[i]),
			TrackID:   res.IDs[i],
			Box:       clampBox(res.Boxes[i], bounds),
		}
	})
}

func className(names map[int]string, class int) string {
	if name, ok := names[class]; ok {
		return name
	}
	return fmt.Sprintf("class_%d", class)
}

func clampBox(r types.Rect, bounds image.Rectangle) [4]int {
	x1 := clampCoord(r.X1, bounds.Min.X, bounds.Max.X)
	y1 := clampCoord(r.Y1, bounds.Min.Y, bounds.Max.Y)
	x2 := clampCoord(r.X2, bounds.Min.X, bounds.Max.X)
	y2 := clampCoord(r.Y2, bounds.Min.Y, bounds.Max.Y)
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return [4]int{x1, y1, x2, y2}
}

func clampCoord(v float64, minV, maxV int) int {
	if math.IsNaN(v) {
		return minV
	}
	return int(math.Round(math.Max(float64(minV), math.Min(float64(maxV), v))))
}
