package vision

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/samber/lo"

	"github.com/menta2k/production-vision/pkg/client"
	"github.com/menta2k/production-vision/pkg/processing"
	"github.com/menta2k/production-vision/pkg/types"
)

// Model is a tracking detector built from a prompted vision backend and an
// IoU tracker. It implements client.Tracker.
type Model struct {
	mu         sync.Mutex
	client     client.VisionClient
	processor  *processing.Processor
	tracker    *IOUTracker
	manifest   Manifest
	names      map[int]string
	index      map[string]int
	confidence float64
	prompt     string
}

// NewModel creates a model over a backend. Detections below confidence are dropped.
func NewModel(vc client.VisionClient, m Manifest, confidence float64) (*Model, error) {
	if vc == nil {
		return nil, fmt.Errorf("%w: nil vision client", ErrManifest)
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrManifest)
	}
	m.applyDefaults()

	names := make(map[int]string, len(m.Classes))
	index := make(map[string]int, len(m.Classes))
	for i, c := range m.Classes {
		names[i] = c
		index[c] = i
	}

	prompt := m.Prompt
	if prompt == "" {
		prompt = BuildPrompt(m.Classes)
	}

	return &Model{
		client:     vc,
		processor:  processing.NewProcessor(),
		tracker:    NewIOUTracker(m.Tracker.IOUThreshold, m.Tracker.MaxAge),
		manifest:   m,
		names:      names,
		index:      index,
		confidence: confidence,
		prompt:     prompt,
	}, nil
}

// Track detects objects in img and assigns track ids. With persist=false the
// tracker starts over before the frame is processed.
func (m *Model) Track(ctx context.Context, img image.Image, persist bool) (*types.TrackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !persist {
		m.tracker.Reset()
	}

	send := m.manifest.Send
	imgB64, err := m.processor.PrepareImageForModel(img, send.Format, send.MaxDim, send.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare frame: %w", err)
	}

	raw, err := m.client.DetectObjects(ctx, m.manifest.Model, m.prompt, imgB64)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	obs := lo.FilterMap(raw, func(d types.RawDetection, _ int) (Observation, bool) {
		class, ok := m.index[d.Label]
		if !ok || d.Confidence < m.confidence {
			return Observation{}, false
		}
		return Observation{Box: toPixels(d.Box, bounds), Class: class, Confidence: d.Confidence}, true
	})

	result := &types.TrackResult{}
	if len(obs) == 0 {
		return result, nil
	}

	result.IDs = m.tracker.Update(obs)
	for _, o := range obs {
		result.Boxes = append(result.Boxes, o.Box)
		result.Classes = append(result.Classes, o.Class)
		result.Confidences = append(result.Confidences, o.Confidence)
	}
	return result, nil
}

// Names returns a copy of the class index to name table
func (m *Model) Names() map[int]string {
	out := make(map[int]string, len(m.names))
	for k, v := range m.names {
		out[k] = v
	}
	return out
}

// Close releases the backend if it holds resources
func (m *Model) Close() error {
	if c, ok := m.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func toPixels(b types.Box, bounds image.Rectangle) types.Rect {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	return types.Rect{
		X1: float64(bounds.Min.X) + b.X*w,
		Y1: float64(bounds.Min.Y) + b.Y*h,
		X2: float64(bounds.Min.X) + (b.X+b.W)*w,
		Y2: float64(bounds.Min.Y) + (b.Y+b.H)*h,
	}
}
