package client

import (
	"context"
	"image"

	"github.com/menta2k/production-vision/pkg/types"
)

// VisionClient is a vision model backend that locates objects in a base64 encoded image
type VisionClient interface {
	DetectObjects(ctx context.Context, model, prompt, imgB64 string) ([]types.RawDetection, error)
}

// Tracker is a detection model that keeps track identities across calls.
// Identity state lives inside the implementation and is only reset by
// calling Track with persist=false or by constructing a new Tracker.
type Tracker interface {
	Track(ctx context.Context, img image.Image, persist bool) (*types.TrackResult, error)
	Names() map[int]string
	Close() error
}

// BOM resolves a class name to part metadata
type BOM interface {
	Lookup(className string) (types.PartInfo, bool)
}
