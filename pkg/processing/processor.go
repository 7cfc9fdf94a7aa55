package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// ErrEncoding is returned when a frame cannot be turned into image bytes
var ErrEncoding = errors.New("frame encoding failed")

// Processor handles frame geometry, overlay rendering and encoding
type Processor struct {
	config Config
}

// Config holds configuration for the frame processor
type Config struct {
	// ReferenceRatio picks the limiting dimension when letterboxing
	ReferenceRatio float64
	// PassSuffix marks class names rendered in the pass color
	PassSuffix string
	// LabelSize is the label font size in points
	LabelSize float64
	// Stroke is the rectangle outline width in pixels
	Stroke float64
}

// DefaultConfig returns the processor defaults
func DefaultConfig() Config {
	return Config{
		ReferenceRatio: ReferenceRatio,
		PassSuffix:     "_OK",
		LabelSize:      13,
		Stroke:         2,
	}
}

// NewProcessor creates a new frame processor with default configuration
func NewProcessor() *Processor {
	return &Processor{config: DefaultConfig()}
}

// NewWithConfig creates a frame processor with custom configuration.
// Zero fields fall back to the defaults.
func NewWithConfig(config Config) *Processor {
	def := DefaultConfig()
	if config.ReferenceRatio <= 0 {
		config.ReferenceRatio = def.ReferenceRatio
	}
	if config.PassSuffix == "" {
		config.PassSuffix = def.PassSuffix
	}
	if config.LabelSize <= 0 {
		config.LabelSize = def.LabelSize
	}
	if config.Stroke <= 0 {
		config.Stroke = def.Stroke
	}
	return &Processor{config: config}
}

// ContentType returns the MIME type for an output format
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Encode converts a frame into bytes of the given format (jpg|png|webp)
func (p *Processor) Encode(img image.Image, format string, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrEncoding)
	}
	var buf bytes.Buffer
	var err error
	switch strings.ToLower(format) {
	case "webp":
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	case "jpg", "jpeg", "":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrEncoding, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return buf.Bytes(), nil
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
