package processing

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// ReferenceRatio is the standard widescreen ratio
const ReferenceRatio = 16.0 / 9.0

// Padding is the border added on each side of a letterboxed frame
type Padding struct {
	Top    int
	Bottom int
	Left   int
	Right  int
}

// Geometry describes how a source frame is placed on the target canvas
type Geometry struct {
	Width   int
	Height  int
	Padding Padding
}

// Letterbox computes the scaled size and padding for a srcW x srcH frame on a
// targetW x targetH canvas. A source wider than ref is width limited and padded
// top/bottom; anything else, including an exact tie, is height limited and
// padded left/right. When the chosen branch would overflow the canvas the other
// dimension becomes the limit so the frame always fits. The odd leftover pixel
// of padding goes to the bottom or right.
func Letterbox(srcW, srcH, targetW, targetH int, ref float64) Geometry {
	ratio := float64(srcW) / float64(srcH)

	widthLimited := ratio > ref
	if widthLimited && targetW*srcH/srcW > targetH {
		widthLimited = false
	} else if !widthLimited && targetH*srcW/srcH > targetW {
		widthLimited = true
	}

	var g Geometry
	if widthLimited {
		g.Width = targetW
		g.Height = max(1, targetW*srcH/srcW)
		g.Padding.Top = (targetH - g.Height) / 2
		g.Padding.Bottom = targetH - g.Height - g.Padding.Top
	} else {
		g.Height = targetH
		g.Width = max(1, targetH*srcW/srcH)
		g.Padding.Left = (targetW - g.Width) / 2
		g.Padding.Right = targetW - g.Width - g.Padding.Left
	}
	return g
}

// Normalize scales img to fit inside a targetW x targetH canvas without
// cropping and centers it on black padding. The result always has exactly the
// target dimensions.
func (p *Processor) Normalize(img image.Image, targetW, targetH int) (*image.NRGBA, error) {
	if targetW <= 0 || targetH <= 0 {
		return nil, fmt.Errorf("invalid canvas %dx%d", targetW, targetH)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", b.Dx(), b.Dy())
	}

	g := Letterbox(b.Dx(), b.Dy(), targetW, targetH, p.config.ReferenceRatio)
	resized := imaging.Resize(img, g.Width, g.Height, imaging.Linear)
	canvas := imaging.New(targetW, targetH, color.NRGBA{0, 0, 0, 255})
	return imaging.Paste(canvas, resized, image.Pt(g.Padding.Left, g.Padding.Top)), nil
}
