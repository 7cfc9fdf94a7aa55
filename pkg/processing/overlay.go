package processing

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/menta2k/production-vision/pkg/types"
)

// Overlay colors
var (
	PassColor = color.NRGBA{0, 255, 0, 255}
	FailColor = color.NRGBA{255, 0, 0, 255}
)

// labelOffset is the gap between a label baseline and the box top edge
const labelOffset = 10

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// ColorFor returns the overlay color for a class name
func (p *Processor) ColorFor(className string) color.NRGBA {
	if strings.HasSuffix(className, p.config.PassSuffix) {
		return PassColor
	}
	return FailColor
}

// Label returns the overlay text for a detection
func Label(d types.Detection) string {
	return fmt.Sprintf("%d - %s", d.TrackID, d.ClassName)
}

// DrawDetections returns a copy of img with each detection outlined and
// labelled. img itself is not modified.
func (p *Processor) DrawDetections(img image.Image, detections []types.Detection) image.Image {
	dc := gg.NewContextForImage(img)
	if len(detections) == 0 {
		return dc.Image()
	}
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: p.config.LabelSize}))
	dc.SetLineWidth(p.config.Stroke)

	for _, d := range detections {
		x1, y1 := float64(d.Box[0]), float64(d.Box[1])
		x2, y2 := float64(d.Box[2]), float64(d.Box[3])

		dc.SetColor(p.ColorFor(d.ClassName))
		dc.DrawRectangle(x1, y1, x2-x1, y2-y1)
		dc.Stroke()
		dc.DrawString(Label(d), x1, clamp(y1-labelOffset, p.config.LabelSize, float64(dc.Height())))
	}
	return dc.Image()
}
