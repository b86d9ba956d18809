// Package annotate draws detections onto an image for visual inspection.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/Tutortoise/people-count-service/models"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	lineWidth   = 3
	jpegQuality = 85
)

var (
	boxColor   = color.NRGBA{R: 255, A: 255}
	labelColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Draw returns a copy of img, shrunk to fit maxSide when maxSide > 0, with a
// box and a "label confidence" caption for each detection.
func Draw(img image.Image, detections []models.Detection, maxSide int) *image.NRGBA {
	b := img.Bounds()
	var out *image.NRGBA
	if maxSide > 0 && (b.Dx() > maxSide || b.Dy() > maxSide) {
		out = imaging.Clone(resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3))
	} else {
		out = imaging.Clone(img)
	}

	sx := float32(out.Bounds().Dx()) / float32(b.Dx())
	sy := float32(out.Bounds().Dy()) / float32(b.Dy())

	for _, d := range detections {
		r := image.Rect(
			int(d.BBox[0]*sx), int(d.BBox[1]*sy),
			int(d.BBox[2]*sx), int(d.BBox[3]*sy),
		).Intersect(out.Bounds())
		if r.Empty() {
			continue
		}
		drawOutline(out, r)
		drawCaption(out, r, fmt.Sprintf("%s %.2f", d.Label, d.Confidence))
	}
	return out
}

// JPEG draws detections like Draw and encodes the result as JPEG.
func JPEG(img image.Image, detections []models.Detection, maxSide int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Draw(img, detections, maxSide), imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, errors.Wrap(err, "encode annotated image")
	}
	return buf.Bytes(), nil
}

func drawOutline(dst *image.NRGBA, r image.Rectangle) {
	src := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth),
		image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y),
		image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// drawCaption writes text on a filled strip above r, or inside it when r
// touches the top of the image.
func drawCaption(dst *image.NRGBA, r image.Rectangle, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Height + 2

	top := r.Min.Y - height
	if top < 0 {
		top = r.Min.Y
	}
	strip := image.Rect(r.Min.X, top, r.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, strip, image.NewUniform(boxColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(strip.Min.X+2, strip.Min.Y+face.Ascent+1),
	}
	d.DrawString(text)
}
