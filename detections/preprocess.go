package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// letterbox records how an image was fitted into the square model input, so
// model coordinates can be mapped back to the original image.
type letterbox struct {
	width, height  int     // original image
	scaleX, scaleY float32 // model pixels per original pixel
	padX, padY     float32
}

// letterboxImage scales img to fit a size x size square, keeping its aspect
// ratio, and centres it on a grey canvas.
func letterboxImage(img image.Image, size int) (*image.NRGBA, letterbox) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scale := math.Min(float64(size)/float64(w), float64(size)/float64(h))
	nw := clampInt(int(math.Round(float64(w)*scale)), 1, size)
	nh := clampInt(int(math.Round(float64(h)*scale)), 1, size)

	resized := imaging.Resize(img, nw, nh, imaging.Linear)
	padX := (size - nw) / 2
	padY := (size - nh) / 2

	canvas := imaging.New(size, size, color.NRGBA{R: letterboxFill, G: letterboxFill, B: letterboxFill, A: 0xff})
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return canvas, letterbox{
		width:  w,
		height: h,
		scaleX: float32(nw) / float32(w),
		scaleY: float32(nh) / float32(h),
		padX:   float32(padX),
		padY:   float32(padY),
	}
}

// toOriginal converts a centre/size box in model pixels to corner
// coordinates in the original image, clamped to its bounds.
func (l letterbox) toOriginal(cx, cy, w, h float32) [4]float32 {
	x1 := (cx - w/2 - l.padX) / l.scaleX
	y1 := (cy - h/2 - l.padY) / l.scaleY
	x2 := (cx + w/2 - l.padX) / l.scaleX
	y2 := (cy + h/2 - l.padY) / l.scaleY

	maxX, maxY := float32(l.width), float32(l.height)
	return [4]float32{
		math32.Min(math32.Max(x1, 0), maxX),
		math32.Min(math32.Max(y1, 0), maxY),
		math32.Min(math32.Max(x2, 0), maxX),
		math32.Min(math32.Max(y2, 0), maxY),
	}
}

// fillTensor writes pic into dst as planar RGB floats in [0, 1]. Rows are
// split between workers.
func fillTensor(dst []float32, pic *image.NRGBA) error {
	width, height := pic.Bounds().Dx(), pic.Bounds().Dy()
	channelSize := width * height
	if len(dst) < channelSize*3 {
		return errors.Errorf("destination tensor holds %d floats, needs %d", len(dst), channelSize*3)
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > height {
		numWorkers = height
	}
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := pic.Pix[y*pic.Stride : y*pic.Stride+width*4]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					dst[i] = float32(src[x*4]) / 255.0
					dst[channelSize+i] = float32(src[x*4+1]) / 255.0
					dst[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
