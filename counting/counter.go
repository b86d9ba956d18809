// Package counting turns an uploaded image into a person count.
//
// The detector doing the actual object detection is supplied by the caller;
// this package only decodes the input, runs the detector once and reduces its
// output to the detections labelled "person" above a confidence threshold.
package counting

import (
	"bytes"
	"context"
	"image"
	"time"

	"github.com/Tutortoise/people-count-service/models"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	// Extra formats on top of the ones imaging registers.
	_ "golang.org/x/image/webp"
)

// DefaultPersonThreshold is the confidence a person detection must exceed
// to be counted.
const DefaultPersonThreshold float32 = 0.5

// DefaultMaxImagePixels bounds width*height of an accepted image. Compressed
// formats can expand a small upload into gigabytes of pixels.
const DefaultMaxImagePixels = 178956970

// Detector finds objects in an image. Implementations must be safe for
// concurrent use.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]models.Detection, error)
}

// CountResult is the outcome of one counting request.
type CountResult struct {
	Count      int                `json:"count"`
	Detections []models.Detection `json:"detections"`
	// Image is the decoded RGB image the detector saw.
	Image *image.NRGBA `json:"-"`
}

// Counter counts people using an injected Detector. It holds no per-request
// state and may be shared between goroutines.
type Counter struct {
	detector  Detector
	threshold float32
	maxPixels int
	logger    logrus.FieldLogger
}

// Option adjusts a Counter at construction.
type Option func(*Counter)

// WithMaxPixels replaces DefaultMaxImagePixels.
func WithMaxPixels(n int) Option {
	return func(c *Counter) { c.maxPixels = n }
}

func NewCounter(detector Detector, threshold float32, logger logrus.FieldLogger, opts ...Option) (*Counter, error) {
	if detector == nil {
		return nil, errors.New("counting: nil detector")
	}
	if threshold < 0 || threshold >= 1 {
		return nil, errors.Errorf("counting: threshold %v outside [0, 1)", threshold)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Counter{
		detector:  detector,
		threshold: threshold,
		maxPixels: DefaultMaxImagePixels,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxPixels <= 0 {
		return nil, errors.Errorf("counting: max pixels must be positive, got %d", c.maxPixels)
	}
	return c, nil
}

// Threshold returns the confidence a person detection must exceed.
func (c *Counter) Threshold() float32 {
	return c.threshold
}

// CountPeople decodes input, runs the detector once and returns the person
// detections above the threshold. It fails with *DecodeError when input is not
// an image and with *InferenceError when the detector fails.
func (c *Counter) CountPeople(ctx context.Context, input ImageInput) (*CountResult, error) {
	timings := models.TimingsFrom(ctx)
	log := c.logger.WithField("request_id", timings.RequestID)

	decodeStart := time.Now()
	img, err := decodeImage(input, c.maxPixels)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		log.WithError(err).Debug("image rejected")
		return nil, err
	}

	detections, err := c.detector.Detect(ctx, img)
	if err != nil {
		return nil, &InferenceError{Cause: err}
	}

	people := c.filter(detections)
	log.WithFields(logrus.Fields{
		"width":      img.Bounds().Dx(),
		"height":     img.Bounds().Dy(),
		"detections": len(detections),
		"people":     len(people),
	}).Debug("image counted")

	return &CountResult{
		Count:      len(people),
		Detections: people,
		Image:      img,
	}, nil
}

func (c *Counter) filter(detections []models.Detection) []models.Detection {
	people := make([]models.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Label == models.PersonLabel && d.Confidence > c.threshold {
			people = append(people, d)
		}
	}
	return people
}

// DecodeImage resolves input to bytes and decodes them into a 3 channel image.
// EXIF orientation is applied and any alpha channel is dropped. Images above
// DefaultMaxImagePixels are rejected before their pixels are decoded.
func DecodeImage(input ImageInput) (*image.NRGBA, error) {
	return decodeImage(input, DefaultMaxImagePixels)
}

func decodeImage(input ImageInput, maxPixels int) (*image.NRGBA, error) {
	if input == nil {
		return nil, &DecodeError{Message: "no image provided"}
	}
	data, err := input.bytes()
	if err != nil {
		return nil, &DecodeError{Message: "invalid base64 image", Cause: err}
	}
	if len(data) == 0 {
		return nil, &DecodeError{Message: "empty image"}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Message: "failed to decode image", Cause: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Message: "image has no pixels"}
	}
	if cfg.Width > maxPixels/cfg.Height {
		return nil, &DecodeError{Message: "image too large", Cause: errors.Errorf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Message: "failed to decode image", Cause: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Message: "image has no pixels"}
	}

	return toRGB(img), nil
}

func toRGB(img image.Image) *image.NRGBA {
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb
}
