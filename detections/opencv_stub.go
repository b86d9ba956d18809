//go:build !gocv
// +build !gocv

package detections

import (
	"context"
	"image"

	"github.com/Tutortoise/people-count-service/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// OpenCVAvailable reports whether the OpenCV DNN backend was compiled in.
const OpenCVAvailable = false

var errNoOpenCV = errors.New("opencv backend not compiled in (build with -tags gocv)")

type OpenCVDetector struct{}

func NewOpenCVDetector(string, Config, logrus.FieldLogger) (*OpenCVDetector, error) {
	return nil, errNoOpenCV
}

func (d *OpenCVDetector) Detect(context.Context, image.Image) ([]models.Detection, error) {
	return nil, errNoOpenCV
}

func (d *OpenCVDetector) Close() error { return nil }
