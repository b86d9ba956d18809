//go:build gocv
// +build gocv

package detections

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/Tutortoise/people-count-service/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// OpenCVAvailable reports whether the OpenCV DNN backend was compiled in.
const OpenCVAvailable = true

// OpenCVDetector runs the same YOLOv8 ONNX model through OpenCV's DNN module.
// A gocv.Net is not safe for concurrent use, so runs are serialised.
type OpenCVDetector struct {
	mu     sync.Mutex
	net    gocv.Net
	cfg    Config
	logger logrus.FieldLogger
}

func NewOpenCVDetector(modelPath string, cfg Config, logger logrus.FieldLogger) (*OpenCVDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, errors.Errorf("failed to load network from %s", modelPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, errors.New("failed to set preferable backend or target")
	}

	logger.WithField("model", modelPath).Info("opencv detection network initialized")
	return &OpenCVDetector{net: net, cfg: cfg, logger: logger}, nil
}

func (d *OpenCVDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timings := models.TimingsFrom(ctx)

	resizeStart := time.Now()
	canvas, geom := letterboxImage(img, d.cfg.InputSize)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	mat, err := gocv.ImageToMatRGB(canvas)
	if err != nil {
		return nil, errors.Wrap(err, "convert image to mat")
	}
	defer mat.Close()

	size := image.Pt(d.cfg.InputSize, d.cfg.InputSize)
	blob := gocv.BlobFromImage(mat, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	timings.Preprocess = time.Since(prepStart)

	d.mu.Lock()
	inferStart := time.Now()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	timings.Inference = time.Since(inferStart)
	d.mu.Unlock()
	defer output.Close()

	postStart := time.Now()
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "read network output")
	}
	candidates, err := decodePredictions(data, d.cfg.NumClasses, geom, d.cfg.CandidateThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "process predictions")
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	detections := applyNMS(candidates, d.cfg.IoUThreshold, d.cfg.MaxDetections)
	timings.NMS = time.Since(nmsStart)

	return detections, nil
}

func (d *OpenCVDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
