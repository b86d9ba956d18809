// Package detections runs a YOLOv8 model over an image and returns the
// objects it finds.
package detections

import (
	"context"
	"image"
	"time"

	"github.com/Tutortoise/people-count-service/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config controls pre- and post-processing around the model.
type Config struct {
	InputSize          int
	NumClasses         int
	CandidateThreshold float32
	IoUThreshold       float32
	MaxDetections      int
}

func DefaultConfig() Config {
	return Config{
		InputSize:          DefaultInputSize,
		NumClasses:         len(YOLOClasses),
		CandidateThreshold: DefaultCandidateThreshold,
		IoUThreshold:       DefaultIoUThreshold,
		MaxDetections:      DefaultMaxDetections,
	}
}

// Validate reports the first invalid field of c.
func (c Config) Validate() error {
	if c.InputSize <= 0 || c.InputSize%32 != 0 {
		return errors.Errorf("input size %d must be a positive multiple of 32", c.InputSize)
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("invalid class count %d", c.NumClasses)
	}
	if c.CandidateThreshold < 0 || c.CandidateThreshold > 1 {
		return errors.Errorf("candidate threshold %v outside [0, 1]", c.CandidateThreshold)
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return errors.Errorf("iou threshold %v outside (0, 1]", c.IoUThreshold)
	}
	if c.MaxDetections <= 0 {
		return errors.Errorf("max detections must be positive, got %d", c.MaxDetections)
	}
	return nil
}

// ONNXDetector runs detection on sessions borrowed from a SessionPool. It is
// safe for concurrent use; concurrency is bounded by the pool size.
type ONNXDetector struct {
	pool   *SessionPool
	cfg    Config
	logger logrus.FieldLogger
}

func NewONNXDetector(pool *SessionPool, cfg Config, logger logrus.FieldLogger) (*ONNXDetector, error) {
	if pool == nil {
		return nil, errors.New("nil session pool")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ONNXDetector{pool: pool, cfg: cfg, logger: logger}, nil
}

// Detect letterboxes img, runs the model once and returns the detections that
// survive the candidate threshold and NMS, in original image coordinates.
// A session whose run fails is discarded rather than returned to the pool.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	timings := models.TimingsFrom(ctx)

	resizeStart := time.Now()
	canvas, geom := letterboxImage(img, d.cfg.InputSize)
	timings.Resize = time.Since(resizeStart)

	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire session")
	}

	prepStart := time.Now()
	if err := fillTensor(session.InputData(), canvas); err != nil {
		d.pool.Release(session)
		return nil, errors.Wrap(err, "prepare input buffer")
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Run(); err != nil {
		d.pool.Discard(session, err)
		d.logger.WithError(err).WithField("request_id", timings.RequestID).Warn("inference failed, session discarded")
		return nil, errors.Wrap(err, "model inference")
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	candidates, err := decodePredictions(session.OutputData(), d.cfg.NumClasses, geom, d.cfg.CandidateThreshold)
	d.pool.Release(session)
	if err != nil {
		return nil, errors.Wrap(err, "process predictions")
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	detections := applyNMS(candidates, d.cfg.IoUThreshold, d.cfg.MaxDetections)
	timings.NMS = time.Since(nmsStart)

	return detections, nil
}

// Stats reports the state of the underlying session pool.
func (d *ONNXDetector) Stats() PoolStats {
	return d.pool.Stats()
}
