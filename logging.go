package main

import (
	"io"
	"os"

	"github.com/Tutortoise/people-count-service/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// newLogger builds the service logger. The returned closer releases LOG_FILE
// and is never nil.
func newLogger(cfg *Config) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, errors.Wrap(err, "LOG_LEVEL")
		}
		logger.SetLevel(level)
	}

	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open log file")
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
		closer = f
	}
	return logger, closer, nil
}

func logTimings(log logrus.FieldLogger, t *models.ProcessingTimings) {
	log.WithFields(logrus.Fields{
		"request_id":  t.RequestID,
		"decode":      t.ImageDecode.String(),
		"resize":      t.Resize.String(),
		"preprocess":  t.Preprocess.String(),
		"inference":   t.Inference.String(),
		"postprocess": t.Postprocess.String(),
		"nms":         t.NMS.String(),
		"total":       t.Total.String(),
	}).Debug("processing times")
}
