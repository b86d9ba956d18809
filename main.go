package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/people-count-service/counting"
	"github.com/Tutortoise/people-count-service/detections"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Server stopped")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"backend":      cfg.Backend,
		"model":        cfg.ModelPath,
		"cpu_features": detections.CPUFeatures(),
	}).Info("Starting people count service")

	state := &AppState{
		Backend:         cfg.Backend,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		AnnotateMaxSide: cfg.AnnotateMaxSide,
		Logger:          logger,
	}

	detector, cleanup, err := buildDetector(cfg, logger, state)
	if err != nil {
		return err
	}
	defer cleanup()

	state.Counter, err = counting.NewCounter(detector, cfg.PersonThreshold, logger, counting.WithMaxPixels(cfg.MaxImagePixels))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildDetector loads the model for the configured backend. The returned
// cleanup releases the model and must be called once the server is done.
func buildDetector(cfg *Config, logger *logrus.Logger, state *AppState) (counting.Detector, func(), error) {
	switch cfg.Backend {
	case BackendOpenCV:
		modelPath, _, err := resolveAssets(cfg.ModelPath, "")
		if err != nil {
			return nil, nil, err
		}
		detector, err := detections.NewOpenCVDetector(modelPath, cfg.Detector, logger)
		if err != nil {
			return nil, nil, errors.Wrap(err, "load OpenCV model")
		}
		return detector, func() { detector.Close() }, nil
	}

	modelPath, libPath, err := resolveAssets(cfg.ModelPath, cfg.LibraryPath)
	if err != nil {
		return nil, nil, err
	}
	if err := detections.InitializeRuntime(libPath); err != nil {
		return nil, nil, err
	}

	sessionCfg := detections.SessionConfig{
		ModelPath:  modelPath,
		InputSize:  cfg.Detector.InputSize,
		NumClasses: cfg.Detector.NumClasses,
	}
	pool, err := detections.NewSessionPool(detections.PoolConfig{
		Size:           cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
	}, func() (detections.Session, error) {
		session, err := detections.NewModelSession(sessionCfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	})
	if err != nil {
		detections.DestroyRuntime()
		return nil, nil, errors.Wrap(err, "create model session pool")
	}

	detector, err := detections.NewONNXDetector(pool, cfg.Detector, logger)
	if err != nil {
		pool.Destroy()
		detections.DestroyRuntime()
		return nil, nil, err
	}
	state.PoolStats = detector.Stats

	cleanup := func() {
		pool.Destroy()
		if err := detections.DestroyRuntime(); err != nil {
			logger.WithError(err).Warn("Failed to destroy onnxruntime environment")
		}
	}
	return detector, cleanup, nil
}
