package main

import (
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tutortoise/people-count-service/counting"
	"github.com/Tutortoise/people-count-service/detections"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	BackendONNX   = "onnx"
	BackendOpenCV = "opencv"

	DefaultAddr            = "127.0.0.1:8080"
	DefaultModelPath       = "models/yolov8n.onnx"
	DefaultMaxUploadMB     = 10
	DefaultAnnotateMaxSide = 1280
	DefaultServerTimeout   = 60 * time.Second
)

type Config struct {
	Addr        string
	ModelPath   string
	LibraryPath string
	Backend     string

	PoolSize       int
	AcquireTimeout time.Duration
	Detector       detections.Config

	PersonThreshold float32
	MaxUploadBytes  int64
	MaxImagePixels  int
	AnnotateMaxSide int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Debug     bool
	LogLevel  string
	LogFormat string
	LogFile   string
}

// LoadConfig reads the configuration from the environment, after loading a
// .env file from the working directory if there is one.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}
	return loadConfig(os.LookupEnv)
}

func loadConfig(lookup func(string) (string, bool)) (*Config, error) {
	env := &envReader{lookup: lookup}

	cfg := &Config{
		Addr:        env.string("ADDR", DefaultAddr),
		ModelPath:   env.string("MODEL_PATH", DefaultModelPath),
		LibraryPath: env.string("ONNXRUNTIME_LIB", defaultLibraryPath()),
		Backend:     strings.ToLower(env.string("DETECTOR_BACKEND", BackendONNX)),

		PoolSize:       env.int("POOL_SIZE", detections.DefaultPoolSize),
		AcquireTimeout: env.duration("ACQUIRE_TIMEOUT", detections.DefaultAcquireTimeout),
		Detector: detections.Config{
			InputSize:          env.int("INPUT_SIZE", detections.DefaultInputSize),
			NumClasses:         len(detections.YOLOClasses),
			CandidateThreshold: env.float("CANDIDATE_THRESHOLD", detections.DefaultCandidateThreshold),
			IoUThreshold:       env.float("NMS_IOU_THRESHOLD", detections.DefaultIoUThreshold),
			MaxDetections:      env.int("MAX_DETECTIONS", detections.DefaultMaxDetections),
		},

		PersonThreshold: env.float("PERSON_CONFIDENCE_THRESHOLD", counting.DefaultPersonThreshold),
		MaxUploadBytes:  int64(env.int("MAX_UPLOAD_MB", DefaultMaxUploadMB)) << 20,
		MaxImagePixels:  env.int("MAX_IMAGE_PIXELS", counting.DefaultMaxImagePixels),
		AnnotateMaxSide: env.int("ANNOTATE_MAX_SIDE", DefaultAnnotateMaxSide),

		ReadTimeout:  env.duration("READ_TIMEOUT", DefaultServerTimeout),
		WriteTimeout: env.duration("WRITE_TIMEOUT", DefaultServerTimeout),

		Debug:     env.bool("DEBUG", false),
		LogLevel:  env.string("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(env.string("LOG_FORMAT", "text")),
		LogFile:   env.string("LOG_FILE", ""),
	}
	if env.err != nil {
		return nil, env.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendONNX:
	case BackendOpenCV:
		if !detections.OpenCVAvailable {
			return errors.New("DETECTOR_BACKEND=opencv requires a build with the gocv tag")
		}
	default:
		return errors.Errorf("unknown DETECTOR_BACKEND %q", c.Backend)
	}
	if c.PoolSize <= 0 {
		return errors.Errorf("POOL_SIZE must be positive, got %d", c.PoolSize)
	}
	if c.AcquireTimeout <= 0 {
		return errors.Errorf("ACQUIRE_TIMEOUT must be positive, got %s", c.AcquireTimeout)
	}
	if err := c.Detector.Validate(); err != nil {
		return errors.Wrap(err, "detector")
	}
	if c.PersonThreshold < 0 || c.PersonThreshold >= 1 {
		return errors.Errorf("PERSON_CONFIDENCE_THRESHOLD must be in [0, 1), got %v", c.PersonThreshold)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_MB must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return errors.Errorf("MAX_IMAGE_PIXELS must be positive, got %d", c.MaxImagePixels)
	}
	if c.AnnotateMaxSide < 0 {
		return errors.Errorf("ANNOTATE_MAX_SIDE must not be negative, got %d", c.AnnotateMaxSide)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// envReader parses typed values from the environment and keeps the first
// error it runs into.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "invalid %s=%q", key, value)
	}
}

func (r *envReader) string(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *envReader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *envReader) float(key string, def float32) float32 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return float32(f)
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *envReader) bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}
