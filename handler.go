package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/Tutortoise/people-count-service/annotate"
	"github.com/Tutortoise/people-count-service/counting"
	"github.com/Tutortoise/people-count-service/detections"
	"github.com/Tutortoise/people-count-service/models"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// statusClientClosed is logged and written when the client goes away before
// the count is ready. The client never reads it.
const statusClientClosed = 499

type AppState struct {
	Counter *counting.Counter
	Backend string
	// PoolStats is nil for backends without a session pool.
	PoolStats       func() detections.PoolStats
	MaxUploadBytes  int64
	AnnotateMaxSide int
	Logger          logrus.FieldLogger
}

type CountResponse struct {
	Count          int                `json:"count"`
	Message        string             `json:"message"`
	Detections     []models.Detection `json:"detections"`
	AnnotatedImage string             `json:"annotated_image,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type MetricsResponse struct {
	Backend     string   `json:"backend"`
	CPUFeatures []string `json:"cpu_features"`
	*detections.PoolStats
}

// requestError is a request the handler could not make sense of.
type requestError struct {
	message string
	cause   error
}

func (e *requestError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *requestError) Unwrap() error { return e.cause }

func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, accessLogMiddleware(s.Logger))

	for _, path := range []string{"/predict", "/predict/", "/count"} {
		r.HandleFunc(path, s.handleCount).Methods(http.MethodPost)
	}
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

func (s *AppState) handleCount(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	ctx := r.Context()
	timings := models.TimingsFrom(ctx)
	log := s.Logger.WithField("request_id", timings.RequestID)

	input, wantAnnotation, err := readImageInput(r, s.MaxUploadBytes)
	if err != nil {
		log.WithError(err).Info("invalid request")
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.Counter.CountPeople(ctx, input)
	if err != nil {
		s.sendCountError(w, log, err)
		return
	}

	response := CountResponse{
		Count:      result.Count,
		Message:    countMessage(result.Count),
		Detections: result.Detections,
	}
	if wantAnnotation {
		data, err := annotate.JPEG(result.Image, result.Detections, s.AnnotateMaxSide)
		if err != nil {
			log.WithError(err).Error("annotation failed")
			sendErrorResponse(w, "annotation_error", "Failed to annotate image", http.StatusInternalServerError)
			return
		}
		response.AnnotatedImage = base64.StdEncoding.EncodeToString(data)
	}

	timings.Total = time.Since(startTotal)
	logTimings(log, timings)

	sendJSON(w, http.StatusOK, response)
}

func (s *AppState) sendCountError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	var decodeErr *counting.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		log.WithError(err).Info("image rejected")
		sendErrorResponse(w, "invalid_image", decodeErr.Message, http.StatusBadRequest)
	case errors.Is(err, detections.ErrAcquireTimeout),
		errors.Is(err, detections.ErrPoolClosed),
		errors.Is(err, context.DeadlineExceeded):
		log.WithError(err).Warn("no inference session available")
		sendErrorResponse(w, "session_error", "No inference session available, try again later", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		log.WithError(err).Info("request cancelled")
		sendErrorResponse(w, "client_closed", "Client closed request", statusClientClosed)
	default:
		log.WithError(err).Error("inference failed")
		sendErrorResponse(w, "inference_error", "Failed to run inference", http.StatusInternalServerError)
	}
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := MetricsResponse{
		Backend:     s.Backend,
		CPUFeatures: detections.CPUFeatures(),
	}
	if s.PoolStats != nil {
		stats := s.PoolStats()
		response.PoolStats = &stats
	}
	sendJSON(w, http.StatusOK, response)
}

// readImageInput picks the image out of the request body according to its
// content type, and reports whether an annotated image was asked for.
func readImageInput(r *http.Request, maxBytes int64) (counting.ImageInput, bool, error) {
	annotateParam := r.URL.Query().Get("annotate")
	wantAnnotation, err := parseFlag(annotateParam)
	if err != nil {
		return nil, false, &requestError{message: "invalid annotate parameter", cause: err}
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		return readMultipart(r, maxBytes, wantAnnotation)
	case "application/json":
		return readJSON(r, wantAnnotation)
	case "text/plain":
		body, err := readBody(r)
		if err != nil {
			return nil, false, err
		}
		return counting.Base64Text(body), wantAnnotation, nil
	default:
		body, err := readBody(r)
		if err != nil {
			return nil, false, err
		}
		return counting.RawBytes(body), wantAnnotation, nil
	}
}

func readMultipart(r *http.Request, maxBytes int64, wantAnnotation bool) (counting.ImageInput, bool, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, false, bodyError(err, "invalid multipart form")
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	if v := r.FormValue("annotate"); v != "" && !wantAnnotation {
		flag, err := parseFlag(v)
		if err != nil {
			return nil, false, &requestError{message: "invalid annotate field", cause: err}
		}
		wantAnnotation = flag
	}

	for _, field := range []string{"file", "image"} {
		file, _, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, false, &requestError{message: "invalid form file", cause: err}
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, false, bodyError(err, "failed to read form file")
		}
		return counting.RawBytes(data), wantAnnotation, nil
	}
	return nil, false, &requestError{message: `multipart form has no "file" field`}
}

func readJSON(r *http.Request, wantAnnotation bool) (counting.ImageInput, bool, error) {
	var req struct {
		Image    string `json:"image"`
		Inputs   string `json:"inputs"`
		Annotate bool   `json:"annotate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, false, bodyError(err, "invalid JSON body")
	}

	encoded := req.Image
	if encoded == "" {
		encoded = req.Inputs
	}
	if encoded == "" {
		return nil, false, &requestError{message: `JSON body has no "image" or "inputs" field`}
	}
	return counting.Base64Text(encoded), wantAnnotation || req.Annotate, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, bodyError(err, "failed to read body")
	}
	return body, nil
}

func bodyError(err error, message string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &requestError{message: fmt.Sprintf("request body exceeds the %d byte limit", tooLarge.Limit)}
	}
	return &requestError{message: message, cause: err}
}

func parseFlag(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
