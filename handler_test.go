package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Tutortoise/people-count-service/counting"
	"github.com/Tutortoise/people-count-service/detections"
	"github.com/Tutortoise/people-count-service/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	mu         sync.Mutex
	detections []models.Detection
	err        error
	calls      int
}

func (s *stubDetector) Detect(context.Context, image.Image) ([]models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.detections, s.err
}

var twoPeople = []models.Detection{
	{BBox: [4]float32{2, 2, 20, 30}, Label: "person", ClassID: 0, Confidence: 0.9},
	{BBox: [4]float32{30, 4, 50, 28}, Label: "person", ClassID: 0, Confidence: 0.7},
	{BBox: [4]float32{10, 10, 12, 12}, Label: "person", ClassID: 0, Confidence: 0.3},
	{BBox: [4]float32{0, 0, 60, 40}, Label: "bench", ClassID: 13, Confidence: 0.95},
}

func newTestState(t *testing.T, det *stubDetector) *AppState {
	t.Helper()
	logger, _ := test.NewNullLogger()
	counter, err := counting.NewCounter(det, counting.DefaultPersonThreshold, logger)
	require.NoError(t, err)
	return &AppState{
		Counter:         counter,
		Backend:         BackendONNX,
		MaxUploadBytes:  1 << 20,
		AnnotateMaxSide: DefaultAnnotateMaxSide,
		Logger:          logger,
		PoolStats: func() detections.PoolStats {
			return detections.PoolStats{Size: 4, Idle: 3, InUse: 1, TotalAcquired: 7}
		},
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 120, 90, 60, 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(field, "image.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, form.Close())
	return &body, form.FormDataContentType()
}

func serve(state *AppState, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, req)
	return rec
}

func decodeCount(t *testing.T, rec *httptest.ResponseRecorder) CountResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleCountInputs(t *testing.T) {
	data := testPNG(t)
	encoded := base64.StdEncoding.EncodeToString(data)

	text := func(contentType, body string) func() (*bytes.Buffer, string) {
		return func() (*bytes.Buffer, string) { return bytes.NewBufferString(body), contentType }
	}
	form := func(field string) func() (*bytes.Buffer, string) {
		return func() (*bytes.Buffer, string) { return multipartBody(t, field, data) }
	}

	tests := []struct {
		name string
		path string
		body func() (*bytes.Buffer, string)
	}{
		{name: "multipart file", path: "/predict/", body: form("file")},
		{name: "multipart image field", path: "/predict", body: form("image")},
		{name: "json image", path: "/count", body: text("application/json", `{"image":"`+encoded+`"}`)},
		{name: "json inputs", path: "/predict", body: text("application/json; charset=utf-8", `{"inputs":"`+encoded+`"}`)},
		{name: "json data url", path: "/predict", body: text("application/json", `{"image":"data:image/png;base64,`+encoded+`"}`)},
		{name: "plain base64", path: "/predict", body: text("text/plain", encoded+"\n")},
		{name: "raw bytes", path: "/predict", body: text("image/png", string(data))},
		{name: "no content type", path: "/predict", body: text("", string(data))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &stubDetector{detections: twoPeople}
			state := newTestState(t, det)

			body, contentType := tt.body()
			req := httptest.NewRequest(http.MethodPost, tt.path, body)
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			rec := serve(state, req)

			resp := decodeCount(t, rec)
			assert.Equal(t, 2, resp.Count)
			assert.Equal(t, "Detected 2 people in the image", resp.Message)
			assert.Len(t, resp.Detections, 2)
			assert.Empty(t, resp.AnnotatedImage)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
			assert.Equal(t, 1, det.calls)
		})
	}
}

func TestHandleCountResponseShape(t *testing.T) {
	state := newTestState(t, &stubDetector{detections: twoPeople[:1]})
	rec := serve(state, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(testPNG(t))))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, float64(1), raw["count"])
	assert.Equal(t, MsgOnePerson, raw["message"])
	assert.NotContains(t, raw, "annotated_image")

	dets := raw["detections"].([]interface{})
	require.Len(t, dets, 1)
	first := dets[0].(map[string]interface{})
	assert.Equal(t, []interface{}{2.0, 2.0, 20.0, 30.0}, first["box"])
	assert.Equal(t, "person", first["label"])
	assert.Equal(t, float64(0), first["class_id"])
	assert.InDelta(t, 0.9, first["confidence"], 1e-6)
}

func TestHandleCountNoPeople(t *testing.T) {
	state := newTestState(t, &stubDetector{})
	resp := decodeCount(t, serve(state, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(testPNG(t)))))
	assert.Equal(t, 0, resp.Count)
	assert.Equal(t, MsgNoPeople, resp.Message)
	assert.NotNil(t, resp.Detections)
}

func TestHandleCountAnnotate(t *testing.T) {
	data := testPNG(t)

	check := func(t *testing.T, rec *httptest.ResponseRecorder) {
		resp := decodeCount(t, rec)
		require.NotEmpty(t, resp.AnnotatedImage)
		jpg, err := base64.StdEncoding.DecodeString(resp.AnnotatedImage)
		require.NoError(t, err)
		img, err := jpeg.Decode(bytes.NewReader(jpg))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
	}

	t.Run("query", func(t *testing.T) {
		state := newTestState(t, &stubDetector{detections: twoPeople})
		check(t, serve(state, httptest.NewRequest(http.MethodPost, "/predict?annotate=true", bytes.NewReader(data))))
	})
	t.Run("json field", func(t *testing.T) {
		state := newTestState(t, &stubDetector{detections: twoPeople})
		body := `{"image":"` + base64.StdEncoding.EncodeToString(data) + `","annotate":true}`
		req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		check(t, serve(state, req))
	})
	t.Run("bad flag", func(t *testing.T) {
		state := newTestState(t, &stubDetector{detections: twoPeople})
		rec := serve(state, httptest.NewRequest(http.MethodPost, "/predict?annotate=maybe", bytes.NewReader(data)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decodeError(t, rec).Code)
	})
}

func TestHandleCountInvalidRequests(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "malformed json", contentType: "application/json", body: `{"image":`},
		{name: "json without image", contentType: "application/json", body: `{"picture":"abc"}`},
		{name: "multipart without file", contentType: "multipart/form-data; boundary=xyz", body: "--xyz\r\nContent-Disposition: form-data; name=\"other\"\r\n\r\nvalue\r\n--xyz--\r\n"},
		{name: "broken multipart", contentType: "multipart/form-data; boundary=xyz", body: "garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &stubDetector{detections: twoPeople}
			req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := serve(newTestState(t, det), req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", decodeError(t, rec).Code)
			assert.Equal(t, 0, det.calls)
		})
	}
}

func TestHandleCountBodyTooLarge(t *testing.T) {
	det := &stubDetector{}
	state := newTestState(t, det)
	state.MaxUploadBytes = 16

	rec := serve(state, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(testPNG(t))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "invalid_request", resp.Code)
	assert.Contains(t, resp.Message, "exceeds")
	assert.Equal(t, 0, det.calls)
}

func TestHandleCountInvalidImage(t *testing.T) {
	for name, body := range map[string]string{
		"garbage":    "definitely not an image",
		"empty":      "",
		"truncated":  string(testPNG(t)[:40]),
		"bad base64": "%%%",
	} {
		t.Run(name, func(t *testing.T) {
			det := &stubDetector{detections: twoPeople}
			req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
			if name == "bad base64" {
				req.Header.Set("Content-Type", "text/plain")
			}
			rec := serve(newTestState(t, det), req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_image", decodeError(t, rec).Code)
			assert.Equal(t, 0, det.calls)
		})
	}
}

func TestHandleCountImageTooLarge(t *testing.T) {
	det := &stubDetector{detections: twoPeople}
	state := newTestState(t, det)
	counter, err := counting.NewCounter(det, counting.DefaultPersonThreshold, state.Logger, counting.WithMaxPixels(32*32))
	require.NoError(t, err)
	state.Counter = counter

	rec := serve(state, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(testPNG(t))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "invalid_image", resp.Code)
	assert.Equal(t, "image too large", resp.Message)
	assert.Equal(t, 0, det.calls)
}

func TestHandleCountDetectorErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "inference", err: errors.New("model exploded"), status: http.StatusInternalServerError, code: "inference_error"},
		{name: "acquire timeout", err: errors.Wrap(detections.ErrAcquireTimeout, "acquire session"), status: http.StatusServiceUnavailable, code: "session_error"},
		{name: "pool closed", err: errors.Wrap(detections.ErrPoolClosed, "acquire session"), status: http.StatusServiceUnavailable, code: "session_error"},
		{name: "client gone", err: errors.Wrap(context.Canceled, "acquire session"), status: statusClientClosed, code: "client_closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &stubDetector{err: tt.err}
			rec := serve(newTestState(t, det), httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(testPNG(t))))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
			assert.Equal(t, 1, det.calls, "no retries")
		})
	}
}

func TestRequestIDPropagated(t *testing.T) {
	state := newTestState(t, &stubDetector{})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(testPNG(t)))
	req.Header.Set(requestIDHeader, "client-42")

	rec := serve(state, req)
	assert.Equal(t, "client-42", rec.Header().Get(requestIDHeader))
}

func TestAccessLog(t *testing.T) {
	logger, hook := test.NewNullLogger()
	state := newTestState(t, &stubDetector{})
	state.Logger = logger

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc")
	serve(state, req)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request", entry.Message)
	assert.Equal(t, "abc", entry.Data["request_id"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])
	assert.Equal(t, "/health", entry.Data["path"])
}

func TestAccessLogRecordsClientClosed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	state := newTestState(t, &stubDetector{err: context.Canceled})
	state.Logger = logger

	serve(state, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(testPNG(t))))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request", entry.Message)
	assert.Equal(t, statusClientClosed, entry.Data["status"])
}

func TestHealthRoutes(t *testing.T) {
	state := newTestState(t, &stubDetector{})
	for _, path := range []string{"/", "/health"} {
		rec := serve(state, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	state := newTestState(t, &stubDetector{})
	rec := serve(state, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "onnx", raw["backend"])
	assert.Contains(t, raw, "cpu_features")
	assert.Equal(t, float64(4), raw["pool_size"])
	assert.Equal(t, float64(1), raw["sessions_in_use"])
	assert.Equal(t, float64(7), raw["total_acquired"])

	state.PoolStats = nil
	rec = serve(state, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	raw = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "pool_size")
}

func TestCountMessage(t *testing.T) {
	assert.Equal(t, "No people detected in the image", countMessage(0))
	assert.Equal(t, "Detected 1 person in the image", countMessage(1))
	assert.Equal(t, "Detected 12 people in the image", countMessage(12))
}
