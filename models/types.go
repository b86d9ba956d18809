package models

import (
	"context"
	"time"
)

// PersonLabel is the class label counted by the service.
const PersonLabel = "person"

// Detection is a single bounding-box prediction in original image pixels.
type Detection struct {
	BBox       [4]float32 `json:"box"`
	Label      string     `json:"label"`
	ClassID    int        `json:"class_id"`
	Confidence float32    `json:"confidence"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	NMS         time.Duration
	Total       time.Duration
}

type timingsKey struct{}

// WithTimings attaches t to ctx so lower layers can record stage durations.
func WithTimings(ctx context.Context, t *ProcessingTimings) context.Context {
	return context.WithValue(ctx, timingsKey{}, t)
}

// TimingsFrom returns the timings attached to ctx. The result is never nil;
// without attached timings a throwaway value is returned.
func TimingsFrom(ctx context.Context) *ProcessingTimings {
	if t, ok := ctx.Value(timingsKey{}).(*ProcessingTimings); ok && t != nil {
		return t
	}
	return &ProcessingTimings{}
}
