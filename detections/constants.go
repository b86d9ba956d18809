package detections

import "time"

const (
	DefaultInputSize          = 640
	DefaultCandidateThreshold = 0.25
	DefaultIoUThreshold       = 0.7
	DefaultMaxDetections      = 300

	// DefaultPoolSize Pool configuration
	DefaultPoolSize          = 4
	DefaultAcquireTimeout    = 5 * time.Second
	DefaultHealthCheckPeriod = 60 * time.Second

	// letterboxFill is the grey used to pad the model input.
	letterboxFill = 114
	// boxChannels is cx, cy, w, h ahead of the class scores.
	boxChannels = 4
)

// strides of the three YOLOv8 detection heads.
var strides = []int{8, 16, 32}

// NumAnchors returns the number of predictions a YOLOv8 head emits for a
// square input of the given size (8400 for 640).
func NumAnchors(inputSize int) int {
	n := 0
	for _, s := range strides {
		cells := inputSize / s
		n += cells * cells
	}
	return n
}
