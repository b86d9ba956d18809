package counting

import "fmt"

// DecodeError reports input that could not be turned into an image.
// It is a client error.
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// InferenceError reports a failure of the detector.
// It is a server error.
type InferenceError struct {
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("detector failed: %v", e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }
