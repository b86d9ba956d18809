package detections

import (
	"sync"
	"sync/atomic"
)

// fakeSession stands in for an onnxruntime session. Run copies a canned
// output into the output buffer.
type fakeSession struct {
	input     []float32
	output    []float32
	canned    []float32
	runErr    error
	runs      int32
	destroyed int32
}

func newFakeSession(inputSize int, canned []float32) *fakeSession {
	return &fakeSession{
		input:  make([]float32, 3*inputSize*inputSize),
		output: make([]float32, len(canned)),
		canned: canned,
	}
}

func (f *fakeSession) InputData() []float32  { return f.input }
func (f *fakeSession) OutputData() []float32 { return f.output }

func (f *fakeSession) Run() error {
	atomic.AddInt32(&f.runs, 1)
	if f.runErr != nil {
		return f.runErr
	}
	copy(f.output, f.canned)
	return nil
}

func (f *fakeSession) Destroy() {
	atomic.AddInt32(&f.destroyed, 1)
}

// fakeFactory hands out fakeSessions and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	build    func() *fakeSession
	err      error
	failFrom int
}

func (f *fakeFactory) New() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && len(f.sessions) >= f.failFrom {
		return nil, f.err
	}
	var s *fakeSession
	if f.build != nil {
		s = f.build()
	} else {
		s = &fakeSession{}
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) at(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}
