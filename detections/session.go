package detections

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Session is one loaded copy of the model with its own input and output
// buffers. A Session is used by one goroutine at a time.
type Session interface {
	InputData() []float32
	OutputData() []float32
	Run() error
	Destroy()
}

// SessionConfig describes the model file and its tensor layout.
type SessionConfig struct {
	ModelPath      string
	InputSize      int
	NumClasses     int
	IntraOpThreads int
	InterOpThreads int
}

// ModelSession is a Session backed by onnxruntime.
type ModelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// InitializeRuntime loads the onnxruntime shared library. It must be called
// once before any ModelSession is created.
func InitializeRuntime(libPath string) error {
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	return nil
}

func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// NewModelSession loads cfg.ModelPath into a new onnxruntime session.
func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()

	intra, inter := cfg.IntraOpThreads, cfg.InterOpThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	if inter <= 0 {
		inter = 1
	}
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		return nil, errors.Wrap(err, "error setting inter-op threads")
	}

	size := int64(cfg.InputSize)
	inputShape := ort.NewShape(1, 3, size, size)
	outputShape := ort.NewShape(1, int64(boxChannels+cfg.NumClasses), int64(NumAnchors(cfg.InputSize)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating session")
	}

	return &ModelSession{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

func (m *ModelSession) InputData() []float32  { return m.input.GetData() }
func (m *ModelSession) OutputData() []float32 { return m.output.GetData() }
func (m *ModelSession) Run() error            { return m.session.Run() }

func (m *ModelSession) Destroy() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
}
