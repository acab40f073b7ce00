// Package inference wraps github.com/yalue/onnxruntime_go behind the
// narrow create/run contract the segmentation transform needs, matching
// the personseg_ort.h session_create/session_run shape: a single-tensor
// CHW float32 input and a single-tensor [0,1] mask output.
package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Session wraps one loaded ONNX segmentation model. Run is safe for
// concurrent use; onnxruntime sessions are not, so calls are serialized.
type Session struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	inW     int
	inH     int
}

// Config configures model loading.
type Config struct {
	ModelPath        string
	InputWidth       int
	InputHeight      int
	IntraOpNumThreads int
	SharedLibraryPath string
}

var initOnce sync.Once
var initErr error

// NewSession loads an ONNX model from ModelPath and prepares it for
// single-CHW-tensor-in, single-mask-tensor-out inference.
func NewSession(cfg Config) (*Session, error) {
	initOnce.Do(func() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("inference: initialize onnxruntime: %w", initErr)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("inference: session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpNumThreads > 0 {
		_ = opts.SetIntraOpNumThreads(cfg.IntraOpNumThreads)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{"input"}, []string{"output"}, opts)
	if err != nil {
		return nil, fmt.Errorf("inference: load model %q: %w", cfg.ModelPath, err)
	}

	return &Session{session: session, inW: cfg.InputWidth, inH: cfg.InputHeight}, nil
}

// Run feeds a CHW float32 tensor through the model and returns the
// flattened [0,1] mask. n must be 1; c is expected to be 3.
func (s *Session) Run(chw []float32, n, c, h, w int) ([]float32, error) {
	if n != 1 {
		return nil, fmt.Errorf("inference: batch size %d unsupported", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inputShape := ort.NewShape(int64(n), int64(c), int64(h), int64(w))
	inputTensor, err := ort.NewTensor(inputShape, chw)
	if err != nil {
		return nil, fmt.Errorf("inference: input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(int64(n), 1, int64(h), int64(w))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, fmt.Errorf("inference: output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference: run: %w", err)
	}

	data := outputTensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// Close releases the underlying onnxruntime session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}
