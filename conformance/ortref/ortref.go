// Package ortref runs models with ONNX Runtime (github.com/yalue/onnxruntime_go), to be used as a
// reference by the conformance suite.
//
// It requires the ONNX Runtime shared library, given by the environment variable
// ONNXRUNTIME_SHARED_LIBRARY_PATH.
package ortref

import (
	"context"
	"os"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// EnvLibraryPath is the environment variable with the path to the ONNX Runtime shared library.
const EnvLibraryPath = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	initOnce sync.Once
	initErr  error
)

// Available returns whether the ONNX Runtime library was configured.
func Available() bool {
	return os.Getenv(EnvLibraryPath) != ""
}

func initialize() error {
	initOnce.Do(func() {
		libPath := os.Getenv(EnvLibraryPath)
		if libPath == "" {
			initErr = errors.Errorf("ONNX Runtime not configured: set %s to the path of its shared library", EnvLibraryPath)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = errors.Wrapf(err, "initializing ONNX Runtime from %q", libPath)
			return
		}
		klog.V(1).Infof("ONNX Runtime initialized from %q", libPath)
		// The environment is shared by all References and never destroyed.
	})
	return initErr
}

// Reference executes models with ONNX Runtime on CPU.
type Reference struct{}

// New returns a Reference, initializing ONNX Runtime on the first call.
func New() (*Reference, error) {
	if err := initialize(); err != nil {
		return nil, err
	}
	return &Reference{}, nil
}

// Name of the reference.
func (r *Reference) Name() string { return "onnxruntime" }

// Run executes the model in modelPath with the given feeds, and returns the requested outputs.
// Only float32 and int64 inputs and outputs are supported.
func (r *Reference) Run(ctx context.Context, modelPath string, feeds map[string]*tensors.Tensor, outputNames []string) (map[string]*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputNames := make([]string, 0, len(feeds))
	inputs := make([]ort.Value, 0, len(feeds))
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for name, t := range feeds {
		v, err := toORT(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "ONNX Runtime input %q", name)
		}
		inputNames = append(inputNames, name)
		inputs = append(inputs, v)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "ONNX Runtime failed to load %q", modelPath)
	}
	defer func() { _ = session.Destroy() }()

	// Outputs are allocated by ONNX Runtime.
	outputs := make([]ort.Value, len(outputNames))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()
	if err := session.Run(inputs, outputs); err != nil {
		return nil, errors.Wrapf(err, "ONNX Runtime failed to run %q", modelPath)
	}
	results := make(map[string]*tensors.Tensor, len(outputNames))
	for ii, name := range outputNames {
		t, err := fromORT(outputs[ii])
		if err != nil {
			return nil, errors.WithMessagef(err, "ONNX Runtime output %q", name)
		}
		results[name] = t
	}
	return results, nil
}

func toORT(t *tensors.Tensor) (ort.Value, error) {
	dims := t.Shape().Dimensions
	shape := make(ort.Shape, len(dims))
	for ii, dim := range dims {
		shape[ii] = int64(dim)
	}
	switch t.DType() {
	case dtypes.Float32:
		return ort.NewTensor(shape, tensors.MustCopyFlatData[float32](t))
	case dtypes.Int64:
		return ort.NewTensor(shape, tensors.MustCopyFlatData[int64](t))
	default:
		return nil, errors.Errorf("dtype %s not supported", t.DType())
	}
}

func fromORT(v ort.Value) (*tensors.Tensor, error) {
	dims64 := v.GetShape()
	dims := make([]int, len(dims64))
	for ii, dim := range dims64 {
		dims[ii] = int(dim)
	}
	switch typed := v.(type) {
	case *ort.Tensor[float32]:
		return tensors.FromFlatDataAndDimensions(append([]float32(nil), typed.GetData()...), dims...), nil
	case *ort.Tensor[int64]:
		return tensors.FromFlatDataAndDimensions(append([]int64(nil), typed.GetData()...), dims...), nil
	default:
		return nil, errors.Errorf("ONNX Runtime value of type %T not supported", v)
	}
}
