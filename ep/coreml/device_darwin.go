//go:build darwin && cgo

package coreml

import (
	"context"
	"sync"

	"github.com/gomlx/go-coreml/runtime"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hostDevice compiles the MIL programs with the CoreML framework.
type hostDevice struct {
	once sync.Once
	rt   *runtime.Runtime
}

var defaultHostDevice = &hostDevice{}

// HostDevice returns the CoreML device of this host.
func HostDevice() Device { return defaultHostDevice }

func (d *hostDevice) Name() string    { return "coreml" }
func (d *hostDevice) Available() bool { return true }

func (d *hostDevice) Compile(lowered *Lowered) (ep.Executable, error) {
	d.once.Do(func() {
		d.rt = runtime.New()
	})
	exec, err := d.rt.Compile(lowered.Builder)
	if err != nil {
		return nil, errors.Wrapf(err, "CoreML: compiling %s", lowered.Partition)
	}
	klog.V(1).Infof("CoreML: compiled %s", lowered.Partition)
	return &hostExecutable{exec: exec, lowered: lowered}, nil
}

type hostExecutable struct {
	exec    *runtime.Executable
	lowered *Lowered
}

// Run implements ep.Executable.
func (e *hostExecutable) Run(ctx context.Context, feeds map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	partition := e.lowered.Partition
	inputs := make(map[string]any, len(partition.Inputs))
	for ii, name := range partition.Inputs {
		t, found := feeds[name]
		if !found {
			return nil, errors.Errorf("CoreML: missing input %q", name)
		}
		data, err := float32Data(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "CoreML: input %q", name)
		}
		inputs[e.lowered.InputFeatures[ii]] = data
	}
	results, err := e.exec.Run(inputs)
	if err != nil {
		return nil, errors.Wrapf(err, "CoreML: executing %s", partition)
	}
	outputs := make(map[string]*tensors.Tensor, len(partition.Outputs))
	for ii, name := range partition.Outputs {
		data, ok := results[e.lowered.OutputFeatures[ii]].([]float32)
		if !ok {
			return nil, errors.Errorf("CoreML: output %q missing or not float32", name)
		}
		outputs[name] = fromFloat32Data(data, e.lowered.OutputDims[ii], e.lowered.OutputTypes[ii])
	}
	return outputs, nil
}

// Close implements ep.Executable.
func (e *hostExecutable) Close() error { return e.exec.Close() }
