package coreml

import (
	"context"
	"sync"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/ep/cpu"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Device executes lowered partitions.
type Device interface {
	Name() string

	// Available reports whether the device can execute programs on this host.
	Available() bool

	// Compile prepares the lowered partition for execution.
	Compile(lowered *Lowered) (ep.Executable, error)
}

// HostCanExecute reports whether CoreML programs can be executed on this host.
func HostCanExecute() bool {
	return HostDevice().Available()
}

// emulatedDevice runs the partitions on the CPU with GoMLX. Lowered.Builder is not executed, only
// Lowered.Partition is. With FlagUseFP16, the values crossing the partition boundary are rounded
// to float16 precision, intermediate values are not.
type emulatedDevice struct {
	once     sync.Once
	provider *cpu.Provider
	err      error
}

var defaultEmulatedDevice = &emulatedDevice{}

// EmulatedDevice returns the device emulating CoreML on the CPU. It is always available.
func EmulatedDevice() Device { return defaultEmulatedDevice }

func (d *emulatedDevice) Name() string    { return "emulated" }
func (d *emulatedDevice) Available() bool { return true }

func (d *emulatedDevice) Compile(lowered *Lowered) (ep.Executable, error) {
	d.once.Do(func() {
		backend, err := simplego.New("")
		if err != nil {
			d.err = errors.WithMessage(err, "CoreML emulated device: creating backend")
			return
		}
		d.provider = cpu.NewWithBackend(backend)
	})
	if d.err != nil {
		return nil, d.err
	}
	exec, err := d.provider.Compile(lowered.Partition)
	if err != nil {
		return nil, err
	}
	return &emulatedExecutable{exec: exec, fp16: lowered.Flags.Has(FlagUseFP16)}, nil
}

type emulatedExecutable struct {
	exec ep.Executable
	fp16 bool
}

// Run implements ep.Executable.
func (e *emulatedExecutable) Run(ctx context.Context, feeds map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	if e.fp16 {
		rounded := make(map[string]*tensors.Tensor, len(feeds))
		for name, t := range feeds {
			rounded[name] = roundToFloat16(t)
		}
		feeds = rounded
	}
	outputs, err := e.exec.Run(ctx, feeds)
	if err != nil {
		return nil, err
	}
	if e.fp16 {
		for name, t := range outputs {
			outputs[name] = roundToFloat16(t)
		}
	}
	return outputs, nil
}

// Close implements ep.Executable.
func (e *emulatedExecutable) Close() error { return e.exec.Close() }

// roundToFloat16 returns a copy of a float32 tensor with its values rounded to float16 precision.
// Other tensors are returned as is.
func roundToFloat16(t *tensors.Tensor) *tensors.Tensor {
	if t.DType() != dtypes.Float32 {
		return t
	}
	data := tensors.MustCopyFlatData[float32](t)
	for ii, v := range data {
		data[ii] = float16.Fromfloat32(v).Float32()
	}
	return tensors.FromFlatDataAndDimensions(data, t.Shape().Dimensions...)
}
