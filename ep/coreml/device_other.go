//go:build !darwin || !cgo

package coreml

import (
	"github.com/gomlx/onnx-harness/ep"
	"github.com/pkg/errors"
)

// hostDevice is not available: CoreML requires macOS and cgo.
type hostDevice struct{}

// HostDevice returns the CoreML device of this host.
func HostDevice() Device { return hostDevice{} }

func (hostDevice) Name() string    { return "coreml" }
func (hostDevice) Available() bool { return false }

func (hostDevice) Compile(lowered *Lowered) (ep.Executable, error) {
	return nil, errors.Errorf("CoreML: %s can't be executed, the CoreML framework is only available on macOS with cgo", lowered.Partition)
}
