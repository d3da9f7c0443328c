// Package ep defines execution providers: backends that claim parts of an ONNX graph
// (GetCapability) and compile the claimed sub-graphs (Compile) into executables.
//
// A session asks its providers, in priority order, which nodes they can take; the Partitioner
// turns the accepted claims into Partitions, each compiled by the provider that claimed it.
package ep

import (
	"context"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Well known provider types.
const (
	CPUProviderType    = "CPUExecutionProvider"
	CoreMLProviderType = "CoreMLExecutionProvider"
)

// ExecutionProvider is implemented by the backends that execute (part of) a graph.
type ExecutionProvider interface {
	// Type identifies the provider, e.g. "CPUExecutionProvider". It is what nodes are assigned to.
	Type() string

	// GetCapability returns the groups of nodes the provider wants to execute, each group compiled
	// as one partition. Nodes already assigned to another provider (see GraphView.IsAssigned) must
	// not be claimed.
	GetCapability(view *GraphView) []*Capability

	// Compile a partition previously claimed by the provider.
	Compile(partition *Partition) (Executable, error)
}

// Executable is a compiled partition.
type Executable interface {
	// Run executes the partition. feeds must hold all Partition.Inputs, and it returns all Partition.Outputs.
	Run(ctx context.Context, feeds map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error)

	// Close releases the resources held by the executable.
	Close() error
}

// KernelLister is implemented by providers that publish the kernel definitions they implement.
type KernelLister interface {
	KernelDefs() []KernelDef
}

// FallbackController is implemented by providers that can forbid the session from assigning the
// nodes they don't take to the CPU provider.
type FallbackController interface {
	CPUFallbackDisabled() bool
}

// Capability is a group of nodes (indices into GraphView.Nodes) a provider wants to execute as one partition.
type Capability struct {
	NodeIndices []int
}

// NewCapability returns a Capability with the given node indices.
func NewCapability(nodeIndices ...int) *Capability {
	return &Capability{NodeIndices: nodeIndices}
}
