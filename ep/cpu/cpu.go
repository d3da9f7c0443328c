// Package cpu implements the CPU execution provider: it executes any node the GoMLX converter supports,
// on a GoMLX backend (by default the pure Go "simplego" backend).
//
// It is the fallback provider of a session: it is given the nodes no other provider claimed.
package cpu

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind is the name the provider is registered with in ep.DefaultRegistry.
const Kind = "cpu"

func init() {
	ep.Register(Kind, func(options map[string]any) (ep.ExecutionProvider, error) {
		var opts Options
		if err := ep.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return New(opts)
	})
}

// Options for the CPU provider.
type Options struct {
	// Backend is the GoMLX backend configuration, e.g. "xla:cpu". Empty selects the "simplego" backend.
	Backend string `mapstructure:"backend"`
}

// Provider is the CPU execution provider.
type Provider struct {
	backend backends.Backend
	schemas *schema.Registry
}

var (
	_ ep.ExecutionProvider = (*Provider)(nil)
	_ ep.KernelLister      = (*Provider)(nil)
)

// New creates a CPU provider with its own backend.
func New(opts Options) (*Provider, error) {
	var backend backends.Backend
	var err error
	if opts.Backend == "" {
		backend, err = simplego.New("")
	} else {
		backend, err = backends.NewWithConfig(opts.Backend)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "creating GoMLX backend %q for the CPU provider", opts.Backend)
	}
	return NewWithBackend(backend), nil
}

// NewWithBackend creates a CPU provider using the given backend.
func NewWithBackend(backend backends.Backend) *Provider {
	return &Provider{backend: backend, schemas: schema.NewDefaultRegistry()}
}

// Backend used to execute the partitions.
func (p *Provider) Backend() backends.Backend { return p.backend }

// Type implements ep.ExecutionProvider.
func (p *Provider) Type() string { return ep.CPUProviderType }

// GetCapability implements ep.ExecutionProvider: it claims the runs of unassigned supported nodes.
func (p *Provider) GetCapability(view *ep.GraphView) []*ep.Capability {
	runs := view.UnassignedRuns(func(idx int) bool {
		node := view.Node(idx)
		if !onnx.IsOpSupported(node.Domain, node.OpType) {
			klog.V(1).Infof("CPU provider: op %q (domain %q) of node %q not supported", node.OpType, node.Domain, node.Name)
			return false
		}
		return true
	})
	capabilities := make([]*ep.Capability, len(runs))
	for ii, run := range runs {
		capabilities[ii] = ep.NewCapability(run...)
	}
	return capabilities
}

// Compile implements ep.ExecutionProvider. The graph is built with the GoMLX converter, and it is
// JIT-compiled for each new combination of input shapes.
func (p *Provider) Compile(partition *ep.Partition) (ep.Executable, error) {
	model := partition.View.Model()
	nodes := partition.Nodes()
	inputNames := partition.Inputs
	outputNames := partition.Outputs
	if len(outputNames) == 0 {
		return nil, errors.Errorf("CPU provider: %s has no outputs", partition)
	}

	var exec *Exec
	var err error
	if len(inputNames) == 0 {
		exec, err = NewExec(p.backend, func(g *Graph) []*Node {
			return model.CallNodes(nil, g, nodes, nil, outputNames)
		})
	} else {
		exec, err = NewExec(p.backend, func(inputs []*Node) []*Node {
			g := inputs[0].Graph()
			named := make(map[string]*Node, len(inputs))
			for ii, name := range inputNames {
				named[name] = inputs[ii]
			}
			return model.CallNodes(nil, g, nodes, named, outputNames)
		})
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "CPU provider: compiling %s", partition)
	}
	exec.WithName(fmt.Sprintf("cpu_partition_%d", partition.ID))
	return &executable{exec: exec, inputNames: inputNames, outputNames: outputNames}, nil
}

type executable struct {
	exec                    *Exec
	inputNames, outputNames []string
}

// Run implements ep.Executable.
func (e *executable) Run(ctx context.Context, feeds map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := make([]any, len(e.inputNames))
	for ii, name := range e.inputNames {
		t, found := feeds[name]
		if !found {
			return nil, errors.Errorf("CPU provider: missing input %q", name)
		}
		args[ii] = t
	}
	results, err := e.exec.Exec(args...)
	if err != nil {
		return nil, errors.WithMessage(err, "CPU provider: executing partition")
	}
	outputs := make(map[string]*tensors.Tensor, len(results))
	for ii, name := range e.outputNames {
		outputs[name] = results[ii]
	}
	return outputs, nil
}

// Close implements ep.Executable.
func (e *executable) Close() error {
	e.exec.Finalize()
	return nil
}

// kernelTypes are the element types the GoMLX converter accepts for most ops.
var kernelTypes = []string{"double", "float", "float16", "int32", "int64"}

// KernelDefs implements ep.KernelLister: one kernel per supported op, starting at the op's latest schema version.
func (p *Provider) KernelDefs() []ep.KernelDef {
	var defs []ep.KernelDef
	for _, op := range onnx.SupportedOps() {
		domain, opType := "", op
		if idx := strings.LastIndex(op, "."); idx >= 0 {
			domain, opType = op[:idx], op[idx+1:]
		}
		def := ep.KernelDef{
			Provider:        ep.CPUProviderType,
			Domain:          domain,
			OpType:          opType,
			SinceVersion:    1,
			TypeConstraints: map[string][]string{"T": kernelTypes},
		}
		if s := p.schemas.Lookup(domain, opType, math.MaxInt64); s != nil {
			def.SinceVersion = s.SinceVersion
		}
		switch opType {
		case "Where":
			def.TypeConstraints["B"] = []string{"bool"}
		case "Cast":
			def.TypeConstraints = map[string][]string{"T1": kernelTypes, "T2": kernelTypes}
		}
		defs = append(defs, def)
	}
	return defs
}
