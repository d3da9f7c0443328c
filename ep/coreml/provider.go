// Package coreml implements an execution provider lowering ONNX sub-graphs to CoreML MIL programs,
// using github.com/gomlx/go-coreml.
//
// The programs are executed by a Device: the CoreML framework on macOS, or a CPU emulation elsewhere
// (or when FlagCPUOnly is set).
//
// The emulated device doesn't execute the lowered MIL program: it runs the partition's ONNX nodes
// with the GoMLX CPU provider, and with FlagUseFP16 it rounds to float16 only the values crossing
// the partition boundary. Intermediate values stay in float32, so outputs measured on the
// emulated device, in particular with FlagUseFP16, are not CoreML-accurate. Only HostDevice
// executes the MIL lowering.
package coreml

import (
	"math"

	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind is the name the provider is registered with in ep.DefaultRegistry.
const Kind = "coreml"

func init() {
	ep.Register(Kind, func(options map[string]any) (ep.ExecutionProvider, error) {
		var cfg struct {
			Flags  string `mapstructure:"flags"`
			Device string `mapstructure:"device"`
		}
		if err := ep.DecodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		flags, err := ParseFlags(cfg.Flags)
		if err != nil {
			return nil, err
		}
		var opts []Option
		switch cfg.Device {
		case "":
		case "emulated":
			opts = append(opts, WithDevice(EmulatedDevice()))
		case "coreml", "host":
			opts = append(opts, WithDevice(HostDevice()))
		default:
			return nil, errors.Errorf("unknown CoreML device %q, valid values are \"emulated\" or \"host\"", cfg.Device)
		}
		return New(flags, opts...), nil
	})
}

// Provider is the CoreML execution provider.
type Provider struct {
	flags   Flags
	device  Device
	schemas *schema.Registry
}

var (
	_ ep.ExecutionProvider  = (*Provider)(nil)
	_ ep.KernelLister       = (*Provider)(nil)
	_ ep.FallbackController = (*Provider)(nil)
)

// Option configures the Provider.
type Option func(p *Provider)

// WithDevice sets the device executing the programs. It is ignored with FlagCPUOnly.
func WithDevice(device Device) Option {
	return func(p *Provider) {
		p.device = device
	}
}

// New creates a CoreML provider. By default, it uses the host device if available, and the emulated device otherwise.
func New(flags Flags, opts ...Option) *Provider {
	p := &Provider{flags: flags, schemas: schema.NewDefaultRegistry()}
	for _, opt := range opts {
		opt(p)
	}
	if p.device == nil {
		p.device = HostDevice()
		if !p.device.Available() {
			p.device = EmulatedDevice()
		}
	}
	if flags.Has(FlagCPUOnly) {
		p.device = EmulatedDevice()
	}
	return p
}

// Flags returns the flags the provider was created with.
func (p *Provider) Flags() Flags { return p.flags }

// Device executing the programs.
func (p *Provider) Device() Device { return p.device }

// Type implements ep.ExecutionProvider.
func (p *Provider) Type() string { return ep.CoreMLProviderType }

// CPUFallbackDisabled implements ep.FallbackController.
func (p *Provider) CPUFallbackDisabled() bool { return p.flags.Has(FlagCPUDisabled) }

// IsNodeSupported returns "" if the node can be claimed, or the reason why not.
func (p *Provider) IsNodeSupported(view *ep.GraphView, nodeIdx int) string {
	node := view.Node(nodeIdx)
	if schema.NormalizeDomain(node.Domain) != "" {
		return "domain " + node.Domain + " not supported"
	}
	builder, found := opBuilders[node.OpType]
	if !found {
		return "op type not supported"
	}
	return builder.IsSupported(view, node, p.flags)
}

// GetCapability implements ep.ExecutionProvider: each run of consecutive supported nodes becomes one capability.
func (p *Provider) GetCapability(view *ep.GraphView) []*ep.Capability {
	runs := view.UnassignedRuns(func(idx int) bool {
		if reason := p.IsNodeSupported(view, idx); reason != "" {
			node := view.Node(idx)
			klog.V(1).Infof("CoreML provider: node %q (%s) not claimed: %s", node.Name, node.OpType, reason)
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

// Compile implements ep.ExecutionProvider: the partition is lowered to a MIL program and compiled by the device.
func (p *Provider) Compile(partition *ep.Partition) (ep.Executable, error) {
	lowered, err := Lower(partition, p.flags)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("CoreML provider: %s lowered, executing on device %q", partition, p.device.Name())
	return p.device.Compile(lowered)
}

// KernelDefs implements ep.KernelLister.
func (p *Provider) KernelDefs() []ep.KernelDef {
	var defs []ep.KernelDef
	for _, opType := range SupportedOps() {
		def := ep.KernelDef{
			Provider:        ep.CoreMLProviderType,
			OpType:          opType,
			SinceVersion:    1,
			TypeConstraints: map[string][]string{"T": {"float", "float16"}},
		}
		if s := p.schemas.Lookup("", opType, math.MaxInt64); s != nil {
			def.SinceVersion = s.SinceVersion
		}
		defs = append(defs, def)
	}
	return defs
}
