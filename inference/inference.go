// Package inference runs operator shape inference over an ONNX graph, recording the inferred
// types in the graph's value_info.
package inference

import (
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type config struct {
	strict          bool
	dataPropagation bool
}

// Option configures InferShapes.
type Option func(c *config)

// WithStrictMode makes any inference failure abort InferShapes with an error.
// Otherwise (the default) failures are logged and the node outputs are left unknown.
func WithStrictMode(strict bool) Option {
	return func(c *config) { c.strict = strict }
}

// WithDataPropagation makes the outputs of Constant nodes visible as constant data to the
// nodes consuming them (e.g. the shape input of Reshape). Initializers are always visible.
func WithDataPropagation(enabled bool) Option {
	return func(c *config) { c.dataPropagation = enabled }
}

// InferShapes infers the types of every node output of model, in node order, using registry.
//
// Inferred types of intermediate values are merged into graph.value_info, and graph outputs
// get their declared type refined. The model is modified in place.
func InferShapes(model *protos.ModelProto, registry *schema.Registry, opts ...Option) error {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	graph := model.GetGraph()
	if graph == nil {
		return errors.New("InferShapes: model has no graph")
	}
	opsets := make(map[string]int64, len(model.OpsetImport))
	for _, opset := range model.OpsetImport {
		opsets[schema.NormalizeDomain(opset.Domain)] = opset.Version
	}

	s := newState(graph)
	for _, node := range graph.Node {
		err := s.inferNode(node, opsets, registry, &cfg)
		if err == nil {
			continue
		}
		err = schema.NewInferenceError(node, err)
		if cfg.strict {
			return err
		}
		klog.Warningf("InferShapes: skipping node: %v", err)
	}
	s.writeBack(graph)
	return nil
}

// state tracks the types and constant values known while walking the graph.
type state struct {
	types      map[string]*protos.TypeProto
	data       map[string]*protos.TensorProto
	outputs    map[string]*protos.ValueInfoProto
	inferred   []string
	isInferred map[string]bool
}

func newState(graph *protos.GraphProto) *state {
	s := &state{
		types:      make(map[string]*protos.TypeProto),
		data:       make(map[string]*protos.TensorProto),
		outputs:    make(map[string]*protos.ValueInfoProto),
		isInferred: make(map[string]bool),
	}
	for _, t := range graph.Initializer {
		s.data[t.Name] = t
		dims := make([]*protos.TensorShapeProto_Dimension, len(t.Dims))
		for ii, d := range t.Dims {
			dims[ii] = schema.Dim(d)
		}
		s.types[t.Name] = schema.TensorType(t.DataType, dims)
	}
	for _, vi := range graph.ValueInfo {
		if vi.GetType() != nil {
			s.types[vi.Name] = vi.Type
		}
	}
	// Graph inputs take precedence over initializers with the same name (those are default values).
	for _, vi := range graph.Input {
		if vi.GetType() != nil {
			s.types[vi.Name] = vi.Type
		}
		delete(s.data, vi.Name)
	}
	for _, vi := range graph.Output {
		s.outputs[vi.Name] = vi
		if _, found := s.types[vi.Name]; !found && vi.GetType() != nil {
			s.types[vi.Name] = vi.Type
		}
	}
	return s
}

func (s *state) inferNode(node *protos.NodeProto, opsets map[string]int64, registry *schema.Registry, cfg *config) error {
	domain := schema.NormalizeDomain(node.Domain)
	version, found := opsets[domain]
	if !found {
		return errors.Errorf("no opset imported for domain %q", node.Domain)
	}
	opSchema := registry.Lookup(domain, node.OpType, version)
	if opSchema == nil {
		return errors.Errorf("operator not registered at opset version %d", version)
	}
	if cfg.dataPropagation && domain == "" && node.OpType == "Constant" && len(node.Output) == 1 {
		for _, attr := range node.Attribute {
			if attr.Name == "value" && attr.T != nil {
				s.data[node.Output[0]] = attr.T
			}
		}
	}
	if opSchema.Inference == nil {
		klog.V(1).Infof("InferShapes: %s has no inference function, outputs of %q left unknown", opSchema, node.Name)
		return nil
	}

	ctx := &nodeContext{state: s, node: node, outputs: make([]*protos.TypeProto, len(node.Output))}
	if err := opSchema.Inference(ctx); err != nil {
		return err
	}
	for ii, name := range node.Output {
		inferred := ctx.outputs[ii]
		if name == "" || inferred == nil {
			continue
		}
		merged, err := mergeTypes(s.types[name], inferred)
		if err != nil {
			return errors.WithMessagef(err, "output #%d %q", ii, name)
		}
		if !s.isInferred[name] {
			s.inferred = append(s.inferred, name)
			s.isInferred[name] = true
		}
		s.types[name] = merged
	}
	if klog.V(2).Enabled() {
		for _, name := range node.Output {
			klog.Infof("InferShapes: %q -> %s", name, typeString(s.types[name]))
		}
	}
	return nil
}

// writeBack stores the inferred types: graph outputs are refined, other values go to value_info.
func (s *state) writeBack(graph *protos.GraphProto) {
	existing := make(map[string]*protos.ValueInfoProto, len(graph.ValueInfo))
	for _, vi := range graph.ValueInfo {
		existing[vi.Name] = vi
	}
	for _, name := range s.inferred {
		t := s.types[name]
		if output, found := s.outputs[name]; found {
			output.Type = t
			continue
		}
		if vi, found := existing[name]; found {
			vi.Type = t
			continue
		}
		vi := &protos.ValueInfoProto{Name: name, Type: t}
		graph.ValueInfo = append(graph.ValueInfo, vi)
		existing[name] = vi
	}
}

// nodeContext implements schema.InferenceContext.
type nodeContext struct {
	state   *state
	node    *protos.NodeProto
	outputs []*protos.TypeProto
}

var _ schema.InferenceContext = (*nodeContext)(nil)

func (c *nodeContext) Node() *protos.NodeProto { return c.node }

func (c *nodeContext) NumInputs() int { return len(c.node.Input) }

func (c *nodeContext) InputType(i int) *protos.TypeProto {
	if i < 0 || i >= len(c.node.Input) || c.node.Input[i] == "" {
		return nil
	}
	return c.state.types[c.node.Input[i]]
}

func (c *nodeContext) InputData(i int) *protos.TensorProto {
	if i < 0 || i >= len(c.node.Input) || c.node.Input[i] == "" {
		return nil
	}
	return c.state.data[c.node.Input[i]]
}

func (c *nodeContext) Attribute(name string) *protos.AttributeProto {
	for _, attr := range c.node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

func (c *nodeContext) NumOutputs() int { return len(c.node.Output) }

func (c *nodeContext) SetOutputType(i int, t *protos.TypeProto) {
	if i >= 0 && i < len(c.outputs) {
		c.outputs[i] = t
	}
}
