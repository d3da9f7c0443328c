package onnx

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// DefaultIRVersion is the IR version used by models created with Builder.
const DefaultIRVersion = 6

// Builder constructs small ONNX graphs in memory.
//
// Values are declared with NodeArg, nodes connect them with AddNode, and Resolve derives the graph
// inputs (values consumed but never produced, and not initializers) and the graph outputs (values
// produced but never consumed).
type Builder struct {
	proto    *protos.ModelProto
	args     map[string]*protos.ValueInfoProto
	argOrder []string
	resolved bool
}

// NewBuilder creates a Builder for a graph with the given name, importing the default ONNX opset.
func NewBuilder(graphName string) *Builder {
	return &Builder{
		proto: &protos.ModelProto{
			IrVersion:    DefaultIRVersion,
			ProducerName: "onnx-harness",
			OpsetImport:  []*protos.OperatorSetIdProto{{Domain: "", Version: 13}},
			Graph:        &protos.GraphProto{Name: graphName},
		},
		args: make(map[string]*protos.ValueInfoProto),
	}
}

// Opset sets the imported opset version for the domain, replacing an earlier import of the same domain.
func (b *Builder) Opset(domain string, version int64) *Builder {
	for _, opset := range b.proto.OpsetImport {
		if opset.Domain == domain {
			opset.Version = version
			return b
		}
	}
	b.proto.OpsetImport = append(b.proto.OpsetImport, &protos.OperatorSetIdProto{Domain: domain, Version: version})
	return b
}

// TensorType returns the TypeProto of a tensor with the given dtype and static dimensions.
func TensorType(dtype dtypes.DType, dims ...int) *protos.TypeProto {
	shape := &protos.TensorShapeProto{Dim: make([]*protos.TensorShapeProto_Dimension, len(dims))}
	for ii, dim := range dims {
		shape.Dim[ii] = &protos.TensorShapeProto_Dimension{Value: &protos.TensorShapeProto_Dimension_DimValue{DimValue: int64(dim)}}
	}
	return &protos.TypeProto{
		Value: &protos.TypeProto_TensorType{TensorType: &protos.TypeProto_Tensor{
			ElemType: int32(ONNXForDType(dtype)),
			Shape:    shape,
		}},
	}
}

// NodeArg returns the named value, creating it if needed. A non-nil type replaces the current one.
func (b *Builder) NodeArg(name string, typeProto *protos.TypeProto) *protos.ValueInfoProto {
	arg, found := b.args[name]
	if !found {
		arg = &protos.ValueInfoProto{Name: name}
		b.args[name] = arg
		b.argOrder = append(b.argOrder, name)
	}
	if typeProto != nil {
		arg.Type = typeProto.Clone()
	}
	b.resolved = false
	return arg
}

// AddNode appends a node connecting the named values. Values not declared with NodeArg are created untyped.
// The returned node can be further edited, e.g. to set its Domain.
func (b *Builder) AddNode(name, opType, docString string, inputs, outputs []string, attrs ...*protos.AttributeProto) *protos.NodeProto {
	for _, arg := range inputs {
		if arg != "" {
			b.NodeArg(arg, nil)
		}
	}
	for _, arg := range outputs {
		b.NodeArg(arg, nil)
	}
	node := &protos.NodeProto{
		Name:      name,
		OpType:    opType,
		DocString: docString,
		Input:     slices.Clone(inputs),
		Output:    slices.Clone(outputs),
		Attribute: attrs,
	}
	b.proto.Graph.Node = append(b.proto.Graph.Node, node)
	b.resolved = false
	return node
}

// AddInitializer adds a constant tensor to the graph. Its value is never a graph input.
func (b *Builder) AddInitializer(t *protos.TensorProto) {
	b.proto.Graph.Initializer = append(b.proto.Graph.Initializer, t)
	b.resolved = false
}

// Resolve derives graph inputs and outputs, and checks the graph is well-formed:
// each value has at most one producer, and there are no cycles.
func (b *Builder) Resolve() error {
	graph := b.proto.Graph
	initializers := sets.Make[string]()
	for _, t := range graph.Initializer {
		initializers.Insert(t.Name)
	}
	producers := make(map[string]string)
	consumed := sets.Make[string]()
	for _, node := range graph.Node {
		for _, output := range node.Output {
			if output == "" {
				continue
			}
			if producer, found := producers[output]; found {
				return errors.Errorf("value %q is produced by both node %q and node %q", output, producer, node.Name)
			}
			if initializers.Has(output) {
				return errors.Errorf("value %q is produced by node %q but it is also an initializer", output, node.Name)
			}
			producers[output] = node.Name
		}
		for _, input := range node.Input {
			if input != "" {
				consumed.Insert(input)
			}
		}
	}

	graph.Input = graph.Input[:0]
	graph.Output = graph.Output[:0]
	graph.ValueInfo = graph.ValueInfo[:0]
	for _, name := range b.argOrder {
		arg := b.args[name]
		_, produced := producers[name]
		switch {
		case !produced && consumed.Has(name) && !initializers.Has(name):
			graph.Input = append(graph.Input, arg)
		case produced && !consumed.Has(name):
			graph.Output = append(graph.Output, arg)
		case produced && arg.Type != nil:
			graph.ValueInfo = append(graph.ValueInfo, arg)
		}
	}
	if _, err := SortNodes(graph); err != nil {
		return errors.WithMessagef(err, "graph %q", graph.Name)
	}
	b.resolved = true
	return nil
}

// Model resolves the graph if needed, and returns it wrapped as a Model. The builder shouldn't be used afterwards.
func (b *Builder) Model() (*Model, error) {
	if !b.resolved {
		if err := b.Resolve(); err != nil {
			return nil, err
		}
	}
	return FromProto(b.proto)
}

// Save resolves the graph if needed and writes the model to filePath.
func (b *Builder) Save(filePath string) error {
	m, err := b.Model()
	if err != nil {
		return err
	}
	return m.Write(filePath)
}
