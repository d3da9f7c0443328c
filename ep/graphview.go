package ep

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
)

// GraphView is a read-only view of a model's main graph, with its nodes in topological order,
// the known types of its values and the provider each node was assigned to.
//
// Only the Partitioner changes assignments.
type GraphView struct {
	model        *onnx.Model
	nodes        []*protos.NodeProto
	types        map[string]*protos.TypeProto
	producers    map[string]int
	consumers    map[string][]int
	graphOutputs sets.Set[string]
	assignment   []string
}

// NewGraphView creates a view of the model. Types are taken from the graph inputs, outputs,
// value_info (so run shape inference first to have them all) and initializers.
func NewGraphView(model *onnx.Model) (*GraphView, error) {
	nodes, err := model.SortedNodes()
	if err != nil {
		return nil, err
	}
	graph := model.Graph()
	v := &GraphView{
		model:        model,
		nodes:        nodes,
		types:        make(map[string]*protos.TypeProto),
		producers:    make(map[string]int),
		consumers:    make(map[string][]int),
		graphOutputs: sets.Make[string](),
		assignment:   make([]string, len(nodes)),
	}
	for _, t := range graph.GetInitializer() {
		dims := make([]*protos.TensorShapeProto_Dimension, len(t.Dims))
		for ii, d := range t.Dims {
			dims[ii] = schema.Dim(d)
		}
		v.types[t.Name] = schema.TensorType(t.DataType, dims)
	}
	for _, list := range [][]*protos.ValueInfoProto{graph.GetValueInfo(), graph.GetOutput(), graph.GetInput()} {
		for _, vi := range list {
			if vi.GetType() != nil {
				v.types[vi.Name] = vi.Type
			}
		}
	}
	for _, vi := range graph.GetOutput() {
		v.graphOutputs.Insert(vi.Name)
	}
	for idx, node := range nodes {
		for _, output := range node.Output {
			if output == "" {
				continue
			}
			if _, found := v.producers[output]; found {
				return nil, errors.Errorf("value %q is produced by more than one node", output)
			}
			v.producers[output] = idx
		}
		for _, input := range node.Input {
			if input == "" {
				continue
			}
			consumers := v.consumers[input]
			if len(consumers) == 0 || consumers[len(consumers)-1] != idx {
				v.consumers[input] = append(consumers, idx)
			}
		}
	}
	return v, nil
}

// Model returns the model being viewed.
func (v *GraphView) Model() *onnx.Model { return v.model }

// NumNodes returns the number of nodes in the graph.
func (v *GraphView) NumNodes() int { return len(v.nodes) }

// Nodes returns the nodes in topological order. Node indices used throughout the package refer to this order.
func (v *GraphView) Nodes() []*protos.NodeProto { return v.nodes }

// Node returns the node with the given index.
func (v *GraphView) Node(idx int) *protos.NodeProto { return v.nodes[idx] }

// ValueType returns the known type of a value, or nil.
func (v *GraphView) ValueType(name string) *protos.TypeProto { return v.types[name] }

// StaticDims returns the dimensions of value if they are all known, and its ONNX element type.
func (v *GraphView) StaticDims(name string) (dims []int64, elemType protos.TensorProto_DataType, ok bool) {
	t := v.types[name]
	if !schema.HasShape(t) {
		return nil, 0, false
	}
	protoDims := schema.Dims(t)
	dims = make([]int64, len(protoDims))
	for ii, d := range protoDims {
		if !d.HasDimValue() || d.GetDimValue() < 0 {
			return nil, 0, false
		}
		dims[ii] = d.GetDimValue()
	}
	return dims, protos.TensorProto_DataType(schema.ElemType(t)), true
}

// Initializer returns the initializer with the given name, or nil.
func (v *GraphView) Initializer(name string) *protos.TensorProto { return v.model.Initializer(name) }

// IsGraphOutput returns whether the value is one of the graph outputs.
func (v *GraphView) IsGraphOutput(name string) bool { return v.graphOutputs.Has(name) }

// Producer returns the index of the node producing value, or -1 if it is a graph input or initializer.
func (v *GraphView) Producer(name string) int {
	if idx, found := v.producers[name]; found {
		return idx
	}
	return -1
}

// Consumers returns the indices of the nodes consuming value, in order.
func (v *GraphView) Consumers(name string) []int { return v.consumers[name] }

// OpsetVersion returns the opset version imported for domain.
func (v *GraphView) OpsetVersion(domain string) int64 { return v.model.OpsetVersion(domain) }

// AssignedTo returns the type of the provider the node was assigned to, or "" if not assigned.
func (v *GraphView) AssignedTo(nodeIdx int) string { return v.assignment[nodeIdx] }

// IsAssigned returns whether the node was already assigned to a provider.
func (v *GraphView) IsAssigned(nodeIdx int) bool { return v.assignment[nodeIdx] != "" }

// Unassigned returns the indices of the nodes not yet assigned to any provider.
func (v *GraphView) Unassigned() []int {
	var indices []int
	for idx, assigned := range v.assignment {
		if assigned == "" {
			indices = append(indices, idx)
		}
	}
	return indices
}

// CountAssigned returns the number of nodes assigned to the given provider type.
func (v *GraphView) CountAssigned(providerType string) int {
	count := 0
	for _, assigned := range v.assignment {
		if assigned == providerType {
			count++
		}
	}
	return count
}

// UnassignedRuns groups the unassigned nodes accepted by the filter into runs of consecutive
// nodes (in topological order). Claiming such runs never creates cycles between partitions.
func (v *GraphView) UnassignedRuns(accept func(nodeIdx int) bool) [][]int {
	var runs [][]int
	var current []int
	for idx := range v.nodes {
		if !v.IsAssigned(idx) && accept(idx) {
			current = append(current, idx)
			continue
		}
		if len(current) > 0 {
			runs = append(runs, current)
			current = nil
		}
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	return runs
}
