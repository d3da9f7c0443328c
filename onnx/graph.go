package onnx

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// This file defines the methods that build the computation graph using GoMLX.

// CallGraph calls the whole ONNX graph, building it with GoMLX ops, and returns the graph outputs.
//
// If the model has initializers and ctx is not nil, they are read from the context variables (see
// Model.VariablesToContext). Otherwise, they are converted to constants.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func (m *Model) CallGraph(ctx *context.Context, g *Graph, inputs map[string]*Node) (outputs []*Node) {
	// Map the given inputs to the corresponding ONNX inputs, and report (throw exception) if there are
	// any discrepancies.
	missingInputs := sets.Make[string]()
	unknownInputs := sets.Make[string]()
	for _, inputName := range m.InputsNames {
		if _, found := inputs[inputName]; !found {
			missingInputs.Insert(inputName)
		}
	}
	for givenName := range inputs {
		if !m.inputsNameSet.Has(givenName) {
			unknownInputs.Insert(givenName)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("onnx.CallGraph() called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			slices.Sorted(maps.Keys(missingInputs)), slices.Sorted(maps.Keys(unknownInputs)))
	}

	// Validate the input shapes.
	err := m.ValidateInputs(sliceMap(m.InputsNames, func(inputName string) shapes.Shape { return inputs[inputName].Shape() })...)
	if err != nil {
		panic(err)
	}

	sortedNodes, err := m.SortedNodes()
	if err != nil {
		panic(err)
	}
	return m.CallNodes(ctx, g, sortedNodes, inputs, m.OutputsNames)
}

// CallNodes converts the given nodes (which must be in topological order) to GoMLX, and returns the values named
// in outputNames.
//
// Values consumed by the nodes must either be given in inputs, be initializers of the model or be produced by one
// of the earlier nodes. This is used to convert a sub-graph (a partition of the model) independently.
//
// It panics (throws exceptions) in case of errors.
func (m *Model) CallNodes(ctx *context.Context, g *Graph, nodes []*protos.NodeProto, inputs map[string]*Node, outputNames []string) []*Node {
	if ctx != nil {
		ctx = ctx.In(ModelScope).Checked(false)
	}
	convertedOutputs := make(map[string]*Node, len(inputs)+len(nodes))
	for name, node := range inputs {
		convertedOutputs[name] = node
	}
	getValue := func(name string) {
		if _, found := convertedOutputs[name]; found || name == "" {
			return
		}
		if m.initializers[name] != nil {
			convertedOutputs[name] = m.initializerNode(ctx, g, name)
			return
		}
		exceptions.Panicf("value %q is not an input, an initializer or the output of a previous node", name)
	}
	for ii, node := range nodes {
		for _, input := range node.Input {
			getValue(input)
		}
		err := exceptions.TryCatch[error](func() { m.convertNode(g, node, convertedOutputs) })
		if err != nil {
			panic(errors.WithMessagef(err, "while converting node %d out of %d (%s)", ii, len(nodes), nodeToString(node)))
		}
	}

	outputs := make([]*Node, len(outputNames))
	for outputIdx, name := range outputNames {
		getValue(name)
		outputs[outputIdx] = convertedOutputs[name]
	}
	return outputs
}

// initializerNode returns the initializer as a variable, if available in ctx, or otherwise as a constant.
func (m *Model) initializerNode(ctx *context.Context, g *Graph, name string) *Node {
	if ctx != nil {
		if v := ctx.InspectVariableInScope(SafeVarName(name)); v != nil {
			return v.ValueGraph(g)
		}
	}
	t, err := TensorToGoMLX(m.initializers[name])
	if err != nil {
		panic(errors.WithMessagef(err, "while converting initializer %q", name))
	}
	return Const(g, t)
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedNodes returns a DAG sorting of the graph, so the returned nodes can be converted in order.
//
// The original order is preserved when it is already a valid topological order. It returns an error if some
// node depends on a value that is never produced, or if there is a cycle.
func (m *Model) SortedNodes() ([]*protos.NodeProto, error) {
	return SortNodes(m.Proto.Graph)
}

// SortNodes returns the nodes of graph in topological order. See Model.SortedNodes.
func SortNodes(graph *protos.GraphProto) ([]*protos.NodeProto, error) {
	nodes := graph.GetNode()
	sortedNodes := make([]*protos.NodeProto, 0, len(nodes))

	// available holds graph inputs, initializers and outputs of nodes already sorted.
	available := sets.Make[string]()
	available.Insert("") // Omitted optional inputs.
	for _, input := range graph.GetInput() {
		available.Insert(input.Name)
	}
	for _, t := range graph.GetInitializer() {
		available.Insert(t.Name)
	}

	// Kahn's algorithm: count pending inputs per node, and track dependants per value name.
	producedBy := make(map[string]bool)
	for _, node := range nodes {
		for _, output := range node.Output {
			producedBy[output] = true
		}
	}
	pending := make([]int, len(nodes))
	dependants := make(map[string][]int)
	var ready []int
	for idx, node := range nodes {
		seen := sets.Make[string]()
		for _, input := range node.Input {
			if available.Has(input) || seen.Has(input) {
				continue
			}
			if !producedBy[input] {
				return nil, errors.Errorf("node %s uses value %q, which is not a graph input, an initializer or a node output",
					nodeToString(node), input)
			}
			seen.Insert(input)
			pending[idx]++
			dependants[input] = append(dependants[input], idx)
		}
		if pending[idx] == 0 {
			ready = append(ready, idx)
		}
	}
	for len(ready) > 0 {
		// Always pick the lowest index, to keep the original order when possible.
		slices.Sort(ready)
		idx := ready[0]
		ready = ready[1:]
		node := nodes[idx]
		sortedNodes = append(sortedNodes, node)
		for _, output := range node.Output {
			for _, dep := range dependants[output] {
				pending[dep]--
				if pending[dep] == 0 {
					ready = append(ready, dep)
				}
			}
			delete(dependants, output)
		}
	}
	if len(sortedNodes) != len(nodes) {
		return nil, errors.Errorf("sorting operations graph failed: found %d nodes connected to inputs, but there were %d nodes (cycle?)",
			len(sortedNodes), len(nodes))
	}
	return sortedNodes, nil
}

// nodeToString returns a short description of the node, used in error messages.
func nodeToString(node *protos.NodeProto) string {
	var sb strings.Builder
	opType := node.GetOpType()
	if node.GetDomain() != "" {
		opType = node.GetDomain() + "." + opType
	}
	sb.WriteString(fmt.Sprintf("%s(", opType))
	sb.WriteString(strings.Join(node.GetInput(), ", "))
	sb.WriteString(")")
	if node.GetName() != "" {
		sb.WriteString(fmt.Sprintf(" [%q]", node.GetName()))
	}
	sb.WriteString(fmt.Sprintf(" -> %s", strings.Join(node.GetOutput(), ", ")))
	return sb.String()
}

// contribDomain is the domain of the Microsoft contrib operators.
const contribDomain = "com.microsoft"

// converters lists the supported ops per domain.
var converters = map[string]map[string]bool{
	"": {
		"Add": true, "Sub": true, "Mul": true, "Div": true, "Pow": true,
		"Sqrt": true, "Exp": true, "Log": true, "Erf": true, "Abs": true, "Neg": true,
		"Relu": true, "Sigmoid": true, "Tanh": true, "Identity": true,
		"MatMul": true, "Gemm": true, "Where": true, "Constant": true, "Concat": true,
		"Softmax": true, "Cast": true, "Transpose": true, "Reshape": true, "Flatten": true,
	},
	contribDomain: {
		"FusedMatMul": true, "Gelu": true, "FastGelu": true, "BiasGelu": true,
	},
}

// IsOpSupported returns whether the given op can be converted to GoMLX.
func IsOpSupported(domain, opType string) bool {
	if domain == "ai.onnx" {
		domain = ""
	}
	return converters[domain][opType]
}

// SupportedOps returns the sorted list of supported ops, prefixed by their domain when not the default one.
func SupportedOps() []string {
	var ops []string
	for domain, domainOps := range converters {
		for op := range domainOps {
			if domain != "" {
				op = domain + "." + op
			}
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	return ops
}

// convertNode converts a single ONNX node to a GoMLX node.
//
// Previously converted nodes are given in convertedOutputs.
// The converted output(s) are updated into `convertedOutputs`.
//
// It panics (throw exceptions) in case of errors.
func (m *Model) convertNode(g *Graph, node *protos.NodeProto, convertedOutputs map[string]*Node) {
	if !IsOpSupported(node.Domain, node.OpType) {
		exceptions.Panicf("unimplemented ONNX %s", nodeToString(node))
	}
	inputs := sliceMap(node.Input, func(n string) *Node { return convertedOutputs[n] })
	var res *Node
	if node.Domain == contribDomain {
		switch node.OpType {
		case "FusedMatMul":
			res = convertFusedMatMul(node, inputs)
		case "Gelu":
			res = onnxGelu(inputs[0])
		case "FastGelu":
			res = convertFastGelu(m, node, inputs)
		case "BiasGelu":
			res = onnxGelu(m.convertBinaryOp(Add, inputs[0], inputs[1]))
		}
		convertedOutputs[node.Output[0]] = res
		return
	}

	switch node.OpType {
	// Binary operators: see note on differences on default broadcasting.
	case "Add":
		res = m.convertBinaryOp(Add, inputs[0], inputs[1])
	case "Sub":
		res = m.convertBinaryOp(Sub, inputs[0], inputs[1])
	case "Mul":
		res = m.convertBinaryOp(Mul, inputs[0], inputs[1])
	case "Div":
		res = m.convertBinaryOp(Div, inputs[0], inputs[1])
	case "Pow":
		res = m.convertBinaryOp(Pow, inputs[0], inputs[1])

	// Unary operators
	case "Sqrt":
		res = Sqrt(inputs[0])
	case "Exp":
		res = Exp(inputs[0])
	case "Log":
		res = Log(inputs[0])
	case "Erf":
		res = Erf(inputs[0])
	case "Abs":
		res = Abs(inputs[0])
	case "Neg":
		res = Neg(inputs[0])
	case "Relu":
		res = onnxRelu(inputs[0])
	case "Sigmoid":
		res = Sigmoid(inputs[0])
	case "Tanh":
		res = Tanh(inputs[0])
	case "Identity":
		res = Identity(inputs[0])

	// Ops with equivalents:
	case "MatMul":
		res = MatMul(inputs[0], inputs[1])
	case "Where":
		res = convertWhere(node, inputs)

	// Ops with attributes:
	case "Constant":
		res = convertConstant(node, g)
	case "Concat":
		res = convertConcat(node, inputs)
	case "Softmax":
		res = convertSoftmax(node, inputs)
	case "Cast":
		res = convertCast(node, inputs)
	case "Transpose":
		res = convertTranspose(node, inputs)
	case "Gemm":
		res = m.convertGemm(node, inputs)
	case "Flatten":
		res = convertFlatten(node, inputs)

	// Ops that require static values: they take dynamic (graph) values in ONNX, but only take static values in GoMLX.
	case "Reshape":
		res = convertReshape(m, convertedOutputs, node, inputs)
	}
	convertedOutputs[node.Output[0]] = res
}
