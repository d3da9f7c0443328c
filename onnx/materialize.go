package onnx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// nonConstantDependencies returns the graph inputs the value depends on.
// Initializers are considered constant.
func (m *Model) nonConstantDependencies(nodeOutputName string) (inputs []string) {
	visited := sets.Make[string]()
	return m.recursiveNonConstantDependencies(nodeOutputName, visited, inputs)
}

// recursiveNonConstantDependencies is the recursive implementation of nonConstantDependencies.
func (m *Model) recursiveNonConstantDependencies(name string, visited sets.Set[string], nonConstInputs []string) []string {
	visited.Insert(name)
	if m.initializers[name] != nil || name == "" {
		return nonConstInputs
	}
	if m.inputsNameSet.Has(name) {
		return append(nonConstInputs, name)
	}
	node := m.nodeOutputToNode[name]
	if node == nil {
		// Not produced by this model: e.g. a partition input.
		return append(nonConstInputs, name)
	}
	for _, input := range node.Input {
		if visited.Has(input) {
			continue
		}
		nonConstInputs = m.recursiveNonConstantDependencies(input, visited, nonConstInputs)
	}
	return nonConstInputs
}

// materializeConstantExpression materializes a value to its constant expression.
//
// This is required for ONNX ops that take dynamic values (like shapes), but for which GoMLX only accept
// static (materialized) values.
//
// If the value depends on non-constant values (like input parameters) it returns an error.
func (m *Model) materializeConstantExpression(nodeOutputName string, convertedOutputs map[string]*Node) (*tensors.Tensor, error) {
	// Easy replies: an initializer, or a node already converted to a constant.
	if proto := m.initializers[nodeOutputName]; proto != nil {
		return TensorToGoMLX(proto)
	}
	node := convertedOutputs[nodeOutputName]
	if node == nil {
		return nil, errors.Errorf("node output %q hasn't been converted yet, so we can't materializeConstantExpression!?", nodeOutputName)
	}
	if node.Type() == NodeTypeConstant {
		return node.ConstantValue(), nil
	}

	nonConstInputs := m.nonConstantDependencies(nodeOutputName)
	if len(nonConstInputs) > 0 {
		return nil, errors.Errorf("cannot materialize constant/static value for %q: it depends on non-constant inputs=%q",
			nodeOutputName, nonConstInputs)
	}

	// Evaluate constant sub-expression in a newly created sub-graph.
	backend := node.Graph().Backend()
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		result = MustExecOnce(backend, func(g *Graph) *Node {
			constConvertedOutputs := make(map[string]*Node)
			m.recursiveMaterializeConstantExpression(nodeOutputName, g, constConvertedOutputs, convertedOutputs)
			return constConvertedOutputs[nodeOutputName]
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while evaluating constant sub-expression")
	}
	return result, nil
}

// recursiveMaterializeConstantExpression creates a GoMLX graph with the constant expressions in constConvertedOutputs.
// It may use the original converted graph in originalConvertedOutput, but it doesn't change it.
func (m *Model) recursiveMaterializeConstantExpression(nodeOutputName string, g *Graph, constConvertedOutputs, originalConvertedOutput map[string]*Node) {
	if _, found := constConvertedOutputs[nodeOutputName]; found || nodeOutputName == "" {
		return
	}
	if proto := m.initializers[nodeOutputName]; proto != nil {
		t, err := TensorToGoMLX(proto)
		if err != nil {
			panic(err)
		}
		constConvertedOutputs[nodeOutputName] = Const(g, t)
		return
	}
	if originalNode, found := originalConvertedOutput[nodeOutputName]; found && originalNode.Type() == NodeTypeConstant {
		constConvertedOutputs[nodeOutputName] = Const(g, originalNode.ConstantValue())
		return
	}
	onnxNode, found := m.nodeOutputToNode[nodeOutputName]
	if !found {
		exceptions.Panicf("ONNX node %q not found as the output of an Op, and not a constant either -- is this really a constant expression!?", nodeOutputName)
	}
	for _, inputName := range onnxNode.Input {
		m.recursiveMaterializeConstantExpression(inputName, g, constConvertedOutputs, originalConvertedOutput)
	}
	m.convertNode(g, onnxNode, constConvertedOutputs)
}
