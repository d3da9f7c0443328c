package onnx

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/stretchr/testify/require"
)

// buildLinearModel builds Y = X·A + B, with X shaped [batch_size, 5] and A shaped [5, 1].
func buildLinearModel(t *testing.T) *Builder {
	b := NewBuilder("linear")
	b.NodeArg("X", makeValueInfoWithParams("X", []any{"batch_size", 5}).Type)
	b.NodeArg("Y", makeValueInfoWithParams("Y", []any{"batch_size", 1}).Type)
	b.AddInitializer(makeFloatTensorProto("A", []float32{1, 2, 3, 4, 5}, 5, 1))
	b.AddInitializer(makeFloatTensorProto("B", []float32{100}))
	b.AddNode("XA", "MatMul", "", []string{"X", "A"}, []string{"XA_out"})
	b.AddNode("Y", "Add", "", []string{"XA_out", "B"}, []string{"Y"})
	require.NoError(t, b.Resolve())
	return b
}

func TestParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linear_test.onnx")
	require.NoError(t, buildLinearModel(t).Save(path))

	m, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"X"}, m.InputsNames)
	require.Equal(t, []string{"Y"}, m.OutputsNames)

	require.Equal(t, 2, m.OutputsShapes[0].Rank())
	require.Equal(t, "batch_size", m.OutputsShapes[0].Names[0])
	summary := m.String()
	require.Contains(t, summary, `ONNX model "linear"`)
	require.Contains(t, summary, "Opsets:\tai.onnx:13\n")
	require.Contains(t, summary, "Nodes:\t2 Add×1 MatMul×1\n")
	require.Contains(t, summary, "Initializers:\t2")
	require.Contains(t, summary, fmt.Sprintf("Input %q:\t%s\n", "X", m.InputsShapes[0]))
	require.Contains(t, summary, fmt.Sprintf("Output %q:\t%s\n", "Y", m.OutputsShapes[0]))

	sortedNodes, err := m.SortedNodes()
	require.NoError(t, err)
	require.Len(t, sortedNodes, 2)
	require.Equal(t, "XA", sortedNodes[0].Name)
	require.Equal(t, "Y", sortedNodes[1].Name)

	// Verify correct setting of variables.
	ctx := context.New()
	require.NoError(t, m.VariablesToContext(ctx))
	vA := ctx.In(ModelScope).GetVariable("A")
	require.NotNil(t, vA)
	require.Equal(t, []int{5, 1}, vA.Shape().Dimensions)
	vB := ctx.In(ModelScope).GetVariable("B")
	require.NotNil(t, vB)
	require.Equal(t, 0, vB.Shape().Rank())

	// Execute with and without the context.
	backend, err := simplego.New("")
	require.NoError(t, err)
	defer backend.Finalize()
	for _, withCtx := range []bool{true, false} {
		var callCtx *context.Context
		if withCtx {
			callCtx = ctx
		} else {
			callCtx = context.New()
		}
		results := context.MustExecOnceN(backend, callCtx, func(ctx *context.Context, g *Graph) []*Node {
			if !withCtx {
				ctx = nil
			}
			x := Const(g, [][]float32{{1, 1, 1, 1, 1}, {0, 0, 0, 0, 1}})
			return m.CallGraph(ctx, g, map[string]*Node{"X": x})
		})
		require.Len(t, results, 1)
		require.Equal(t, []float32{115, 105}, tensors.MustCopyFlatData[float32](results[0]))
	}
}

func TestBuilderResolve(t *testing.T) {
	b := buildLinearModel(t)
	m, err := b.Model()
	require.NoError(t, err)
	graph := m.Graph()
	require.Len(t, graph.Input, 1, "initializers must not be graph inputs")
	require.Equal(t, "X", graph.Input[0].Name)
	require.Len(t, graph.Output, 1)
	require.Equal(t, "Y", graph.Output[0].Name)

	// Duplicate producer.
	b = NewBuilder("dup")
	b.AddNode("n1", "Relu", "", []string{"X"}, []string{"Y"})
	b.AddNode("n2", "Relu", "", []string{"X"}, []string{"Y"})
	require.Error(t, b.Resolve())

	// Cycle.
	b = NewBuilder("cycle")
	b.AddNode("n1", "Relu", "", []string{"B"}, []string{"A"})
	b.AddNode("n2", "Relu", "", []string{"A"}, []string{"B"})
	require.Error(t, b.Resolve())
}

func TestReshapeFromInitializer(t *testing.T) {
	b := NewBuilder("reshape")
	b.NodeArg("X", TensorType(dtypes.Float32, 2, 1, 2))
	b.AddInitializer(makeInt64TensorProto("shape", []int64{0, -1}, 2))
	b.AddNode("reshape", "Reshape", "", []string{"X", "shape"}, []string{"Y"})
	m, err := b.Model()
	require.NoError(t, err)

	backend, err := simplego.New("")
	require.NoError(t, err)
	defer backend.Finalize()
	results := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, [][][]float32{{{1, 2}}, {{3, 4}}})
		return m.CallGraph(nil, g, map[string]*Node{"X": x})
	})
	require.Equal(t, []int{2, 2}, results[0].Shape().Dimensions)
	require.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](results[0]))
}

func TestCallGraphWrongInputs(t *testing.T) {
	m, err := buildLinearModel(t).Model()
	require.NoError(t, err)
	backend, err := simplego.New("")
	require.NoError(t, err)
	defer backend.Finalize()
	require.Panics(t, func() {
		_ = context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			x := Const(g, [][]float32{{1, 1, 1, 1, 1}})
			return m.CallGraph(nil, g, map[string]*Node{"Z": x})
		})
	})
	require.Panics(t, func() {
		_ = context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
			x := Const(g, [][]float32{{1, 1, 1}})
			return m.CallGraph(nil, g, map[string]*Node{"X": x})
		})
	})
}

func TestSortNodesOutOfOrder(t *testing.T) {
	graph := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{makeValueInfo("X", 2)},
		Node: []*protos.NodeProto{
			{Name: "second", OpType: "Relu", Input: []string{"a"}, Output: []string{"b"}},
			{Name: "first", OpType: "Relu", Input: []string{"X"}, Output: []string{"a"}},
		},
	}
	sorted, err := SortNodes(graph)
	require.NoError(t, err)
	require.Equal(t, "first", sorted[0].Name)
	require.Equal(t, "second", sorted[1].Name)

	graph.Node = append(graph.Node, &protos.NodeProto{Name: "dangling", OpType: "Relu", Input: []string{"missing"}, Output: []string{"c"}})
	_, err = SortNodes(graph)
	require.Error(t, err)
}
