package inference

import (
	"testing"

	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatInfo(name string, dims ...*protos.TensorShapeProto_Dimension) *protos.ValueInfoProto {
	if dims == nil {
		dims = []*protos.TensorShapeProto_Dimension{}
	}
	return &protos.ValueInfoProto{Name: name, Type: schema.TensorType(int32(protos.TensorProto_FLOAT), dims)}
}

func findValueInfo(graph *protos.GraphProto, name string) *protos.ValueInfoProto {
	for _, vi := range graph.ValueInfo {
		if vi.Name == name {
			return vi
		}
	}
	return nil
}

// reshapeModel: X[batch, 12] -> MatMul W[12, 8] -> Reshape(shape) -> Relu -> Y.
func reshapeModel(shapeFromConstant bool) *protos.ModelProto {
	shape := &protos.TensorProto{Name: "shape", DataType: int32(protos.TensorProto_INT64), Dims: []int64{3},
		Int64Data: []int64{0, 2, 4}}
	graph := &protos.GraphProto{
		Name:  "reshape",
		Input: []*protos.ValueInfoProto{floatInfo("X", schema.Param("batch"), schema.Dim(12))},
		Initializer: []*protos.TensorProto{
			{Name: "W", DataType: int32(protos.TensorProto_FLOAT), Dims: []int64{12, 8}, FloatData: make([]float32, 96)},
		},
		Node: []*protos.NodeProto{
			{Name: "matmul", OpType: "MatMul", Input: []string{"X", "W"}, Output: []string{"XW"}},
			{Name: "reshape", OpType: "Reshape", Input: []string{"XW", "shape"}, Output: []string{"R"}},
			{Name: "relu", OpType: "Relu", Input: []string{"R"}, Output: []string{"Y"}},
		},
		Output: []*protos.ValueInfoProto{{Name: "Y"}},
	}
	if shapeFromConstant {
		constant := &protos.NodeProto{Name: "shape_const", OpType: "Constant", Output: []string{"shape"},
			Attribute: []*protos.AttributeProto{{Name: "value", Type: protos.AttributeProto_TENSOR, T: shape}}}
		graph.Node = append([]*protos.NodeProto{constant}, graph.Node...)
	} else {
		graph.Initializer = append(graph.Initializer, shape)
	}
	return &protos.ModelProto{
		IrVersion:   6,
		OpsetImport: []*protos.OperatorSetIdProto{{Version: 13}},
		Graph:       graph,
	}
}

func dimsOf(t *protos.TypeProto) []any {
	var out []any
	for _, d := range schema.Dims(t) {
		switch {
		case d.HasDimValue():
			out = append(out, d.GetDimValue())
		case d.HasDimParam():
			out = append(out, d.GetDimParam())
		default:
			out = append(out, nil)
		}
	}
	return out
}

func TestInferShapes(t *testing.T) {
	registry := schema.NewDefaultRegistry()

	t.Run("initializer shape", func(t *testing.T) {
		model := reshapeModel(false)
		require.NoError(t, InferShapes(model, registry, WithStrictMode(true)))
		xw := findValueInfo(model.Graph, "XW")
		require.NotNil(t, xw)
		assert.Equal(t, []any{"batch", int64(8)}, dimsOf(xw.Type))
		r := findValueInfo(model.Graph, "R")
		require.NotNil(t, r)
		assert.Equal(t, []any{"batch", int64(2), int64(4)}, dimsOf(r.Type))

		// Graph output refined in place, not duplicated into value_info.
		assert.Nil(t, findValueInfo(model.Graph, "Y"))
		assert.Equal(t, int32(protos.TensorProto_FLOAT), schema.ElemType(model.Graph.Output[0].Type))
		assert.Equal(t, []any{"batch", int64(2), int64(4)}, dimsOf(model.Graph.Output[0].Type))
	})

	t.Run("constant shape", func(t *testing.T) {
		model := reshapeModel(true)
		require.NoError(t, InferShapes(model, registry, WithStrictMode(true)))
		assert.Equal(t, 3, schema.Rank(findValueInfo(model.Graph, "R").Type))
		assert.Equal(t, []any{nil, nil, nil}, dimsOf(findValueInfo(model.Graph, "R").Type),
			"constant values are only visible with data propagation")

		model = reshapeModel(true)
		require.NoError(t, InferShapes(model, registry, WithStrictMode(true), WithDataPropagation(true)))
		assert.Equal(t, []any{"batch", int64(2), int64(4)}, dimsOf(findValueInfo(model.Graph, "R").Type))
	})
}

func TestInferShapesErrors(t *testing.T) {
	registry := schema.NewDefaultRegistry()
	model := reshapeModel(false)
	model.Graph.Initializer[0].Dims = []int64{10, 8}

	// Lenient: the failing node is skipped and the rest is still inferred where possible.
	require.NoError(t, InferShapes(model, registry))
	assert.Nil(t, findValueInfo(model.Graph, "XW"))

	model = reshapeModel(false)
	model.Graph.Initializer[0].Dims = []int64{10, 8}
	err := InferShapes(model, registry, WithStrictMode(true))
	require.Error(t, err)
	var inferenceErr *schema.InferenceError
	require.True(t, errors.As(err, &inferenceErr))
	assert.Equal(t, "matmul", inferenceErr.NodeName)
	assert.Equal(t, "MatMul", inferenceErr.OpType)

	// Declared value_info conflicting with inference.
	model = reshapeModel(false)
	model.Graph.ValueInfo = append(model.Graph.ValueInfo, floatInfo("XW", schema.Param("batch"), schema.Dim(9)))
	require.Error(t, InferShapes(model, registry, WithStrictMode(true)))
}

func TestMergeTypes(t *testing.T) {
	declared := schema.TensorType(int32(protos.TensorProto_FLOAT),
		[]*protos.TensorShapeProto_Dimension{schema.Param("n"), schema.Unknown(), schema.Dim(3)})
	inferred := schema.TensorType(0,
		[]*protos.TensorShapeProto_Dimension{schema.Unknown(), schema.Dim(5), schema.Dim(3)})
	merged, err := mergeTypes(declared, inferred)
	require.NoError(t, err)
	assert.Equal(t, int32(protos.TensorProto_FLOAT), schema.ElemType(merged))
	assert.Equal(t, []any{"n", int64(5), int64(3)}, dimsOf(merged))
	assert.Equal(t, "FLOAT[n, 5, 3]", typeString(merged))

	merged, err = mergeTypes(declared, schema.TensorType(int32(protos.TensorProto_FLOAT), nil))
	require.NoError(t, err)
	assert.Equal(t, 3, schema.Rank(merged))

	_, err = mergeTypes(declared, schema.TensorType(int32(protos.TensorProto_INT64), nil))
	require.Error(t, err)
	_, err = mergeTypes(declared, schema.TensorType(0, []*protos.TensorShapeProto_Dimension{schema.Dim(1)}))
	require.Error(t, err)
}
