package schema

import (
	"strconv"
	"testing"

	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContext is a minimal InferenceContext for testing inference functions directly.
type fakeContext struct {
	node    *protos.NodeProto
	inputs  []*protos.TypeProto
	data    map[int]*protos.TensorProto
	outputs []*protos.TypeProto
}

func newFakeContext(numOutputs int, inputs []*protos.TypeProto, attrs ...*protos.AttributeProto) *fakeContext {
	return &fakeContext{
		node:    &protos.NodeProto{Name: "test", Attribute: attrs},
		inputs:  inputs,
		data:    make(map[int]*protos.TensorProto),
		outputs: make([]*protos.TypeProto, numOutputs),
	}
}

func (c *fakeContext) Node() *protos.NodeProto { return c.node }
func (c *fakeContext) NumInputs() int          { return len(c.inputs) }
func (c *fakeContext) InputType(i int) *protos.TypeProto {
	if i >= len(c.inputs) {
		return nil
	}
	return c.inputs[i]
}
func (c *fakeContext) InputData(i int) *protos.TensorProto { return c.data[i] }
func (c *fakeContext) Attribute(name string) *protos.AttributeProto {
	for _, attr := range c.node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}
func (c *fakeContext) NumOutputs() int                          { return len(c.outputs) }
func (c *fakeContext) SetOutputType(i int, t *protos.TypeProto) { c.outputs[i] = t }

var float32Type = int32(protos.TensorProto_FLOAT)

func floatType(dims ...*protos.TensorShapeProto_Dimension) *protos.TypeProto {
	if dims == nil {
		dims = []*protos.TensorShapeProto_Dimension{}
	}
	return TensorType(float32Type, dims)
}

// dimsString renders dims for comparisons, e.g. ["batch", "3", "?"].
func dimsString(t *protos.TypeProto) []string {
	var out []string
	for _, d := range Dims(t) {
		switch {
		case d.HasDimValue():
			out = append(out, strconv.FormatInt(d.GetDimValue(), 10))
		case d.HasDimParam():
			out = append(out, d.GetDimParam())
		default:
			out = append(out, "?")
		}
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&OpSchema{Name: "Foo", SinceVersion: 1, MaxInputs: 1, MaxOutputs: 1}))
	require.NoError(t, r.Register(&OpSchema{Name: "Foo", SinceVersion: 7, MaxInputs: 2, MaxOutputs: 1}))
	require.Error(t, r.Register(&OpSchema{Name: "Foo", SinceVersion: 7}), "duplicate version")
	require.Error(t, r.Register(&OpSchema{Name: "Bar"}), "missing version")

	assert.Nil(t, r.Lookup("", "Foo", 0))
	assert.Equal(t, int64(1), r.Lookup("", "Foo", 6).SinceVersion)
	assert.Equal(t, int64(7), r.Lookup("ai.onnx", "Foo", 7).SinceVersion)
	assert.Equal(t, int64(7), r.Lookup("", "Foo", 13).SinceVersion)
	assert.Nil(t, r.Lookup(ContribDomain, "Foo", 13))

	def := NewDefaultRegistry()
	assert.Equal(t, []string{"", ContribDomain}, def.Domains())
	assert.Contains(t, def.OpTypes(ContribDomain), "Attention")
	assert.NotNil(t, def.Lookup(ContribDomain, "FusedMatMul", 1))
	assert.NotNil(t, def.Lookup("", "Reshape", 13))
}

func TestBroadcastShapes(t *testing.T) {
	dims, err := BroadcastShapes(
		[]*protos.TensorShapeProto_Dimension{Param("batch"), Dim(1), Dim(4)},
		[]*protos.TensorShapeProto_Dimension{Dim(3), Dim(1)},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch", "3", "4"}, dimsString(TensorType(0, dims)))

	dims, err = BroadcastShapes(
		[]*protos.TensorShapeProto_Dimension{Param("a"), Param("b"), Unknown()},
		[]*protos.TensorShapeProto_Dimension{Param("a"), Param("c"), Dim(1)},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "?", "?"}, dimsString(TensorType(0, dims)))

	_, err = BroadcastShapes(
		[]*protos.TensorShapeProto_Dimension{Dim(2)},
		[]*protos.TensorShapeProto_Dimension{Dim(3)},
	)
	require.Error(t, err)
}

func TestInferMatMul(t *testing.T) {
	ctx := newFakeContext(1, []*protos.TypeProto{
		floatType(Param("batch"), Dim(2), Dim(3)),
		floatType(Dim(3), Dim(5)),
	})
	require.NoError(t, inferMatMul(ctx))
	assert.Equal(t, []string{"batch", "2", "5"}, dimsString(ctx.outputs[0]))

	// Vector x matrix drops the promoted axis.
	ctx = newFakeContext(1, []*protos.TypeProto{floatType(Dim(3)), floatType(Dim(3), Dim(5))})
	require.NoError(t, inferMatMul(ctx))
	assert.Equal(t, []string{"5"}, dimsString(ctx.outputs[0]))

	ctx = newFakeContext(1, []*protos.TypeProto{floatType(Dim(2), Dim(4)), floatType(Dim(3), Dim(5))})
	require.Error(t, inferMatMul(ctx))
}

func TestInferGemm(t *testing.T) {
	ctx := newFakeContext(1,
		[]*protos.TypeProto{floatType(Dim(3), Dim(2)), floatType(Dim(4), Dim(3))},
		&protos.AttributeProto{Name: "transA", Type: protos.AttributeProto_INT, I: 1},
		&protos.AttributeProto{Name: "transB", Type: protos.AttributeProto_INT, I: 1},
	)
	require.NoError(t, inferGemm(ctx))
	assert.Equal(t, []string{"2", "4"}, dimsString(ctx.outputs[0]))
}

func TestInferReshape(t *testing.T) {
	shapeType := TensorType(int32(protos.TensorProto_INT64), []*protos.TensorShapeProto_Dimension{Dim(3)})
	ctx := newFakeContext(1, []*protos.TypeProto{floatType(Dim(2), Dim(3), Dim(4)), shapeType})
	ctx.data[1] = &protos.TensorProto{DataType: int32(protos.TensorProto_INT64), Dims: []int64{3}, Int64Data: []int64{0, -1, 2}}
	require.NoError(t, inferReshape(ctx))
	assert.Equal(t, []string{"2", "6", "2"}, dimsString(ctx.outputs[0]))

	// Without the data only the rank is known.
	ctx = newFakeContext(1, []*protos.TypeProto{floatType(Dim(2), Dim(3), Dim(4)), shapeType})
	require.NoError(t, inferReshape(ctx))
	assert.Equal(t, []string{"?", "?", "?"}, dimsString(ctx.outputs[0]))

	// Raw int64 data, and an impossible -1.
	ctx = newFakeContext(1, []*protos.TypeProto{floatType(Dim(5)), shapeType})
	ctx.data[1] = &protos.TensorProto{DataType: int32(protos.TensorProto_INT64), Dims: []int64{2},
		RawData: []byte{2, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	require.Error(t, inferReshape(ctx))

	// Shape input lengths that can't be a rank.
	for _, length := range []int64{-2, MaxRank + 1, 1 << 40} {
		badShapeType := TensorType(int32(protos.TensorProto_INT64), []*protos.TensorShapeProto_Dimension{Dim(length)})
		ctx = newFakeContext(1, []*protos.TypeProto{floatType(Dim(6)), badShapeType})
		require.ErrorContains(t, inferReshape(ctx), "invalid length", "length %d", length)
	}
}

func TestInferFlattenAndTranspose(t *testing.T) {
	ctx := newFakeContext(1, []*protos.TypeProto{floatType(Dim(2), Dim(3), Dim(4))},
		&protos.AttributeProto{Name: "axis", Type: protos.AttributeProto_INT, I: 2})
	require.NoError(t, inferFlatten(ctx))
	assert.Equal(t, []string{"6", "4"}, dimsString(ctx.outputs[0]))

	ctx = newFakeContext(1, []*protos.TypeProto{floatType(Param("n"), Dim(3), Dim(4))})
	require.NoError(t, inferTranspose(ctx))
	assert.Equal(t, []string{"4", "3", "n"}, dimsString(ctx.outputs[0]))

	ctx = newFakeContext(1, []*protos.TypeProto{floatType(Dim(3), Dim(4))},
		&protos.AttributeProto{Name: "perm", Type: protos.AttributeProto_INTS, Ints: []int64{0, 0}})
	require.Error(t, inferTranspose(ctx))
}

func TestInferConcatAndCast(t *testing.T) {
	ctx := newFakeContext(1,
		[]*protos.TypeProto{floatType(Param("b"), Dim(2)), floatType(Param("b"), Dim(3))},
		&protos.AttributeProto{Name: "axis", Type: protos.AttributeProto_INT, I: -1})
	require.NoError(t, inferConcat(ctx))
	assert.Equal(t, []string{"b", "5"}, dimsString(ctx.outputs[0]))

	ctx = newFakeContext(1, []*protos.TypeProto{floatType()},
		&protos.AttributeProto{Name: "to", Type: protos.AttributeProto_INT, I: int64(protos.TensorProto_INT64)})
	require.NoError(t, inferCast(ctx))
	assert.Equal(t, int32(protos.TensorProto_INT64), ElemType(ctx.outputs[0]))
	assert.Equal(t, 0, Rank(ctx.outputs[0]), "scalar stays a scalar")
}

func TestBinaryElemTypeMismatch(t *testing.T) {
	ctx := newFakeContext(1, []*protos.TypeProto{
		floatType(Dim(2)),
		TensorType(int32(protos.TensorProto_INT64), []*protos.TensorShapeProto_Dimension{Dim(2)}),
	})
	require.Error(t, inferBroadcastBinary(ctx))
}

func TestContribInference(t *testing.T) {
	ctx := newFakeContext(1,
		[]*protos.TypeProto{floatType(Dim(4), Dim(2)), floatType(Dim(3), Dim(4))},
		&protos.AttributeProto{Name: "transA", Type: protos.AttributeProto_INT, I: 1},
		&protos.AttributeProto{Name: "transB", Type: protos.AttributeProto_INT, I: 1},
	)
	require.NoError(t, inferFusedMatMul(ctx))
	assert.Equal(t, []string{"2", "3"}, dimsString(ctx.outputs[0]))

	ctx = newFakeContext(4, []*protos.TypeProto{
		floatType(Param("batch"), Param("seq"), Dim(8)),
		floatType(Param("batch"), Param("seq"), Dim(8)),
		floatType(Dim(8)),
	})
	require.NoError(t, inferSkipLayerNormalization(ctx))
	assert.Equal(t, []string{"batch", "seq", "8"}, dimsString(ctx.outputs[0]))
	assert.Equal(t, []string{"batch", "seq", "1"}, dimsString(ctx.outputs[1]))
	assert.Equal(t, []string{"batch", "seq", "8"}, dimsString(ctx.outputs[3]))

	ctx = newFakeContext(1, []*protos.TypeProto{
		floatType(Dim(2), Dim(5), Dim(16)),
		floatType(Dim(16), Dim(48)),
		floatType(Dim(48)),
	}, &protos.AttributeProto{Name: "num_heads", Type: protos.AttributeProto_INT, I: 4})
	require.NoError(t, inferAttention(ctx))
	assert.Equal(t, []string{"2", "5", "16"}, dimsString(ctx.outputs[0]))

	ctx.node.Attribute[0].I = 3
	require.Error(t, inferAttention(ctx), "16 not divisible by 3 heads")
}
