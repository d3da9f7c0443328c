package protos

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func makeTestModel() *ModelProto {
	dims := []*TensorShapeProto_Dimension{
		{Value: &TensorShapeProto_Dimension_DimParam{DimParam: "batch"}},
		{Value: &TensorShapeProto_Dimension_DimValue{DimValue: 0}},
		{},
		{Value: &TensorShapeProto_Dimension_DimValue{DimValue: 7}},
	}
	return &ModelProto{
		IrVersion:    6,
		ProducerName: "onnx",
		OpsetImport: []*OperatorSetIdProto{
			{Domain: "", Version: 13},
			{Domain: "com.microsoft", Version: 1},
		},
		Graph: &GraphProto{
			Name: "test-op",
			Node: []*NodeProto{{
				Name:   "test_node",
				OpType: "Softmax",
				Domain: "",
				Input:  []string{"X", ""},
				Output: []string{"Output"},
				Attribute: []*AttributeProto{
					{Name: "axis", Type: AttributeProto_INT, I: -1},
					{Name: "alpha", Type: AttributeProto_FLOAT, F: 0.5},
					{Name: "perm", Type: AttributeProto_INTS, Ints: []int64{0, -2, 1}},
					{Name: "mode", Type: AttributeProto_STRING, S: []byte("tanh")},
				},
			}},
			Initializer: []*TensorProto{{
				Name:     "W",
				Dims:     []int64{2},
				DataType: int32(TensorProto_INT32),
				Int32Data: []int32{
					-3, math.MaxInt32,
				},
			}, {
				Name:     "raw",
				Dims:     []int64{1},
				DataType: int32(TensorProto_FLOAT),
				RawData:  []byte{0, 0, 128, 63},
			}},
			Input: []*ValueInfoProto{{
				Name: "X",
				Type: &TypeProto{Value: &TypeProto_TensorType{TensorType: &TypeProto_Tensor{
					ElemType: int32(TensorProto_FLOAT),
					Shape:    &TensorShapeProto{Dim: dims},
				}}},
			}},
			Output: []*ValueInfoProto{{Name: "Output"}},
		},
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	original := makeTestModel()
	content, err := Marshal(original)
	require.NoError(t, err)

	var decoded ModelProto
	require.NoError(t, Unmarshal(content, &decoded))
	assert.Equal(t, original, &decoded)

	// Dimension presence survives even for a zero value, and an empty dimension stays empty.
	dims := decoded.Graph.Input[0].Type.GetTensorType().GetShape().GetDim()
	require.Len(t, dims, 4)
	assert.True(t, dims[0].HasDimParam())
	assert.True(t, dims[1].HasDimValue())
	assert.Equal(t, int64(0), dims[1].GetDimValue())
	assert.False(t, dims[2].HasDimValue())
	assert.False(t, dims[2].HasDimParam())

	// Empty optional input name is preserved.
	assert.Equal(t, []string{"X", ""}, decoded.Graph.Node[0].Input)
}

func TestUnmarshalSkipsUnknownAndUnpacked(t *testing.T) {
	var tensor []byte
	// Unpacked floats.
	for _, v := range []float32{1.5, -2} {
		tensor = protowire.AppendTag(tensor, tensorFloatData, protowire.Fixed32Type)
		tensor = protowire.AppendFixed32(tensor, math.Float32bits(v))
	}
	// Unknown field (#99, varint).
	tensor = protowire.AppendTag(tensor, 99, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, 12345)
	tensor = appendString(tensor, tensorName, "t")

	var decoded TensorProto
	require.NoError(t, UnmarshalTensor(tensor, &decoded))
	assert.Equal(t, []float32{1.5, -2}, decoded.FloatData)
	assert.Equal(t, "t", decoded.Name)
}

func TestUnmarshalCorrupted(t *testing.T) {
	content, err := Marshal(makeTestModel())
	require.NoError(t, err)
	var decoded ModelProto
	require.Error(t, Unmarshal(content[:len(content)-3], &decoded))
}

func TestCloneModel(t *testing.T) {
	original := makeTestModel()
	clone := CloneModel(original)
	require.Equal(t, original, clone)
	clone.Graph.Node[0].Name = "changed"
	clone.Graph.Input[0].Type.GetTensorType().Shape.Dim[3] = &TensorShapeProto_Dimension{}
	assert.Equal(t, "test_node", original.Graph.Node[0].Name)
	assert.Equal(t, int64(7), original.Graph.Input[0].Type.GetTensorType().Shape.Dim[3].GetDimValue())
}

func TestTypeClone(t *testing.T) {
	original := makeTestModel().Graph.Input[0].Type
	clone := original.Clone()
	assert.Equal(t, original, clone)
	clone.GetTensorType().ElemType = int32(TensorProto_INT64)
	assert.Equal(t, int32(TensorProto_FLOAT), original.GetTensorType().GetElemType())
	assert.Nil(t, (*TypeProto)(nil).Clone())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "FLOAT", TensorProto_FLOAT.String())
	assert.Equal(t, "TensorProto_DataType(99)", TensorProto_DataType(99).String())
	assert.Equal(t, "INTS", AttributeProto_INTS.String())
}
