package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/stretchr/testify/require"
)

// TestShape tests the Shape() function that converts ONNX TensorProto to GoMLX shapes.Shape
func TestShape(t *testing.T) {
	t.Run("NilProto", func(t *testing.T) {
		_, err := Shape(nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "nil")
	})

	t.Run("Float32Scalar", func(t *testing.T) {
		shape, err := Shape(&protos.TensorProto{DataType: int32(protos.TensorProto_FLOAT)})
		require.NoError(t, err)
		require.Equal(t, dtypes.Float32, shape.DType)
		require.Equal(t, 0, shape.Rank())
	})

	t.Run("Int64_4D", func(t *testing.T) {
		shape, err := Shape(&protos.TensorProto{
			Dims:     []int64{2, 3, 4, 5},
			DataType: int32(protos.TensorProto_INT64),
		})
		require.NoError(t, err)
		require.Equal(t, dtypes.Int64, shape.DType)
		require.Equal(t, []int{2, 3, 4, 5}, shape.Dimensions)
	})

	t.Run("NegativeDim", func(t *testing.T) {
		_, err := Shape(&protos.TensorProto{Dims: []int64{2, -1}, DataType: int32(protos.TensorProto_FLOAT)})
		require.Error(t, err)
	})

	t.Run("UndefinedDType", func(t *testing.T) {
		_, err := Shape(&protos.TensorProto{Dims: []int64{2}})
		require.Error(t, err)
	})
}

// TestTensorToGoMLX tests the ONNX→GoMLX conversion for the different data fields.
func TestTensorToGoMLX(t *testing.T) {
	t.Run("FloatData", func(t *testing.T) {
		tensor, err := TensorToGoMLX(makeFloatTensorProto("x", []float32{1, 2, 3, 4, 5, 6}, 2, 3))
		require.NoError(t, err)
		defer tensor.FinalizeAll()
		require.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
		require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](tensor))
	})

	t.Run("RawData", func(t *testing.T) {
		proto := &protos.TensorProto{
			Name:     "raw",
			Dims:     []int64{2},
			DataType: int32(protos.TensorProto_FLOAT),
			RawData:  float32sToBytes([]float32{1.5, -2.5}),
		}
		tensor, err := TensorToGoMLX(proto)
		require.NoError(t, err)
		defer tensor.FinalizeAll()
		require.Equal(t, []float32{1.5, -2.5}, tensors.MustCopyFlatData[float32](tensor))
	})

	t.Run("Int64Data", func(t *testing.T) {
		tensor, err := TensorToGoMLX(makeInt64TensorProto("shape", []int64{0, -1}, 2))
		require.NoError(t, err)
		ints, err := TensorToInts(tensor)
		require.NoError(t, err)
		require.Equal(t, []int{0, -1}, ints)
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		_, err := TensorToGoMLX(makeFloatTensorProto("x", []float32{1, 2, 3}, 2, 2))
		require.Error(t, err)
	})

	t.Run("RawDataSizeMismatch", func(t *testing.T) {
		_, err := TensorToGoMLX(&protos.TensorProto{
			Name:     "raw",
			Dims:     []int64{3},
			DataType: int32(protos.TensorProto_FLOAT),
			RawData:  float32sToBytes([]float32{1.5, -2.5}),
		})
		require.Error(t, err)
	})

	t.Run("ExternalNotLoaded", func(t *testing.T) {
		_, err := TensorToGoMLX(&protos.TensorProto{
			Name:         "ext",
			Dims:         []int64{1},
			DataType:     int32(protos.TensorProto_FLOAT),
			DataLocation: protos.TensorProto_EXTERNAL,
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "externally")
	})

	t.Run("Empty", func(t *testing.T) {
		tensor, err := TensorToGoMLX(&protos.TensorProto{Dims: []int64{0, 3}, DataType: int32(protos.TensorProto_FLOAT)})
		require.NoError(t, err)
		require.Equal(t, 0, tensor.Shape().Size())
	})
}

func TestTensorToONNX(t *testing.T) {
	original := tensors.FromValue([][]int32{{1, 2}, {3, 4}})
	proto, err := TensorToONNX("ints", original)
	require.NoError(t, err)
	require.Equal(t, "ints", proto.Name)
	require.Equal(t, []int64{2, 2}, proto.Dims)
	require.Equal(t, int32(protos.TensorProto_INT32), proto.DataType)

	converted, err := TensorToGoMLX(proto)
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2, 3, 4}, tensors.MustCopyFlatData[int32](converted))

	// Copy a new value into the same proto.
	require.NoError(t, TensorValueToONNX(tensors.FromValue([][]int32{{5, 6}, {7, 8}}), proto))
	converted, err = TensorToGoMLX(proto)
	require.NoError(t, err)
	require.Equal(t, []int32{5, 6, 7, 8}, tensors.MustCopyFlatData[int32](converted))

	// Shape mismatch.
	require.Error(t, TensorValueToONNX(tensors.FromValue([]int32{1}), proto))

	// Typed data fields.
	floatProto := makeFloatTensorProto("f", []float32{0, 0}, 2)
	require.NoError(t, TensorValueToONNX(tensors.FromValue([]float32{3, 4}), floatProto))
	require.Equal(t, []float32{3, 4}, floatProto.FloatData)
}

func TestParseExternalData(t *testing.T) {
	t.Run("NoExternalData", func(t *testing.T) {
		info, err := parseExternalData(&protos.TensorProto{Name: "test"})
		require.NoError(t, err)
		require.Nil(t, info)
	})

	t.Run("AllFields", func(t *testing.T) {
		proto := &protos.TensorProto{
			Name: "test",
			ExternalData: []*protos.StringStringEntryProto{
				{Key: "location", Value: "weights.bin"},
				{Key: "offset", Value: "1024"},
				{Key: "length", Value: "4096"},
				{Key: "checksum", Value: "abc123"}, // Should be ignored
			},
		}
		info, err := parseExternalData(proto)
		require.NoError(t, err)
		require.NotNil(t, info)
		require.Equal(t, "weights.bin", info.location)
		require.Equal(t, int64(1024), info.offset)
		require.Equal(t, int64(4096), info.length)
	})

	t.Run("MissingLocation", func(t *testing.T) {
		_, err := parseExternalData(&protos.TensorProto{
			Name:         "test",
			ExternalData: []*protos.StringStringEntryProto{{Key: "offset", Value: "1024"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "missing required 'location'")
	})

	t.Run("InvalidOffset", func(t *testing.T) {
		_, err := parseExternalData(&protos.TensorProto{
			Name: "test",
			ExternalData: []*protos.StringStringEntryProto{
				{Key: "location", Value: "weights.bin"},
				{Key: "offset", Value: "not-a-number"},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid offset")
	})

	t.Run("InvalidLength", func(t *testing.T) {
		_, err := parseExternalData(&protos.TensorProto{
			Name: "test",
			ExternalData: []*protos.StringStringEntryProto{
				{Key: "location", Value: "weights.bin"},
				{Key: "length", Value: "not-a-number"},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid length")
	})
}

func TestExternalDataRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	b := NewBuilder("external")
	b.NodeArg("X", makeValueInfo("X", 2).Type)
	weights := &protos.TensorProto{
		Name:     "W",
		Dims:     []int64{2},
		DataType: int32(protos.TensorProto_FLOAT),
		RawData:  float32sToBytes([]float32{10, 20}),
	}
	b.AddInitializer(weights)
	b.AddInitializer(&protos.TensorProto{
		Name:     "small",
		DataType: int32(protos.TensorProto_FLOAT),
		RawData:  float32sToBytes([]float32{1}),
	})
	b.AddNode("add", "Add", "", []string{"X", "W"}, []string{"Y"})
	b.AddNode("mul", "Mul", "", []string{"Y", "small"}, []string{"Z"})
	m, err := b.Model()
	require.NoError(t, err)

	require.NoError(t, WriteExternalData(&m.Proto, tmpDir, "weights.bin", 8))
	require.Equal(t, protos.TensorProto_EXTERNAL, m.Initializer("W").DataLocation)
	require.Nil(t, m.Initializer("W").RawData)
	require.Equal(t, protos.TensorProto_DEFAULT, m.Initializer("small").DataLocation, "tensors smaller than minBytes stay inline")
	modelPath := filepath.Join(tmpDir, "model.onnx")
	require.NoError(t, m.Write(modelPath))

	info, err := os.Stat(filepath.Join(tmpDir, "weights.bin"))
	require.NoError(t, err)
	require.Equal(t, int64(8), info.Size())

	loaded, err := ReadFile(modelPath)
	require.NoError(t, err)
	w := loaded.Initializer("W")
	require.Equal(t, protos.TensorProto_DEFAULT, w.DataLocation)
	tensor, err := TensorToGoMLX(w)
	require.NoError(t, err)
	require.Equal(t, []float32{10, 20}, tensors.MustCopyFlatData[float32](tensor))
}

func TestExternalDataReader(t *testing.T) {
	tmpDir := t.TempDir()
	data := append(float32sToBytes([]float32{1, 2}), float32sToBytes([]float32{3, 4, 5})...)
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "shared.bin"), data, 0o644))

	reader := NewExternalDataReader(tmpDir)
	defer func() { require.NoError(t, reader.Close()) }()

	second := &protos.TensorProto{
		Name:     "second",
		Dims:     []int64{3},
		DataType: int32(protos.TensorProto_FLOAT),
		ExternalData: []*protos.StringStringEntryProto{
			{Key: "location", Value: "shared.bin"},
			{Key: "offset", Value: "8"},
			{Key: "length", Value: "12"},
		},
		DataLocation: protos.TensorProto_EXTERNAL,
	}
	require.NoError(t, loadExternalTensor(reader, second))
	tensor, err := TensorToGoMLX(second)
	require.NoError(t, err)
	require.Equal(t, []float32{3, 4, 5}, tensors.MustCopyFlatData[float32](tensor))

	missing := &protos.TensorProto{
		Name:         "missing",
		Dims:         []int64{1},
		DataType:     int32(protos.TensorProto_FLOAT),
		ExternalData: []*protos.StringStringEntryProto{{Key: "location", Value: "nope.bin"}},
		DataLocation: protos.TensorProto_EXTERNAL,
	}
	require.Error(t, loadExternalTensor(reader, missing))
}
