package onnx

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/onnx-harness/internal/protos"
)

// makeValueInfo creates a float32 ValueInfoProto with static dimensions.
func makeValueInfo(name string, dims ...int64) *protos.ValueInfoProto {
	return makeValueInfoWithParams(name, sliceMap(dims, func(d int64) any { return int(d) }))
}

// makeValueInfoWithParams creates a float32 ValueInfoProto: each dim is a string (symbolic), an int (static) or nil (unknown).
func makeValueInfoWithParams(name string, dims []any) *protos.ValueInfoProto {
	shape := &protos.TensorShapeProto{}
	for _, dim := range dims {
		d := &protos.TensorShapeProto_Dimension{}
		switch v := dim.(type) {
		case string:
			d.Value = &protos.TensorShapeProto_Dimension_DimParam{DimParam: v}
		case int:
			d.Value = &protos.TensorShapeProto_Dimension_DimValue{DimValue: int64(v)}
		}
		shape.Dim = append(shape.Dim, d)
	}
	return &protos.ValueInfoProto{
		Name: name,
		Type: &protos.TypeProto{Value: &protos.TypeProto_TensorType{TensorType: &protos.TypeProto_Tensor{
			ElemType: int32(protos.TensorProto_FLOAT),
			Shape:    shape,
		}}},
	}
}

// makeFloatTensorProto creates a float32 initializer stored in FloatData.
func makeFloatTensorProto(name string, values []float32, dims ...int64) *protos.TensorProto {
	return &protos.TensorProto{
		Name:      name,
		DataType:  int32(protos.TensorProto_FLOAT),
		Dims:      dims,
		FloatData: values,
	}
}

// makeInt64TensorProto creates an int64 initializer stored in Int64Data.
func makeInt64TensorProto(name string, values []int64, dims ...int64) *protos.TensorProto {
	return &protos.TensorProto{
		Name:      name,
		DataType:  int32(protos.TensorProto_INT64),
		Dims:      dims,
		Int64Data: values,
	}
}

// float32sToBytes encodes values in little-endian, as ONNX raw data.
func float32sToBytes(values []float32) []byte {
	raw := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	return raw
}
