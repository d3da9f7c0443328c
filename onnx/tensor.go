package onnx

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// Shape converts an ONNX data type and shape to GoMLX shapes.Shape (it includes the dtype).
func Shape(proto *protos.TensorProto) (shape shapes.Shape, err error) {
	if proto == nil {
		err = errors.New("ONNX TensorProto is nil")
		return
	}
	shape.DType, err = DTypeForONNX(protos.TensorProto_DataType(proto.DataType))
	if err != nil {
		return
	}
	shape.Dimensions = make([]int, len(proto.Dims))
	for axis, dim := range proto.Dims {
		if dim < 0 {
			err = errors.Errorf("tensor %q has negative dimension %d on axis %d", proto.Name, dim, axis)
			return
		}
		shape.Dimensions[axis] = int(dim)
	}
	return
}

// checkAndCreateTensor implements the generic check and copy of the ONNX proto data to a tensor for the supported data type.
func checkAndCreateTensor[T interface {
	float32 | float64 | int32 | int64 | uint64
}](proto *protos.TensorProto, onnxData []T, shape shapes.Shape) (*tensors.Tensor, error) {
	if onnxData == nil {
		// Not this type of data.
		return nil, nil
	}
	if shape.DType != dtypes.FromGenericsType[T]() {
		return nil, errors.Errorf("tensor %q shaped %s provided data as %T!?", proto.Name, shape, onnxData)
	}
	if len(onnxData) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d , but ONNX model provided a slice with %d values!?",
			proto.Name, shape, shape.Size(), len(onnxData))
	}
	return tensors.FromFlatDataAndDimensions[T](onnxData, shape.Dimensions...), nil
}

// TensorToGoMLX converts a protos.TensorProto object to a tensors.Tensor object, handling errors and different data types.
// External data must have been loaded already (see ReadFile).
func TensorToGoMLX(proto *protos.TensorProto) (t *tensors.Tensor, err error) {
	var shape shapes.Shape
	shape, err = Shape(proto)
	if err != nil {
		err = errors.WithMessagef(err, "while parsing tensor %q", proto.GetName())
		return
	}
	if proto.DataLocation == protos.TensorProto_EXTERNAL {
		return nil, errors.Errorf("tensor %q has its data stored externally, and it hasn't been loaded", proto.Name)
	}

	// If data is provided as RawData: check that the size of the data is the same used in GoMLX.
	if proto.RawData != nil {
		t = tensors.FromShape(shape)
		t.MutableBytes(func(data []byte) {
			if len(data) != len(proto.RawData) {
				err = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
					proto.Name, shape, len(data), len(proto.RawData))
			} else {
				copy(data, proto.RawData)
			}
		})
		if err != nil {
			t.FinalizeAll()
			return nil, err
		}
		return
	}

	// Tries to convert to each data type.
	t, err = checkAndCreateTensor(proto, proto.FloatData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.DoubleData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int32Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int64Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Uint64Data, shape)
	if t != nil || err != nil {
		return
	}
	if shape.Size() == 0 {
		return tensors.FromShape(shape), nil
	}
	return nil, errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model!?", proto.Name, shape)
}

// TensorToONNX creates a TensorProto named name with the contents of t, stored as raw data.
func TensorToONNX(name string, t *tensors.Tensor) (*protos.TensorProto, error) {
	shape := t.Shape()
	onnxDType := ONNXForDType(shape.DType)
	if onnxDType == protos.TensorProto_UNDEFINED {
		return nil, errors.Errorf("tensor %q: dtype %s has no ONNX equivalent", name, shape.DType)
	}
	proto := &protos.TensorProto{
		Name:     name,
		DataType: int32(onnxDType),
		Dims:     make([]int64, shape.Rank()),
	}
	for axis, dim := range shape.Dimensions {
		proto.Dims[axis] = int64(dim)
	}
	t.ConstBytes(func(data []byte) {
		proto.RawData = slices.Clone(data)
	})
	if proto.RawData == nil {
		proto.RawData = []byte{}
	}
	return proto, nil
}

// checkAndCopyTensor implements the generic check and copy of the tensor to the ONNX proto data.
func checkAndCopyTensor[T interface {
	float32 | float64 | int32 | int64 | uint64
}](t *tensors.Tensor, proto *protos.TensorProto, onnxData []T) error {
	shape := t.Shape()
	if shape.DType != dtypes.FromGenericsType[T]() {
		return errors.Errorf("tensor %q shaped %s provided data as %T!?", proto.Name, shape, onnxData)
	}
	if len(onnxData) != shape.Size() {
		return errors.Errorf("tensor %q shaped %s has size %d , but ONNX model provided a slice with %d values!?",
			proto.Name, shape, shape.Size(), len(onnxData))
	}
	tensors.ConstFlatData(t, func(tensorData []T) {
		copy(onnxData, tensorData)
	})
	return nil
}

// TensorValueToONNX copies the value of a GoMLX tensors.Tensor to the ONNX protos.TensorProto object handling errors and different data types.
//
// Both tensors (GoMLX and ONNX) must already have the same shape.
func TensorValueToONNX(t *tensors.Tensor, proto *protos.TensorProto) (err error) {
	var shape shapes.Shape
	shape, err = Shape(proto)
	if err != nil {
		return errors.WithMessagef(err, "while parsing tensor %q", proto.Name)
	}
	if !shape.Equal(t.Shape()) {
		return errors.Errorf("TensorValueToONNX: cannot copy value of GoMLX tensor shaped %s to ONNX tensor shaped %s",
			t.Shape(), shape)
	}
	if proto.RawData != nil {
		t.ConstBytes(func(data []byte) {
			if len(data) != len(proto.RawData) {
				err = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
					proto.Name, shape, len(data), len(proto.RawData))
			}
			copy(proto.RawData, data)
		})
		return err
	}
	if proto.FloatData != nil {
		return checkAndCopyTensor(t, proto, proto.FloatData)
	}
	if proto.DoubleData != nil {
		return checkAndCopyTensor(t, proto, proto.DoubleData)
	}
	if proto.Int32Data != nil {
		return checkAndCopyTensor(t, proto, proto.Int32Data)
	}
	if proto.Int64Data != nil {
		return checkAndCopyTensor(t, proto, proto.Int64Data)
	}
	if proto.Uint64Data != nil {
		return checkAndCopyTensor(t, proto, proto.Uint64Data)
	}
	return errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model!?", proto.Name, shape)
}

// TensorToInts converts an integer tensor (of any integer dtype) to a slice of ints.
func TensorToInts(t *tensors.Tensor) ([]int, error) {
	switch t.DType() {
	case dtypes.Int64:
		return sliceMap(tensors.MustCopyFlatData[int64](t), func(v int64) int { return int(v) }), nil
	case dtypes.Int32:
		return sliceMap(tensors.MustCopyFlatData[int32](t), func(v int32) int { return int(v) }), nil
	case dtypes.Uint64:
		return sliceMap(tensors.MustCopyFlatData[uint64](t), func(v uint64) int { return int(v) }), nil
	default:
		return nil, errors.Errorf("expected an integer tensor, got %s", t.Shape())
	}
}
