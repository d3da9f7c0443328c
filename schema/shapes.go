package schema

import (
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// This file holds the helpers used by the inference functions to manipulate
// symbolic shapes: dimensions can be known values, named params or unknown.

// MaxRank is the highest rank inference functions produce from a declared shape length.
const MaxRank = 64

// Dim returns a known dimension.
func Dim(value int64) *protos.TensorShapeProto_Dimension {
	return &protos.TensorShapeProto_Dimension{Value: &protos.TensorShapeProto_Dimension_DimValue{DimValue: value}}
}

// Param returns a symbolic dimension.
func Param(name string) *protos.TensorShapeProto_Dimension {
	return &protos.TensorShapeProto_Dimension{Value: &protos.TensorShapeProto_Dimension_DimParam{DimParam: name}}
}

// Unknown returns a dimension with neither value nor param.
func Unknown() *protos.TensorShapeProto_Dimension {
	return &protos.TensorShapeProto_Dimension{}
}

// TensorType builds a tensor TypeProto. A nil dims means unknown rank.
func TensorType(elemType int32, dims []*protos.TensorShapeProto_Dimension) *protos.TypeProto {
	tensorType := &protos.TypeProto_Tensor{ElemType: elemType}
	if dims != nil {
		tensorType.Shape = &protos.TensorShapeProto{Dim: dims}
	}
	return &protos.TypeProto{Value: &protos.TypeProto_TensorType{TensorType: tensorType}}
}

// ElemType returns the element type of a tensor type, or 0 (UNDEFINED) if unknown.
func ElemType(t *protos.TypeProto) int32 {
	return t.GetTensorType().GetElemType()
}

// HasShape returns whether the rank of the tensor type is known.
func HasShape(t *protos.TypeProto) bool {
	return t.GetTensorType().GetShape() != nil
}

// Dims returns the dimensions of a tensor type, or nil if the rank is unknown.
func Dims(t *protos.TypeProto) []*protos.TensorShapeProto_Dimension {
	return t.GetTensorType().GetShape().GetDim()
}

// Rank returns the rank, or -1 if unknown.
func Rank(t *protos.TypeProto) int {
	if !HasShape(t) {
		return -1
	}
	return len(Dims(t))
}

// cloneDims returns a deep copy of dims. The result is never nil, so it can be used for scalars.
func cloneDims(dims []*protos.TensorShapeProto_Dimension) []*protos.TensorShapeProto_Dimension {
	out := make([]*protos.TensorShapeProto_Dimension, len(dims))
	for ii, d := range dims {
		out[ii] = d.Clone()
	}
	return out
}

// PropagateElemTypeAndShape copies the type of input to output, if known.
func PropagateElemTypeAndShape(ctx InferenceContext, input, output int) {
	inputType := ctx.InputType(input)
	if inputType == nil {
		return
	}
	ctx.SetOutputType(output, inputType.Clone())
}

// broadcastDim merges the dimensions of one axis following multidirectional broadcasting:
// a known value other than 1 wins; equal params are kept; a known 1 yields the other dim;
// otherwise the result is unknown.
func broadcastDim(dims []*protos.TensorShapeProto_Dimension) (*protos.TensorShapeProto_Dimension, error) {
	var value int64 = -1
	param := ""
	allOnes := true
	paramsAgree := true
	for _, d := range dims {
		switch {
		case d.HasDimValue():
			v := d.GetDimValue()
			if v == 1 {
				continue
			}
			allOnes = false
			if value >= 0 && value != v {
				return nil, errors.Errorf("incompatible dimensions %d and %d", value, v)
			}
			value = v
		case d.HasDimParam():
			allOnes = false
			if param == "" {
				param = d.GetDimParam()
			} else if param != d.GetDimParam() {
				paramsAgree = false
			}
		default:
			allOnes = false
			paramsAgree = false
		}
	}
	switch {
	case value >= 0:
		return Dim(value), nil
	case allOnes:
		return Dim(1), nil
	case paramsAgree && param != "":
		return Param(param), nil
	default:
		return Unknown(), nil
	}
}

// BroadcastShapes returns the broadcast of the given dimension lists, aligned to the right.
func BroadcastShapes(shapes ...[]*protos.TensorShapeProto_Dimension) ([]*protos.TensorShapeProto_Dimension, error) {
	maxRank := 0
	for _, dims := range shapes {
		maxRank = max(maxRank, len(dims))
	}
	out := make([]*protos.TensorShapeProto_Dimension, maxRank)
	for axis := range maxRank {
		var axisDims []*protos.TensorShapeProto_Dimension
		for _, dims := range shapes {
			idx := axis - (maxRank - len(dims))
			if idx >= 0 {
				axisDims = append(axisDims, dims[idx])
			}
		}
		d, err := broadcastDim(axisDims)
		if err != nil {
			return nil, errors.WithMessagef(err, "broadcasting axis %d", axis)
		}
		out[axis] = d
	}
	return out, nil
}

// mergeDims merges two dimensions that must be equal: a known value is preferred over a param,
// and a param over an unknown.
func mergeDims(a, b *protos.TensorShapeProto_Dimension) (*protos.TensorShapeProto_Dimension, error) {
	switch {
	case a.HasDimValue() && b.HasDimValue():
		if a.GetDimValue() != b.GetDimValue() {
			return nil, errors.Errorf("dimensions %d and %d don't match", a.GetDimValue(), b.GetDimValue())
		}
		return a.Clone(), nil
	case a.HasDimValue():
		return a.Clone(), nil
	case b.HasDimValue():
		return b.Clone(), nil
	case a.HasDimParam():
		return a.Clone(), nil
	default:
		return b.Clone(), nil
	}
}

// productDims multiplies the dims, returning an unknown dimension if any of them isn't a known value.
func productDims(dims []*protos.TensorShapeProto_Dimension) *protos.TensorShapeProto_Dimension {
	var product int64 = 1
	for _, d := range dims {
		if !d.HasDimValue() {
			return Unknown()
		}
		product *= d.GetDimValue()
	}
	return Dim(product)
}

// AttrInt returns the integer attribute, or defaultValue if not set.
func AttrInt(ctx InferenceContext, name string, defaultValue int64) int64 {
	if attr := ctx.Attribute(name); attr != nil {
		return attr.I
	}
	return defaultValue
}

// AttrInts returns the integer list attribute, or nil if not set.
func AttrInts(ctx InferenceContext, name string) []int64 {
	if attr := ctx.Attribute(name); attr != nil {
		return attr.Ints
	}
	return nil
}

// normalizeAxis converts a negative axis to positive, checking it is within [-rank, rank) (or [-rank, rank] if inclusive).
func normalizeAxis(axis int64, rank int, inclusive bool) (int, error) {
	upper := int64(rank)
	if inclusive {
		upper++
	}
	if axis < -int64(rank) || axis >= upper {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	if axis < 0 {
		axis += int64(rank)
	}
	return int(axis), nil
}

// checkInputsElemType verifies that the known element types of the given inputs are all the same, and returns it.
func checkInputsElemType(ctx InferenceContext, inputs ...int) (int32, error) {
	var elemType int32
	for _, idx := range inputs {
		et := ElemType(ctx.InputType(idx))
		if et == 0 {
			continue
		}
		if elemType != 0 && elemType != et {
			return 0, errors.Errorf("input %d has element type %s, expected %s", idx,
				protos.TensorProto_DataType(et), protos.TensorProto_DataType(elemType))
		}
		elemType = et
	}
	return elemType, nil
}
