package inference

import (
	"fmt"
	"strings"

	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
)

// mergeTypes combines a previously known (declared) type with an inferred one.
// Known information from either side is kept, and conflicting known values are an error.
func mergeTypes(existing, inferred *protos.TypeProto) (*protos.TypeProto, error) {
	if existing == nil || existing.GetTensorType() == nil {
		return inferred.Clone(), nil
	}
	elemType := schema.ElemType(inferred)
	if existingElemType := schema.ElemType(existing); existingElemType != 0 {
		if elemType != 0 && elemType != existingElemType {
			return nil, errors.Errorf("inferred element type %s conflicts with declared %s",
				protos.TensorProto_DataType(elemType), protos.TensorProto_DataType(existingElemType))
		}
		elemType = existingElemType
	}
	switch {
	case !schema.HasShape(inferred):
		return schema.TensorType(elemType, cloneShape(existing)), nil
	case !schema.HasShape(existing):
		return schema.TensorType(elemType, cloneShape(inferred)), nil
	}

	existingDims, inferredDims := schema.Dims(existing), schema.Dims(inferred)
	if len(existingDims) != len(inferredDims) {
		return nil, errors.Errorf("inferred rank %d conflicts with declared rank %d", len(inferredDims), len(existingDims))
	}
	dims := make([]*protos.TensorShapeProto_Dimension, len(existingDims))
	for axis, e := range existingDims {
		i := inferredDims[axis]
		switch {
		case e.HasDimValue() && i.HasDimValue() && e.GetDimValue() != i.GetDimValue():
			return nil, errors.Errorf("inferred dimension %d for axis %d conflicts with declared %d",
				i.GetDimValue(), axis, e.GetDimValue())
		case i.HasDimValue():
			dims[axis] = i.Clone()
		case e.HasDimValue() || e.HasDimParam():
			dims[axis] = e.Clone()
		default:
			dims[axis] = i.Clone()
		}
	}
	return schema.TensorType(elemType, dims), nil
}

// cloneShape returns a copy of the dims of t, nil if the rank is unknown.
func cloneShape(t *protos.TypeProto) []*protos.TensorShapeProto_Dimension {
	if !schema.HasShape(t) {
		return nil
	}
	dims := schema.Dims(t)
	out := make([]*protos.TensorShapeProto_Dimension, len(dims))
	for ii, d := range dims {
		out[ii] = d.Clone()
	}
	return out
}

// typeString renders a tensor type as e.g. "FLOAT[batch, 3, ?]".
func typeString(t *protos.TypeProto) string {
	if t == nil {
		return "<unknown>"
	}
	var sb strings.Builder
	sb.WriteString(protos.TensorProto_DataType(schema.ElemType(t)).String())
	if !schema.HasShape(t) {
		sb.WriteString("[...]")
		return sb.String()
	}
	sb.WriteByte('[')
	for ii, d := range schema.Dims(t) {
		if ii > 0 {
			sb.WriteString(", ")
		}
		switch {
		case d.HasDimValue():
			fmt.Fprintf(&sb, "%d", d.GetDimValue())
		case d.HasDimParam():
			sb.WriteString(d.GetDimParam())
		default:
			sb.WriteByte('?')
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
