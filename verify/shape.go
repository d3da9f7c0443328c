// Package verify provides test helpers to verify operator shape inference: it builds
// single-operator models, runs the checker and shape inference on them, and compares the
// inferred output descriptor against an expected one.
package verify

import (
	"fmt"

	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/stretchr/testify/assert"
)

// Mismatch is one difference found by CompareShapes.
type Mismatch struct {
	// Axis is -1 for differences about the whole shape.
	Axis int

	// Field is one of "shape", "rank", "has_dim_value", "dim_value", "has_dim_param" or "dim_param".
	Field string

	Expected, Inferred any
}

// String implements fmt.Stringer.
func (m Mismatch) String() string {
	if m.Axis < 0 {
		return fmt.Sprintf("%s: expected %v, inferred %v", m.Field, m.Expected, m.Inferred)
	}
	return fmt.Sprintf("axis %d %s: expected %v, inferred %v", m.Axis, m.Field, m.Expected, m.Inferred)
}

// CompareShapes returns all differences between the expected and inferred shapes.
//
// A nil shape on either side is reported and no dimensions are compared. Ranks that differ are
// reported, and the first min(rank) dimensions are still compared. For each dimension, the
// presence of a value and of a param are compared, and the value (or param) itself when the
// expected dimension has one.
func CompareShapes(expected, inferred *protos.TensorShapeProto) []Mismatch {
	var mismatches []Mismatch
	if expected == nil {
		mismatches = append(mismatches, Mismatch{Axis: -1, Field: "shape", Expected: "<nil>", Inferred: describeShape(inferred)})
	}
	if inferred == nil {
		mismatches = append(mismatches, Mismatch{Axis: -1, Field: "shape", Expected: describeShape(expected), Inferred: "<nil>"})
	}
	if expected == nil || inferred == nil {
		return mismatches
	}

	expectedDims, inferredDims := expected.GetDim(), inferred.GetDim()
	if len(expectedDims) != len(inferredDims) {
		mismatches = append(mismatches, Mismatch{Axis: -1, Field: "rank", Expected: len(expectedDims), Inferred: len(inferredDims)})
	}
	for axis := range min(len(expectedDims), len(inferredDims)) {
		e, i := expectedDims[axis], inferredDims[axis]
		if e.HasDimValue() != i.HasDimValue() {
			mismatches = append(mismatches, Mismatch{Axis: axis, Field: "has_dim_value", Expected: e.HasDimValue(), Inferred: i.HasDimValue()})
		}
		if e.HasDimValue() && e.GetDimValue() != i.GetDimValue() {
			mismatches = append(mismatches, Mismatch{Axis: axis, Field: "dim_value", Expected: e.GetDimValue(), Inferred: i.GetDimValue()})
		}
		if e.HasDimParam() != i.HasDimParam() {
			mismatches = append(mismatches, Mismatch{Axis: axis, Field: "has_dim_param", Expected: e.HasDimParam(), Inferred: i.HasDimParam()})
		}
		if e.HasDimParam() && e.GetDimParam() != i.GetDimParam() {
			mismatches = append(mismatches, Mismatch{Axis: axis, Field: "dim_param", Expected: e.GetDimParam(), Inferred: i.GetDimParam()})
		}
	}
	return mismatches
}

type tHelper interface {
	Helper()
}

// CheckShapeEquality reports every difference between the expected and inferred shapes as a
// non-fatal failure on t, and returns whether they are equal.
func CheckShapeEquality(t assert.TestingT, expected, inferred *protos.TensorShapeProto) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	mismatches := CompareShapes(expected, inferred)
	for _, m := range mismatches {
		assert.Fail(t, "shapes differ", "%s (expected %s, inferred %s)", m, describeShape(expected), describeShape(inferred))
	}
	return len(mismatches) == 0
}

// describeShape renders a shape as e.g. "[batch, 3, ?]".
func describeShape(shape *protos.TensorShapeProto) string {
	if shape == nil {
		return "<nil>"
	}
	s := "["
	for ii, d := range shape.GetDim() {
		if ii > 0 {
			s += ", "
		}
		switch {
		case d.HasDimValue():
			s += fmt.Sprintf("%d", d.GetDimValue())
		case d.HasDimParam():
			s += d.GetDimParam()
		default:
			s += "?"
		}
	}
	return s + "]"
}
