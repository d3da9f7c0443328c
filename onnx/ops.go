package onnx

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// This file implements the ONNX operators that don't have a direct corresponding GoMLX operator.

// gomlxBinaryOp is a GoMLX binary op. Used by convertBinaryOp.
type gomlxBinaryOp func(lhs, rhs *Node) *Node

// onnxImplicitBroadcast expands operands to the largest rank, expanding to the left.
// This is part of ONNX implicit broadcasting rule.
// Scalars are left untouched, because generally, XLA will broadcast them.
//
// Returns the list of broadcast operands.
func onnxImplicitBroadcast(operands []*Node) []*Node {
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// onnxBroadcastToCommonDims broadcasts the (already rank-aligned) operands to their common dimensions.
func onnxBroadcastToCommonDims(operands []*Node) []*Node {
	operands = onnxImplicitBroadcast(operands)
	maxRank := slices.Max(sliceMap(operands, func(n *Node) int { return n.Rank() }))
	maxDims := make([]int, maxRank)
	for axis := range maxRank {
		maxDims[axis] = slices.Max(sliceMap(operands, func(n *Node) int {
			if n.IsScalar() {
				return 1
			}
			return n.Shape().Dim(axis)
		}))
	}
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || slices.Equal(n.Shape().Dimensions, maxDims) {
			return n
		}
		return BroadcastToDims(n, maxDims...)
	})
}

// convertBinaryOp applies ONNX broadcasting rule before calling the fn.
//
// It differs from GoMLX and XLA in that it automatically prepend 1-dimensional axes to
// any of the operands, if they differ in rank. Mismatched dtypes are promoted only if the model allows it.
func (m *Model) convertBinaryOp(fn gomlxBinaryOp, lhs, rhs *Node) *Node {
	lhs, rhs = promoteToCommonDType(lhs, rhs, m.dtypePromotion)
	operands := onnxBroadcastToCommonDims([]*Node{lhs, rhs})
	return fn(operands[0], operands[1])
}

// convertWhere converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Where.html
//
// Notice broadcast rules for ONNX are difference, hence the special conversion code.
func convertWhere(node *protos.NodeProto, inputs []*Node) *Node {
	var output *Node
	err := exceptions.TryCatch[error](func() { output = onnxWhere(inputs) })
	if err != nil {
		panic(errors.WithMessagef(err, "converting node %s", nodeToString(node)))
	}
	return output
}

// onnxWhere implements ONNX implicit broadcasting rules.
// inputs is a tuple with (cond, onTrue, onFalse) values.
func onnxWhere(inputs []*Node) *Node {
	inputs = onnxBroadcastToCommonDims(slices.Clone(inputs))
	cond, onTrue, onFalse := inputs[0], inputs[1], inputs[2]
	return Where(cond, onTrue, onFalse)
}

// onnxRelu is max(x, 0).
func onnxRelu(x *Node) *Node {
	return activations.Relu(x)
}

// onnxGelu is the exact Gelu: 0.5 * x * (1 + erf(x / sqrt(2))).
func onnxGelu(x *Node) *Node {
	return Mul(MulScalar(x, 0.5), OnePlus(Erf(MulScalar(x, 1/math.Sqrt2))))
}

// onnxFastGelu is the tanh approximation of Gelu:
// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3))).
func onnxFastGelu(x *Node) *Node {
	cube := Mul(x, Mul(x, x))
	inner := MulScalar(Add(x, MulScalar(cube, 0.044715)), math.Sqrt(2/math.Pi))
	return Mul(MulScalar(x, 0.5), OnePlus(Tanh(inner)))
}

////////////////////////////////////////////////////////////////////
//
// Ops that take attributes as static inputs.
//
////////////////////////////////////////////////////////////////////

// getNodeAttr returns the given node attribute. If required is true, it will panic with a message about
// the missing attribute.
func getNodeAttr(node *protos.NodeProto, name string, required bool) *protos.AttributeProto {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	if required {
		exceptions.Panicf("ONNX %s is missing required attribute %q", nodeToString(node), name)
	}
	return nil
}

func assertNodeAttrType(node *protos.NodeProto, attr *protos.AttributeProto, attributeType protos.AttributeProto_AttributeType) {
	if attr.Type != attributeType {
		exceptions.Panicf("unsupported ONNX attribute %q of type %q in %s", attr.Name, attr.Type, nodeToString(node))
	}
}

// mustGetIntAttr get the attribute as an integer.
// It panics with an exception if attribute is not set or if it is of the wrong type.
func mustGetIntAttr(node *protos.NodeProto, attrName string) int {
	attr := getNodeAttr(node, attrName, true)
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getIntAttrOr gets an integer attribute for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func getIntAttrOr(node *protos.NodeProto, attrName string, defaultValue int) int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getBoolAttrOr gets a boolean attribute (ONNX uses an int value of 0 or 1) for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func getBoolAttrOr(node *protos.NodeProto, attrName string, defaultValue bool) bool {
	defaultInt := 0
	if defaultValue {
		defaultInt = 1
	}
	intValue := getIntAttrOr(node, attrName, defaultInt)
	return intValue != 0
}

// getFloatAttrOr gets a float attribute for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func getFloatAttrOr(node *protos.NodeProto, attrName string, defaultValue float32) float32 {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_FLOAT)
	return attr.F
}

// getIntsAttrOr gets an integer list attribute for node if present or return the given defaultValues.
// It panics with an error message if the attribute is present but is of the wrong type.
func getIntsAttrOr(node *protos.NodeProto, attrName string, defaultValues []int) []int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INTS)
	return sliceMap(attr.Ints, func(i int64) int { return int(i) })
}

// convertConstant converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Constant.html
func convertConstant(node *protos.NodeProto, g *Graph) *Node {
	for _, attr := range node.Attribute {
		switch attr.Name {
		case "value":
			assertNodeAttrType(node, attr, protos.AttributeProto_TENSOR)
			tensor, err := TensorToGoMLX(attr.T)
			if err != nil {
				panic(errors.WithMessagef(err, "while converting ONNX %s", nodeToString(node)))
			}
			return Const(g, tensor)
		case "value_float":
			return Const(g, attr.F)
		case "value_floats":
			return Const(g, slices.Clone(attr.Floats))
		case "value_int":
			return Const(g, attr.I)
		case "value_ints":
			return Const(g, slices.Clone(attr.Ints))
		}
	}
	exceptions.Panicf("ONNX %s has no supported value attribute", nodeToString(node))
	return nil
}

// convertConcat converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Concat.html
func convertConcat(node *protos.NodeProto, inputs []*Node) *Node {
	axis := mustGetIntAttr(node, "axis")
	if axis < 0 {
		axis += inputs[0].Rank()
	}
	return Concatenate(inputs, axis)
}

// convertSoftmax converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Softmax.html
func convertSoftmax(node *protos.NodeProto, inputs []*Node) *Node {
	axis := getIntAttrOr(node, "axis", -1)
	return Softmax(inputs[0], axis)
}

// convertCast converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Cast.html
func convertCast(node *protos.NodeProto, inputs []*Node) *Node {
	toDtype, err := DTypeForONNX(protos.TensorProto_DataType(mustGetIntAttr(node, "to")))
	if err != nil {
		panic(errors.WithMessagef(err, "while converting 'to' attribute for node %s", nodeToString(node)))
	}
	return ConvertDType(inputs[0], toDtype)
}

// convertTranspose converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Transpose.html
func convertTranspose(node *protos.NodeProto, inputs []*Node) *Node {
	operand := inputs[0]
	permutations := getIntsAttrOr(node, "perm", nil)
	if permutations == nil {
		// Reverse axes.
		permutations = make([]int, operand.Rank())
		for axis := range permutations {
			permutations[axis] = operand.Rank() - axis - 1
		}
	}
	if len(permutations) != operand.Rank() {
		exceptions.Panicf("Transpose(data=%s, perm=%v) must have one permutation value per axis of the data: %s", operand.Shape(), permutations, nodeToString(node))
	}
	return TransposeAllDims(operand, permutations...)
}

// convertGemm converts a ONNX node to a GoMLX node.
// Gemm stands for general matrix multiplication.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gemm.html
func (m *Model) convertGemm(node *protos.NodeProto, inputs []*Node) *Node {
	operandA := inputs[0]
	operandB := inputs[1]

	transposeA := getBoolAttrOr(node, "transA", false)
	transposeB := getBoolAttrOr(node, "transB", false)
	alpha := getFloatAttrOr(node, "alpha", 1.0)
	beta := getFloatAttrOr(node, "beta", 1.0)

	aAxes, bAxes := "ij", "jk"
	if transposeA {
		aAxes = "ji"
	}
	if transposeB {
		bAxes = "kj"
	}
	equation := fmt.Sprintf("%s,%s->ik", aAxes, bAxes)
	result := Einsum(equation, operandA, operandB)
	if alpha != 1.0 {
		result = MulScalar(result, alpha)
	}

	// Include the C term if given.
	if len(inputs) > 2 && inputs[2] != nil {
		operandC := inputs[2]
		if beta != 1.0 {
			operandC = MulScalar(operandC, beta)
		}
		result = m.convertBinaryOp(Add, result, operandC)
	}
	return result
}

// convertFlatten converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Flatten.html
func convertFlatten(node *protos.NodeProto, inputs []*Node) *Node {
	operand := inputs[0]
	rank := operand.Rank()
	axis := getIntAttrOr(node, "axis", 1)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis > rank {
		exceptions.Panicf("Flatten(data=%s, axis=%d): axis out of range for %s", operand.Shape(), axis, nodeToString(node))
	}
	outer, inner := 1, 1
	for ii, dim := range operand.Shape().Dimensions {
		if ii < axis {
			outer *= dim
		} else {
			inner *= dim
		}
	}
	return Reshape(operand, outer, inner)
}

// convertFusedMatMul converts the contrib FusedMatMul: alpha * op(A) x op(B), where op optionally transposes
// the last two axes.
func convertFusedMatMul(node *protos.NodeProto, inputs []*Node) *Node {
	a, b := inputs[0], inputs[1]
	alpha := getFloatAttrOr(node, "alpha", 1.0)
	if getBoolAttrOr(node, "transA", false) {
		a = transposeLastTwoAxes(a)
	}
	if getBoolAttrOr(node, "transB", false) {
		b = transposeLastTwoAxes(b)
	}
	result := MatMul(a, b)
	if alpha != 1.0 {
		result = MulScalar(result, alpha)
	}
	return result
}

func transposeLastTwoAxes(x *Node) *Node {
	rank := x.Rank()
	if rank < 2 {
		return x
	}
	perm := make([]int, rank)
	for axis := range perm {
		perm[axis] = axis
	}
	perm[rank-2], perm[rank-1] = rank-1, rank-2
	return TransposeAllDims(x, perm...)
}

// convertFastGelu converts the contrib FastGelu, which takes an optional bias as its second input.
func convertFastGelu(m *Model, _ *protos.NodeProto, inputs []*Node) *Node {
	x := inputs[0]
	if len(inputs) > 1 && inputs[1] != nil {
		x = m.convertBinaryOp(Add, x, inputs[1])
	}
	return onnxFastGelu(x)
}

////////////////////////////////////////////////////////////////////
//
// Ops that require materialization of constant sub-expressions
//
////////////////////////////////////////////////////////////////////

// convertReshape converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Reshape.html
func convertReshape(m *Model, convertedOutputs map[string]*Node, node *protos.NodeProto, inputs []*Node) *Node {
	operand := inputs[0]
	if !inputs[1].DType().IsInt() {
		exceptions.Panicf("shape must be integer, got %s for node %s", inputs[1].DType(), nodeToString(node))
	}
	allowZero := getIntAttrOr(node, "allowzero", 0)

	dimsT, err := m.materializeConstantExpression(node.Input[1], convertedOutputs)
	if err != nil {
		panic(errors.WithMessagef(err, "while converting 'shape' for node %s", nodeToString(node)))
	}
	dims, err := TensorToInts(dimsT)
	if err != nil {
		panic(errors.WithMessagef(err, "while converting 'shape' for node %s", nodeToString(node)))
	}
	dims, err = resolveReshapeDims(operand.Shape().Dimensions, dims, allowZero != 0)
	if err != nil {
		panic(errors.WithMessagef(err, "node %s", nodeToString(node)))
	}
	return Reshape(operand, dims...)
}

// resolveReshapeDims replaces 0 (copy from input, unless allowZero) and -1 (inferred) in the requested ONNX shape.
func resolveReshapeDims(inputDims, dims []int, allowZero bool) ([]int, error) {
	dims = slices.Clone(dims)
	inputSize := 1
	for _, dim := range inputDims {
		inputSize *= dim
	}
	inferredAxis := -1
	knownSize := 1
	for axis, dim := range dims {
		switch {
		case dim == 0 && !allowZero:
			if axis >= len(inputDims) {
				return nil, errors.Errorf("reshape dimension 0 at axis %d has no corresponding input axis (input rank %d)", axis, len(inputDims))
			}
			dims[axis] = inputDims[axis]
			knownSize *= dims[axis]
		case dim == -1:
			if inferredAxis >= 0 {
				return nil, errors.Errorf("reshape to %v has more than one -1 dimension", dims)
			}
			inferredAxis = axis
		case dim < 0:
			return nil, errors.Errorf("reshape to %v has invalid negative dimension %d", dims, dim)
		default:
			knownSize *= dim
		}
	}
	if inferredAxis >= 0 {
		if knownSize == 0 || inputSize%knownSize != 0 {
			return nil, errors.Errorf("cannot infer -1 dimension reshaping %v to %v", inputDims, dims)
		}
		dims[inferredAxis] = inputSize / knownSize
	} else if knownSize != inputSize {
		return nil, errors.Errorf("cannot reshape %v (size %d) to %v (size %d)", inputDims, inputSize, dims, knownSize)
	}
	return dims, nil
}
