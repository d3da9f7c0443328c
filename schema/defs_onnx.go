package schema

import (
	"encoding/binary"
	"slices"

	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// unbounded is used for MaxInputs of variadic operators.
const unbounded = 1 << 30

func onnxSchemas() []*OpSchema {
	var schemas []*OpSchema
	for _, name := range []string{"Add", "Sub", "Mul", "Div"} {
		schemas = append(schemas, &OpSchema{
			Name: name, SinceVersion: 7,
			MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
			Doc:       "Element-wise binary " + name + " with multidirectional broadcasting.",
			Inference: inferBroadcastBinary,
		})
	}
	schemas = append(schemas, &OpSchema{
		Name: "Pow", SinceVersion: 7,
		MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
		Doc:       "Element-wise power, the output takes the element type of the base.",
		Inference: inferPow,
	})
	for _, name := range []string{"Relu", "Sigmoid", "Tanh", "Exp", "Log", "Sqrt", "Abs", "Neg", "Erf", "Identity"} {
		schemas = append(schemas, &OpSchema{
			Name: name, SinceVersion: 6,
			MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Doc:       "Element-wise unary " + name + ".",
			Inference: inferUnary,
		})
	}
	schemas = append(schemas,
		&OpSchema{
			Name: "MatMul", SinceVersion: 1,
			MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
			Doc:       "Matrix product with numpy.matmul semantics.",
			Inference: inferMatMul,
		},
		&OpSchema{
			Name: "Gemm", SinceVersion: 7,
			MinInputs: 2, MaxInputs: 3, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{
				{Name: "alpha", Type: protos.AttributeProto_FLOAT},
				{Name: "beta", Type: protos.AttributeProto_FLOAT},
				{Name: "transA", Type: protos.AttributeProto_INT},
				{Name: "transB", Type: protos.AttributeProto_INT},
			},
			Doc:       "General matrix multiplication: alpha * A' x B' + beta * C.",
			Inference: inferGemm,
		},
		&OpSchema{
			Name: "Softmax", SinceVersion: 13,
			MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{{Name: "axis", Type: protos.AttributeProto_INT}},
			Inference:  inferSoftmax,
		},
		&OpSchema{
			Name: "Transpose", SinceVersion: 1,
			MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{{Name: "perm", Type: protos.AttributeProto_INTS}},
			Inference:  inferTranspose,
		},
		&OpSchema{
			Name: "Reshape", SinceVersion: 5,
			MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{{Name: "allowzero", Type: protos.AttributeProto_INT}},
			Doc:        "Reshape to the shape given as the second input: 0 copies the input dimension, -1 is inferred.",
			Inference:  inferReshape,
		},
		&OpSchema{
			Name: "Flatten", SinceVersion: 1,
			MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{{Name: "axis", Type: protos.AttributeProto_INT}},
			Inference:  inferFlatten,
		},
		&OpSchema{
			Name: "Cast", SinceVersion: 6,
			MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{
				{Name: "to", Type: protos.AttributeProto_INT, Required: true},
				{Name: "saturate", Type: protos.AttributeProto_INT},
			},
			Inference: inferCast,
		},
		&OpSchema{
			Name: "Where", SinceVersion: 9,
			MinInputs: 3, MaxInputs: 3, MinOutputs: 1, MaxOutputs: 1,
			Inference: inferWhere,
		},
		&OpSchema{
			Name: "Constant", SinceVersion: 1,
			MinInputs: 0, MaxInputs: 0, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{
				{Name: "value", Type: protos.AttributeProto_TENSOR},
				{Name: "value_float", Type: protos.AttributeProto_FLOAT},
				{Name: "value_floats", Type: protos.AttributeProto_FLOATS},
				{Name: "value_int", Type: protos.AttributeProto_INT},
				{Name: "value_ints", Type: protos.AttributeProto_INTS},
			},
			Inference: inferConstant,
		},
		&OpSchema{
			Name: "Concat", SinceVersion: 4,
			MinInputs: 1, MaxInputs: unbounded, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{{Name: "axis", Type: protos.AttributeProto_INT, Required: true}},
			Inference:  inferConcat,
		},
	)
	for _, s := range schemas {
		s.Domain = ""
	}
	return schemas
}

func inferUnary(ctx InferenceContext) error {
	PropagateElemTypeAndShape(ctx, 0, 0)
	return nil
}

func inferBroadcastBinary(ctx InferenceContext) error {
	elemType, err := checkInputsElemType(ctx, 0, 1)
	if err != nil {
		return err
	}
	return setBroadcastOutput(ctx, elemType, 0, 1)
}

func inferPow(ctx InferenceContext) error {
	return setBroadcastOutput(ctx, ElemType(ctx.InputType(0)), 0, 1)
}

// setBroadcastOutput sets output 0 to the broadcast shape of the given inputs, if all their ranks are known.
func setBroadcastOutput(ctx InferenceContext, elemType int32, inputs ...int) error {
	var allDims [][]*protos.TensorShapeProto_Dimension
	for _, idx := range inputs {
		inputType := ctx.InputType(idx)
		if !HasShape(inputType) {
			ctx.SetOutputType(0, TensorType(elemType, nil))
			return nil
		}
		allDims = append(allDims, Dims(inputType))
	}
	dims, err := BroadcastShapes(allDims...)
	if err != nil {
		return err
	}
	ctx.SetOutputType(0, TensorType(elemType, dims))
	return nil
}

func inferMatMul(ctx InferenceContext) error {
	elemType, err := checkInputsElemType(ctx, 0, 1)
	if err != nil {
		return err
	}
	a, b := ctx.InputType(0), ctx.InputType(1)
	if !HasShape(a) || !HasShape(b) {
		ctx.SetOutputType(0, TensorType(elemType, nil))
		return nil
	}
	dims, err := matMulDims(Dims(a), Dims(b))
	if err != nil {
		return err
	}
	ctx.SetOutputType(0, TensorType(elemType, dims))
	return nil
}

// matMulDims implements numpy.matmul shape rules: rank-1 operands are promoted (and the extra axis dropped from
// the result), batch axes are broadcast and the contracting dimensions must match.
func matMulDims(aDims, bDims []*protos.TensorShapeProto_Dimension) ([]*protos.TensorShapeProto_Dimension, error) {
	if len(aDims) == 0 || len(bDims) == 0 {
		return nil, errors.New("MatMul inputs must have rank at least 1")
	}
	aVector, bVector := len(aDims) == 1, len(bDims) == 1
	if aVector {
		aDims = []*protos.TensorShapeProto_Dimension{Dim(1), aDims[0]}
	}
	if bVector {
		bDims = []*protos.TensorShapeProto_Dimension{bDims[0], Dim(1)}
	}
	aRank, bRank := len(aDims), len(bDims)
	k1, k2 := aDims[aRank-1], bDims[bRank-2]
	if k1.HasDimValue() && k2.HasDimValue() && k1.GetDimValue() != k2.GetDimValue() {
		return nil, errors.Errorf("MatMul contracting dimensions don't match: %d and %d", k1.GetDimValue(), k2.GetDimValue())
	}
	batch, err := BroadcastShapes(aDims[:aRank-2], bDims[:bRank-2])
	if err != nil {
		return nil, errors.WithMessage(err, "MatMul batch dimensions")
	}
	dims := batch
	if !aVector {
		dims = append(dims, aDims[aRank-2].Clone())
	}
	if !bVector {
		dims = append(dims, bDims[bRank-1].Clone())
	}
	return dims, nil
}

func inferGemm(ctx InferenceContext) error {
	elemType, err := checkInputsElemType(ctx, 0, 1)
	if err != nil {
		return err
	}
	a, b := ctx.InputType(0), ctx.InputType(1)
	if !HasShape(a) || !HasShape(b) {
		ctx.SetOutputType(0, TensorType(elemType, nil))
		return nil
	}
	if Rank(a) != 2 || Rank(b) != 2 {
		return errors.Errorf("Gemm inputs must be rank 2, got ranks %d and %d", Rank(a), Rank(b))
	}
	aDims, bDims := Dims(a), Dims(b)
	m, k1 := aDims[0], aDims[1]
	if AttrInt(ctx, "transA", 0) != 0 {
		m, k1 = k1, m
	}
	k2, n := bDims[0], bDims[1]
	if AttrInt(ctx, "transB", 0) != 0 {
		k2, n = n, k2
	}
	if _, err := mergeDims(k1, k2); err != nil {
		return errors.WithMessage(err, "Gemm contracting dimensions")
	}
	ctx.SetOutputType(0, TensorType(elemType, []*protos.TensorShapeProto_Dimension{m.Clone(), n.Clone()}))
	return nil
}

func inferSoftmax(ctx InferenceContext) error {
	input := ctx.InputType(0)
	if HasShape(input) {
		if _, err := normalizeAxis(AttrInt(ctx, "axis", -1), Rank(input), false); err != nil {
			return err
		}
	}
	PropagateElemTypeAndShape(ctx, 0, 0)
	return nil
}

func inferTranspose(ctx InferenceContext) error {
	input := ctx.InputType(0)
	if !HasShape(input) {
		PropagateElemTypeAndShape(ctx, 0, 0)
		return nil
	}
	dims := Dims(input)
	rank := len(dims)
	perm := AttrInts(ctx, "perm")
	if perm == nil {
		perm = make([]int64, rank)
		for axis := range perm {
			perm[axis] = int64(rank - axis - 1)
		}
	}
	if len(perm) != rank {
		return errors.Errorf("Transpose perm %v must have one entry per axis of the rank %d input", perm, rank)
	}
	seen := make([]bool, rank)
	out := make([]*protos.TensorShapeProto_Dimension, rank)
	for ii, p := range perm {
		if p < 0 || p >= int64(rank) || seen[p] {
			return errors.Errorf("Transpose perm %v is not a permutation of the %d axes", perm, rank)
		}
		seen[p] = true
		out[ii] = dims[p].Clone()
	}
	ctx.SetOutputType(0, TensorType(ElemType(input), out))
	return nil
}

func inferReshape(ctx InferenceContext) error {
	input := ctx.InputType(0)
	elemType := ElemType(input)
	shapeData := ctx.InputData(1)
	if shapeData == nil {
		// Only the rank is known, from the length of the shape input.
		shapeDims := Dims(ctx.InputType(1))
		if len(shapeDims) == 1 && shapeDims[0].HasDimValue() {
			rank := shapeDims[0].GetDimValue()
			if rank < 0 || rank > MaxRank {
				return errors.Errorf("Reshape shape input has invalid length %d, it must be between 0 and %d", rank, MaxRank)
			}
			dims := make([]*protos.TensorShapeProto_Dimension, rank)
			for ii := range dims {
				dims[ii] = Unknown()
			}
			ctx.SetOutputType(0, TensorType(elemType, dims))
			return nil
		}
		ctx.SetOutputType(0, TensorType(elemType, nil))
		return nil
	}
	target, ok := TensorInts(shapeData)
	if !ok {
		return errors.New("Reshape shape input must be an int64 tensor")
	}
	allowZero := AttrInt(ctx, "allowzero", 0) != 0
	inputDims := Dims(input)
	inputKnown := HasShape(input)
	out := make([]*protos.TensorShapeProto_Dimension, len(target))
	inferredAxis := -1
	var knownProduct int64 = 1
	productKnown := true
	for axis, value := range target {
		switch {
		case value == 0 && !allowZero:
			if !inputKnown {
				out[axis] = Unknown()
				productKnown = false
				continue
			}
			if axis >= len(inputDims) {
				return errors.Errorf("Reshape: dimension 0 at axis %d has no corresponding input axis", axis)
			}
			out[axis] = inputDims[axis].Clone()
			if out[axis].HasDimValue() {
				knownProduct *= out[axis].GetDimValue()
			} else {
				productKnown = false
			}
		case value == -1:
			if inferredAxis >= 0 {
				return errors.New("Reshape: at most one dimension can be -1")
			}
			inferredAxis = axis
			out[axis] = Unknown()
		case value < 0:
			return errors.Errorf("Reshape: invalid dimension %d", value)
		default:
			out[axis] = Dim(value)
			knownProduct *= value
		}
	}
	if inferredAxis >= 0 && productKnown && inputKnown {
		if total := productDims(inputDims); total.HasDimValue() && knownProduct != 0 {
			if total.GetDimValue()%knownProduct != 0 {
				return errors.Errorf("Reshape: cannot infer -1 dimension, input size %d not divisible by %d",
					total.GetDimValue(), knownProduct)
			}
			out[inferredAxis] = Dim(total.GetDimValue() / knownProduct)
		}
	}
	ctx.SetOutputType(0, TensorType(elemType, out))
	return nil
}

func inferFlatten(ctx InferenceContext) error {
	input := ctx.InputType(0)
	elemType := ElemType(input)
	if !HasShape(input) {
		ctx.SetOutputType(0, TensorType(elemType, []*protos.TensorShapeProto_Dimension{Unknown(), Unknown()}))
		return nil
	}
	dims := Dims(input)
	axis, err := normalizeAxis(AttrInt(ctx, "axis", 1), len(dims), true)
	if err != nil {
		return err
	}
	ctx.SetOutputType(0, TensorType(elemType, []*protos.TensorShapeProto_Dimension{
		productDims(dims[:axis]), productDims(dims[axis:]),
	}))
	return nil
}

func inferCast(ctx InferenceContext) error {
	to := AttrInt(ctx, "to", 0)
	if to <= 0 {
		return errors.Errorf("Cast: invalid 'to' element type %d", to)
	}
	input := ctx.InputType(0)
	if !HasShape(input) {
		ctx.SetOutputType(0, TensorType(int32(to), nil))
		return nil
	}
	ctx.SetOutputType(0, TensorType(int32(to), cloneDims(Dims(input))))
	return nil
}

func inferWhere(ctx InferenceContext) error {
	if cond := ElemType(ctx.InputType(0)); cond != 0 && cond != int32(protos.TensorProto_BOOL) {
		return errors.Errorf("Where: condition must be bool, got %s", protos.TensorProto_DataType(cond))
	}
	elemType, err := checkInputsElemType(ctx, 1, 2)
	if err != nil {
		return err
	}
	return setBroadcastOutput(ctx, elemType, 0, 1, 2)
}

func inferConstant(ctx InferenceContext) error {
	if attr := ctx.Attribute("value"); attr != nil && attr.T != nil {
		ctx.SetOutputType(0, TensorType(attr.T.DataType, int64sToDims(attr.T.Dims)))
		return nil
	}
	if attr := ctx.Attribute("value_float"); attr != nil {
		ctx.SetOutputType(0, TensorType(int32(protos.TensorProto_FLOAT), []*protos.TensorShapeProto_Dimension{}))
		return nil
	}
	if attr := ctx.Attribute("value_int"); attr != nil {
		ctx.SetOutputType(0, TensorType(int32(protos.TensorProto_INT64), []*protos.TensorShapeProto_Dimension{}))
		return nil
	}
	if attr := ctx.Attribute("value_floats"); attr != nil {
		ctx.SetOutputType(0, TensorType(int32(protos.TensorProto_FLOAT), []*protos.TensorShapeProto_Dimension{Dim(int64(len(attr.Floats)))}))
		return nil
	}
	if attr := ctx.Attribute("value_ints"); attr != nil {
		ctx.SetOutputType(0, TensorType(int32(protos.TensorProto_INT64), []*protos.TensorShapeProto_Dimension{Dim(int64(len(attr.Ints)))}))
		return nil
	}
	return errors.New("Constant requires one of the value attributes")
}

func inferConcat(ctx InferenceContext) error {
	inputs := make([]int, ctx.NumInputs())
	for ii := range inputs {
		inputs[ii] = ii
	}
	elemType, err := checkInputsElemType(ctx, inputs...)
	if err != nil {
		return err
	}
	var out []*protos.TensorShapeProto_Dimension
	axis := -1
	for ii := range inputs {
		first := ii == 0
		input := ctx.InputType(ii)
		if !HasShape(input) {
			ctx.SetOutputType(0, TensorType(elemType, nil))
			return nil
		}
		dims := Dims(input)
		if first {
			axis, err = normalizeAxis(AttrInt(ctx, "axis", 0), len(dims), false)
			if err != nil {
				return err
			}
			out = cloneDims(dims)
			continue
		}
		if len(dims) != len(out) {
			return errors.Errorf("Concat: all inputs must have the same rank, input %d has rank %d, expected %d", ii, len(dims), len(out))
		}
		for jj, d := range dims {
			if jj == axis {
				out[jj] = productSum(out[jj], d)
				continue
			}
			out[jj], err = mergeDims(out[jj], d)
			if err != nil {
				return errors.WithMessagef(err, "Concat: input %d axis %d", ii, jj)
			}
		}
	}
	ctx.SetOutputType(0, TensorType(elemType, out))
	return nil
}

// productSum adds two dimensions, returning unknown if either is not a known value.
func productSum(a, b *protos.TensorShapeProto_Dimension) *protos.TensorShapeProto_Dimension {
	if a.HasDimValue() && b.HasDimValue() {
		return Dim(a.GetDimValue() + b.GetDimValue())
	}
	return Unknown()
}

func int64sToDims(values []int64) []*protos.TensorShapeProto_Dimension {
	dims := make([]*protos.TensorShapeProto_Dimension, len(values))
	for ii, v := range values {
		dims[ii] = Dim(v)
	}
	return dims
}

// TensorInts returns the values of an int64 or int32 tensor, stored either in the typed fields or as raw data.
func TensorInts(t *protos.TensorProto) ([]int64, bool) {
	switch protos.TensorProto_DataType(t.GetDataType()) {
	case protos.TensorProto_INT64:
		if t.Int64Data != nil {
			return slices.Clone(t.Int64Data), true
		}
		if len(t.RawData)%8 != 0 {
			return nil, false
		}
		values := make([]int64, len(t.RawData)/8)
		for ii := range values {
			values[ii] = int64(binary.LittleEndian.Uint64(t.RawData[8*ii:]))
		}
		return values, true
	case protos.TensorProto_INT32:
		if t.Int32Data != nil {
			values := make([]int64, len(t.Int32Data))
			for ii, v := range t.Int32Data {
				values[ii] = int64(v)
			}
			return values, true
		}
		if len(t.RawData)%4 != 0 {
			return nil, false
		}
		values := make([]int64, len(t.RawData)/4)
		for ii := range values {
			values[ii] = int64(int32(binary.LittleEndian.Uint32(t.RawData[4*ii:])))
		}
		return values, true
	}
	return nil, false
}
