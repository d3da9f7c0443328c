package schema

import (
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

func contribSchemas() []*OpSchema {
	schemas := []*OpSchema{
		{
			Name:      "FusedMatMul",
			MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{
				{Name: "alpha", Type: protos.AttributeProto_FLOAT},
				{Name: "transA", Type: protos.AttributeProto_INT},
				{Name: "transB", Type: protos.AttributeProto_INT},
				{Name: "transBatchA", Type: protos.AttributeProto_INT},
				{Name: "transBatchB", Type: protos.AttributeProto_INT},
			},
			Doc:       "alpha * MatMul(A', B'), where ' optionally transposes the last two axes.",
			Inference: inferFusedMatMul,
		},
		{
			Name:      "Gelu",
			MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Inference: inferUnary,
		},
		{
			Name:      "FastGelu",
			MinInputs: 1, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
			Doc:       "Gelu with the tanh approximation, with an optional bias added to the input.",
			Inference: inferUnary,
		},
		{
			Name:      "BiasGelu",
			MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
			Inference: inferUnary,
		},
		{
			Name:      "QuickGelu",
			MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
			Attributes: []AttrSpec{{Name: "alpha", Type: protos.AttributeProto_FLOAT}},
			Inference:  inferUnary,
		},
		{
			Name:      "SkipLayerNormalization",
			MinInputs: 3, MaxInputs: 5, MinOutputs: 1, MaxOutputs: 4,
			Attributes: []AttrSpec{{Name: "epsilon", Type: protos.AttributeProto_FLOAT}},
			Doc:        "LayerNormalization(input + skip + bias). Optional outputs: mean, inverse std. variance and the sum.",
			Inference:  inferSkipLayerNormalization,
		},
		{
			Name:      "Attention",
			MinInputs: 1, MaxInputs: 7, MinOutputs: 1, MaxOutputs: 2,
			Attributes: []AttrSpec{
				{Name: "num_heads", Type: protos.AttributeProto_INT, Required: true},
				{Name: "qkv_hidden_sizes", Type: protos.AttributeProto_INTS},
				{Name: "unidirectional", Type: protos.AttributeProto_INT},
				{Name: "mask_filter_value", Type: protos.AttributeProto_FLOAT},
				{Name: "scale", Type: protos.AttributeProto_FLOAT},
			},
			Doc:       "Multi-head self attention: input [batch, sequence, input_hidden] to [batch, sequence, v_hidden].",
			Inference: inferAttention,
		},
	}
	for _, s := range schemas {
		s.Domain = ContribDomain
		s.SinceVersion = 1
	}
	return schemas
}

func inferFusedMatMul(ctx InferenceContext) error {
	elemType, err := checkInputsElemType(ctx, 0, 1)
	if err != nil {
		return err
	}
	a, b := ctx.InputType(0), ctx.InputType(1)
	if !HasShape(a) || !HasShape(b) {
		ctx.SetOutputType(0, TensorType(elemType, nil))
		return nil
	}
	aDims, bDims := cloneDims(Dims(a)), cloneDims(Dims(b))
	if AttrInt(ctx, "transA", 0) != 0 {
		if len(aDims) < 2 {
			return errors.New("FusedMatMul: transA requires A of rank at least 2")
		}
		aDims[len(aDims)-1], aDims[len(aDims)-2] = aDims[len(aDims)-2], aDims[len(aDims)-1]
	}
	if AttrInt(ctx, "transB", 0) != 0 {
		if len(bDims) < 2 {
			return errors.New("FusedMatMul: transB requires B of rank at least 2")
		}
		bDims[len(bDims)-1], bDims[len(bDims)-2] = bDims[len(bDims)-2], bDims[len(bDims)-1]
	}
	dims, err := matMulDims(aDims, bDims)
	if err != nil {
		return err
	}
	ctx.SetOutputType(0, TensorType(elemType, dims))
	return nil
}

func inferSkipLayerNormalization(ctx InferenceContext) error {
	elemType, err := checkInputsElemType(ctx, 0, 1)
	if err != nil {
		return err
	}
	input := ctx.InputType(0)
	if !HasShape(input) {
		ctx.SetOutputType(0, TensorType(elemType, nil))
		return nil
	}
	dims := Dims(input)
	if len(dims) != 3 {
		return errors.Errorf("SkipLayerNormalization: input must be rank 3 [batch, sequence, hidden], got rank %d", len(dims))
	}
	if skip := ctx.InputType(1); HasShape(skip) {
		if _, err := BroadcastShapes(dims, Dims(skip)); err != nil {
			return errors.WithMessage(err, "SkipLayerNormalization: skip doesn't broadcast to input")
		}
	}
	if gamma := ctx.InputType(2); HasShape(gamma) {
		gammaDims := Dims(gamma)
		if len(gammaDims) != 1 {
			return errors.Errorf("SkipLayerNormalization: gamma must be rank 1, got rank %d", len(gammaDims))
		}
		if _, err := mergeDims(gammaDims[0], dims[2]); err != nil {
			return errors.WithMessage(err, "SkipLayerNormalization: gamma and hidden size")
		}
	}
	ctx.SetOutputType(0, TensorType(elemType, cloneDims(dims)))
	// Mean and inverse standard variance are float, with the hidden axis reduced to 1.
	statsDims := []*protos.TensorShapeProto_Dimension{dims[0].Clone(), dims[1].Clone(), Dim(1)}
	if ctx.NumOutputs() > 1 {
		ctx.SetOutputType(1, TensorType(int32(protos.TensorProto_FLOAT), statsDims))
	}
	if ctx.NumOutputs() > 2 {
		ctx.SetOutputType(2, TensorType(int32(protos.TensorProto_FLOAT), cloneDims(statsDims)))
	}
	if ctx.NumOutputs() > 3 {
		ctx.SetOutputType(3, TensorType(elemType, cloneDims(dims)))
	}
	return nil
}

func inferAttention(ctx InferenceContext) error {
	numHeads := AttrInt(ctx, "num_heads", 0)
	if numHeads <= 0 {
		return errors.Errorf("Attention: num_heads must be positive, got %d", numHeads)
	}
	input := ctx.InputType(0)
	elemType := ElemType(input)
	if !HasShape(input) {
		ctx.SetOutputType(0, TensorType(elemType, nil))
		return nil
	}
	dims := Dims(input)
	if len(dims) != 3 {
		return errors.Errorf("Attention: input must be rank 3 [batch, sequence, hidden], got rank %d", len(dims))
	}

	// Hidden size of V: from qkv_hidden_sizes, or a third of the bias (or weights) size.
	hidden := Unknown()
	if sizes := AttrInts(ctx, "qkv_hidden_sizes"); len(sizes) > 0 {
		if len(sizes) != 3 {
			return errors.Errorf("Attention: qkv_hidden_sizes must have 3 values, got %v", sizes)
		}
		hidden = Dim(sizes[2])
	} else if bias := ctx.InputType(2); HasShape(bias) && Rank(bias) == 1 {
		if d := Dims(bias)[0]; d.HasDimValue() {
			if d.GetDimValue()%3 != 0 {
				return errors.Errorf("Attention: bias size %d is not divisible by 3", d.GetDimValue())
			}
			hidden = Dim(d.GetDimValue() / 3)
		}
	} else if weights := ctx.InputType(1); HasShape(weights) && Rank(weights) == 2 {
		if d := Dims(weights)[1]; d.HasDimValue() && d.GetDimValue()%3 == 0 {
			hidden = Dim(d.GetDimValue() / 3)
		}
	}
	if hidden.HasDimValue() && hidden.GetDimValue()%numHeads != 0 {
		return errors.Errorf("Attention: hidden size %d is not divisible by num_heads %d", hidden.GetDimValue(), numHeads)
	}
	ctx.SetOutputType(0, TensorType(elemType, []*protos.TensorShapeProto_Dimension{dims[0].Clone(), dims[1].Clone(), hidden}))
	return nil
}
