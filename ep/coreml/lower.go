package coreml

import (
	"fmt"
	"strings"

	"github.com/gomlx/go-coreml/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Lowered is a partition converted to a CoreML MIL program.
//
// The program inputs and outputs are always float32: with FlagUseFP16 the computation is
// done in float16, with casts added at the boundaries.
type Lowered struct {
	Partition *ep.Partition
	Flags     Flags
	Builder   *model.Builder

	// InputFeatures and OutputFeatures are the MIL names of the partition inputs and outputs.
	InputFeatures, OutputFeatures []string

	InputDims, OutputDims [][]int64

	// OutputTypes are the ONNX element types of the outputs.
	OutputTypes []protos.TensorProto_DataType
}

// lowering holds the state while lowering a partition.
type lowering struct {
	view        *ep.GraphView
	b           *model.Builder
	computeType model.DType
	values      map[string]*model.Value
	numScalars  int
}

// Lower converts the partition nodes to a MIL program.
func Lower(partition *ep.Partition, flags Flags) (*Lowered, error) {
	view := partition.View
	l := &lowering{
		view:        view,
		b:           model.NewBuilder("main"),
		computeType: model.Float32,
		values:      make(map[string]*model.Value),
	}
	if flags.Has(FlagUseFP16) {
		l.computeType = model.Float16
	}
	lowered := &Lowered{Partition: partition, Flags: flags, Builder: l.b}

	for _, name := range partition.Inputs {
		dims, _, ok := view.StaticDims(name)
		if !ok {
			return nil, errors.Errorf("CoreML: partition input %q has no static shape", name)
		}
		feature := featureName(name)
		l.set(name, l.toCompute(l.b.Input(feature, model.Float32, dims...)))
		lowered.InputFeatures = append(lowered.InputFeatures, feature)
		lowered.InputDims = append(lowered.InputDims, dims)
	}

	for _, node := range partition.Nodes() {
		builder, found := opBuilders[node.OpType]
		if !found || schema.NormalizeDomain(node.Domain) != "" {
			return nil, errors.Errorf("CoreML: op %s not supported", node.OpType)
		}
		if err := builder.Lower(l, node); err != nil {
			return nil, errors.WithMessagef(err, "CoreML: lowering node %q (%s)", node.Name, node.OpType)
		}
		if err := l.b.Err(); err != nil {
			return nil, errors.Wrapf(err, "CoreML: lowering node %q (%s)", node.Name, node.OpType)
		}
	}

	for _, name := range partition.Outputs {
		v, err := l.value(name)
		if err != nil {
			return nil, err
		}
		if l.computeType != model.Float32 {
			v = l.b.Cast(v, model.Float32)
		}
		feature := featureName(name)
		l.b.Output(feature, v)
		dims, elemType, _ := view.StaticDims(name)
		lowered.OutputFeatures = append(lowered.OutputFeatures, feature)
		lowered.OutputDims = append(lowered.OutputDims, dims)
		lowered.OutputTypes = append(lowered.OutputTypes, elemType)
	}
	if err := l.b.Err(); err != nil {
		return nil, errors.Wrap(err, "CoreML: building program outputs")
	}
	return lowered, nil
}

// featureName converts an ONNX value name to a MIL identifier. The prefix avoids clashes with
// the names generated by the builder.
func featureName(name string) string {
	var sb strings.Builder
	sb.WriteString("v_")
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			fmt.Fprintf(&sb, "_%x_", r)
		}
	}
	return sb.String()
}

func (l *lowering) set(name string, v *model.Value) {
	l.values[name] = v
}

func (l *lowering) toCompute(v *model.Value) *model.Value {
	if v.DType() == l.computeType {
		return v
	}
	return l.b.Cast(v, l.computeType)
}

// value returns the lowered value, converting initializers to constants on first use.
func (l *lowering) value(name string) (*model.Value, error) {
	if v, found := l.values[name]; found {
		return v, nil
	}
	initializer := l.view.Initializer(name)
	if initializer == nil {
		return nil, errors.Errorf("CoreML: value %q not available in the partition", name)
	}
	t, err := onnx.TensorToGoMLX(initializer)
	if err != nil {
		return nil, errors.WithMessagef(err, "CoreML: converting initializer %q", name)
	}
	data, err := float32Data(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "CoreML: initializer %q", name)
	}
	dims := make([]int64, len(t.Shape().Dimensions))
	for ii, d := range t.Shape().Dimensions {
		dims[ii] = int64(d)
	}
	v := l.toCompute(l.b.Const(featureName(name), model.Float32, dims, data))
	l.set(name, v)
	return v, nil
}

func (l *lowering) value2(name0, name1 string) (*model.Value, *model.Value, error) {
	v0, err := l.value(name0)
	if err != nil {
		return nil, nil, err
	}
	v1, err := l.value(name1)
	if err != nil {
		return nil, nil, err
	}
	return v0, v1, nil
}

// scalar returns a constant in the computation type.
func (l *lowering) scalar(v float32) *model.Value {
	l.numScalars++
	return l.toCompute(l.b.Const(fmt.Sprintf("scalar_const_%d", l.numScalars), model.Float32, []int64{}, []float32{v}))
}

// float32Data returns the flat data of a float32 or float16 tensor as float32.
func float32Data(t *tensors.Tensor) ([]float32, error) {
	switch t.DType() {
	case dtypes.Float32:
		return tensors.MustCopyFlatData[float32](t), nil
	case dtypes.Float16:
		halves := tensors.MustCopyFlatData[float16.Float16](t)
		data := make([]float32, len(halves))
		for ii, h := range halves {
			data[ii] = h.Float32()
		}
		return data, nil
	default:
		return nil, errors.Errorf("dtype %s not supported, only float32 and float16", t.DType())
	}
}

// fromFloat32Data creates a tensor of the ONNX element type (float32 or float16) from float32 data.
func fromFloat32Data(data []float32, dims []int64, elemType protos.TensorProto_DataType) *tensors.Tensor {
	intDims := make([]int, len(dims))
	for ii, d := range dims {
		intDims[ii] = int(d)
	}
	if elemType == protos.TensorProto_FLOAT16 {
		halves := make([]float16.Float16, len(data))
		for ii, v := range data {
			halves[ii] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(halves, intDims...)
	}
	return tensors.FromFlatDataAndDimensions(data, intDims...)
}
