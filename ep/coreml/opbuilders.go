package coreml

import (
	"math"
	"slices"

	"github.com/gomlx/go-coreml/model"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// maxRank is the highest tensor rank the provider claims.
const maxRank = 5

// OpBuilder checks whether a node can run on CoreML and lowers it to the MIL program.
type OpBuilder interface {
	// IsSupported returns "" if the node can be claimed, or the reason why it can't.
	IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string

	// Lower adds the node's computation to the program being built.
	Lower(l *lowering, node *protos.NodeProto) error
}

// opBuilders by ONNX op type (default domain only).
var opBuilders = map[string]OpBuilder{
	"Add": binaryOp((*model.Builder).Add),
	"Sub": binaryOp((*model.Builder).Sub),
	"Mul": binaryOp((*model.Builder).Mul),
	"Div": binaryOp((*model.Builder).Div),

	"Relu":     unaryOp((*model.Builder).Relu),
	"Sigmoid":  unaryOp((*model.Builder).Sigmoid),
	"Tanh":     unaryOp((*model.Builder).Tanh),
	"Exp":      unaryOp((*model.Builder).Exp),
	"Log":      unaryOp((*model.Builder).Log),
	"Sqrt":     unaryOp((*model.Builder).Sqrt),
	"Abs":      unaryOp((*model.Builder).Abs),
	"Neg":      unaryOp((*model.Builder).Neg),
	"Identity": identityOp{},

	"MatMul":    matMulOp{},
	"Gemm":      gemmOp{},
	"Softmax":   softmaxOp{},
	"Transpose": transposeOp{},
	"Reshape":   reshapeOp{},
	"Flatten":   reshapeOp{},
}

// SupportedOps returns the sorted op types the provider can claim.
func SupportedOps() []string {
	ops := make([]string, 0, len(opBuilders))
	for op := range opBuilders {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// checkTensors returns "" if all the named values (empty names are skipped) have static shapes of a
// supported element type and rank.
func checkTensors(view *ep.GraphView, flags Flags, names ...string) string {
	for _, name := range names {
		if reason := checkTensor(view, flags, name, maxRank); reason != "" {
			return reason
		}
	}
	return ""
}

func checkTensor(view *ep.GraphView, flags Flags, name string, rankLimit int) string {
	if name == "" {
		return ""
	}
	dims, elemType, ok := view.StaticDims(name)
	if !ok {
		return "dynamic or unknown shape of " + name
	}
	if len(dims) > rankLimit {
		return "rank too high for " + name
	}
	switch elemType {
	case protos.TensorProto_FLOAT:
	case protos.TensorProto_FLOAT16:
		if !flags.Has(FlagUseFP16) {
			return "float16 " + name + " requires FlagUseFP16"
		}
	default:
		return "unsupported element type " + elemType.String() + " of " + name
	}
	return ""
}

func checkNodeTensors(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	return checkTensors(view, flags, append(slices.Clone(node.Input), node.Output...)...)
}

type binaryFn func(b *model.Builder, x, y *model.Value) *model.Value

type binaryOp binaryFn

func (op binaryOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	return checkNodeTensors(view, node, flags)
}

func (op binaryOp) Lower(l *lowering, node *protos.NodeProto) error {
	x, y, err := l.value2(node.Input[0], node.Input[1])
	if err != nil {
		return err
	}
	l.set(node.Output[0], binaryFn(op)(l.b, x, y))
	return nil
}

type unaryFn func(b *model.Builder, x *model.Value) *model.Value

type unaryOp unaryFn

func (op unaryOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	return checkNodeTensors(view, node, flags)
}

func (op unaryOp) Lower(l *lowering, node *protos.NodeProto) error {
	x, err := l.value(node.Input[0])
	if err != nil {
		return err
	}
	l.set(node.Output[0], unaryFn(op)(l.b, x))
	return nil
}

type identityOp struct{}

func (identityOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	return checkNodeTensors(view, node, flags)
}

func (identityOp) Lower(l *lowering, node *protos.NodeProto) error {
	x, err := l.value(node.Input[0])
	if err != nil {
		return err
	}
	l.set(node.Output[0], x)
	return nil
}

type matMulOp struct{}

func (matMulOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	if reason := checkNodeTensors(view, node, flags); reason != "" {
		return reason
	}
	for _, input := range node.Input {
		if dims, _, _ := view.StaticDims(input); len(dims) < 2 {
			return "MatMul operands must have rank >= 2"
		}
	}
	return ""
}

func (matMulOp) Lower(l *lowering, node *protos.NodeProto) error {
	x, y, err := l.value2(node.Input[0], node.Input[1])
	if err != nil {
		return err
	}
	l.set(node.Output[0], l.b.MatMul(x, y))
	return nil
}

// gemmOp lowers Y = alpha * A' * B' + beta * C, with 2-D A and B. When B is a transposed
// initializer and alpha and beta are 1, it is lowered as one fused linear op.
type gemmOp struct{}

func (gemmOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	if reason := checkNodeTensors(view, node, flags); reason != "" {
		return reason
	}
	for _, input := range node.Input[:2] {
		if dims, _, _ := view.StaticDims(input); len(dims) != 2 {
			return "Gemm operands A and B must be 2-D"
		}
	}
	return ""
}

func (gemmOp) Lower(l *lowering, node *protos.NodeProto) error {
	transA := intAttr(node, "transA", 0) != 0
	transB := intAttr(node, "transB", 0) != 0
	alpha := floatAttr(node, "alpha", 1)
	beta := floatAttr(node, "beta", 1)
	hasBias := len(node.Input) > 2 && node.Input[2] != ""

	a, b, err := l.value2(node.Input[0], node.Input[1])
	if err != nil {
		return err
	}
	var c *model.Value
	if hasBias {
		if c, err = l.value(node.Input[2]); err != nil {
			return err
		}
	}

	if !transA && transB && alpha == 1 && beta == 1 && l.view.Initializer(node.Input[1]) != nil &&
		(!hasBias || len(c.Shape()) == 1) {
		l.set(node.Output[0], l.b.Linear(a, b, c))
		return nil
	}
	y := l.b.MatMulTranspose(a, b, transA, transB)
	if alpha != 1 {
		y = l.b.Mul(y, l.scalar(alpha))
	}
	if hasBias {
		if beta != 1 {
			c = l.b.Mul(c, l.scalar(beta))
		}
		y = l.b.Add(y, c)
	}
	l.set(node.Output[0], y)
	return nil
}

type softmaxOp struct{}

func (softmaxOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	if reason := checkNodeTensors(view, node, flags); reason != "" {
		return reason
	}
	dims, _, _ := view.StaticDims(node.Input[0])
	axis := intAttr(node, "axis", softmaxDefaultAxis(view))
	if axis < -int64(len(dims)) || axis >= int64(len(dims)) {
		return "Softmax axis out of range"
	}
	if view.OpsetVersion("") < 13 {
		// Older versions flatten the input to 2-D around axis.
		if axis < 0 {
			axis += int64(len(dims))
		}
		if axis != int64(len(dims))-1 {
			return "Softmax before opset 13 is only supported on the last axis"
		}
	}
	return ""
}

func (softmaxOp) Lower(l *lowering, node *protos.NodeProto) error {
	x, err := l.value(node.Input[0])
	if err != nil {
		return err
	}
	axis := intAttr(node, "axis", softmaxDefaultAxis(l.view))
	if axis < 0 {
		axis += int64(len(x.Shape()))
	}
	l.set(node.Output[0], l.b.Softmax(x, int(axis)))
	return nil
}

func softmaxDefaultAxis(view *ep.GraphView) int64 {
	if view.OpsetVersion("") < 13 {
		return 1
	}
	return -1
}

type transposeOp struct{}

func (transposeOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	return checkNodeTensors(view, node, flags)
}

func (transposeOp) Lower(l *lowering, node *protos.NodeProto) error {
	x, err := l.value(node.Input[0])
	if err != nil {
		return err
	}
	perm := intsAttr(node, "perm")
	if perm == nil {
		// Default reverses the axes.
		rank := len(x.Shape())
		perm = make([]int64, rank)
		for ii := range perm {
			perm[ii] = int64(rank - 1 - ii)
		}
	}
	l.set(node.Output[0], l.b.Transpose(x, perm))
	return nil
}

// reshapeOp handles Reshape and Flatten, using the output shape given by shape inference.
//
// A reshape can be skipped (claimed as a view of its input, even if its input has a rank the
// provider wouldn't otherwise accept) when its output is 2-D and feeds only Gemm or MatMul nodes,
// which consume it as a matrix.
type reshapeOp struct{}

func (reshapeOp) IsSupported(view *ep.GraphView, node *protos.NodeProto, flags Flags) string {
	if node.OpType == "Reshape" && len(node.Input) > 1 && view.Initializer(node.Input[1]) == nil &&
		view.Producer(node.Input[1]) >= 0 {
		return "Reshape shape must be constant"
	}
	if CanSkipReshape(view, node) {
		if reason := checkTensor(view, flags, node.Input[0], math.MaxInt); reason != "" {
			return reason
		}
		return checkTensors(view, flags, node.Output[0])
	}
	return checkTensors(view, flags, node.Input[0], node.Output[0])
}

func (reshapeOp) Lower(l *lowering, node *protos.NodeProto) error {
	x, err := l.value(node.Input[0])
	if err != nil {
		return err
	}
	dims, _, ok := l.view.StaticDims(node.Output[0])
	if !ok {
		return errors.Errorf("%s node %q output shape unknown", node.OpType, node.Name)
	}
	l.set(node.Output[0], l.b.Reshape(x, dims))
	return nil
}

// CanSkipReshape returns whether the Reshape or Flatten node outputs a 2-D tensor consumed only by
// Gemm (as its A operand) or MatMul nodes. Graph outputs can't be skipped.
func CanSkipReshape(view *ep.GraphView, node *protos.NodeProto) bool {
	if node.OpType != "Reshape" && node.OpType != "Flatten" {
		return false
	}
	output := node.Output[0]
	if view.IsGraphOutput(output) {
		return false
	}
	dims, _, ok := view.StaticDims(output)
	if !ok || len(dims) != 2 {
		return false
	}
	consumers := view.Consumers(output)
	if len(consumers) == 0 {
		return false
	}
	for _, idx := range consumers {
		consumer := view.Node(idx)
		switch consumer.OpType {
		case "MatMul":
		case "Gemm":
			if consumer.Input[0] != output {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func findAttr(node *protos.NodeProto, name string) *protos.AttributeProto {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

func intAttr(node *protos.NodeProto, name string, defaultValue int64) int64 {
	if attr := findAttr(node, name); attr != nil {
		return attr.I
	}
	return defaultValue
}

func floatAttr(node *protos.NodeProto, name string, defaultValue float32) float32 {
	if attr := findAttr(node, name); attr != nil {
		return attr.F
	}
	return defaultValue
}

func intsAttr(node *protos.NodeProto, name string) []int64 {
	if attr := findAttr(node, name); attr != nil {
		return attr.Ints
	}
	return nil
}
