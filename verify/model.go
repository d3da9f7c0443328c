package verify

import (
	"github.com/gomlx/onnx-harness/checker"
	"github.com/gomlx/onnx-harness/inference"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	// IRVersion of the single-operator test models.
	IRVersion = 6

	// ProducerName of the single-operator test models.
	ProducerName = "onnx"

	// GraphName of the single-operator test models.
	GraphName = "test-op"

	// NodeName of the single node of the test models.
	NodeName = "test_node"

	// OutputName is the name of the (only) output of the test node.
	OutputName = "Output"

	// DefaultOpsetVersion is used for the default ONNX domain.
	DefaultOpsetVersion = 13
)

type dimKind int

const (
	dimUnknown dimKind = iota
	dimValue
	dimParam
)

// Dim is one dimension of a shape descriptor: a known value, a symbolic param or unknown.
type Dim struct {
	kind  dimKind
	value int64
	param string
}

// DimValue returns a known dimension.
func DimValue(value int64) Dim { return Dim{kind: dimValue, value: value} }

// DimParam returns a symbolic dimension.
func DimParam(name string) Dim { return Dim{kind: dimParam, param: name} }

// DimUnknown returns a dimension with neither value nor param.
func DimUnknown() Dim { return Dim{} }

func (d Dim) proto() *protos.TensorShapeProto_Dimension {
	switch d.kind {
	case dimValue:
		return schema.Dim(d.value)
	case dimParam:
		return schema.Param(d.param)
	default:
		return schema.Unknown()
	}
}

// CreateValueInfo returns a tensor value descriptor. The shape is always present:
// empty dims describe a scalar.
func CreateValueInfo(name string, elemType protos.TensorProto_DataType, dims ...Dim) *protos.ValueInfoProto {
	protoDims := make([]*protos.TensorShapeProto_Dimension, len(dims))
	for ii, d := range dims {
		protoDims[ii] = d.proto()
	}
	return &protos.ValueInfoProto{Name: name, Type: schema.TensorType(int32(elemType), protoDims)}
}

// Values is a shortcut to convert known dimension values to Dims.
func Values(values ...int64) []Dim {
	dims := make([]Dim, len(values))
	for ii, v := range values {
		dims[ii] = DimValue(v)
	}
	return dims
}

// AttrInt returns an integer attribute.
func AttrInt(name string, value int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INT, I: value}
}

// AttrInts returns an integer list attribute.
func AttrInts(name string, values ...int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INTS, Ints: values}
}

// AttrFloat returns a float attribute.
func AttrFloat(name string, value float32) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_FLOAT, F: value}
}

// AttrFloats returns a float list attribute.
func AttrFloats(name string, values ...float32) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_FLOATS, Floats: values}
}

// AttrString returns a string attribute.
func AttrString(name, value string) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_STRING, S: []byte(value)}
}

// AttrTensor returns a tensor attribute.
func AttrTensor(name string, value *protos.TensorProto) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_TENSOR, T: value}
}

// BuildSingleOpModel returns a model with a single node "test_node" of the given operator,
// consuming all inputs (which are also the graph inputs) and producing "Output".
//
// The model imports domain at opsetVersion, and also the default domain if domain is the
// contrib one. Attributes and inputs are copied.
func BuildSingleOpModel(opType, domain string, opsetVersion int64, inputs []*protos.ValueInfoProto, attrs []*protos.AttributeProto) *protos.ModelProto {
	model := &protos.ModelProto{
		IrVersion:    IRVersion,
		ProducerName: ProducerName,
		OpsetImport:  []*protos.OperatorSetIdProto{{Domain: domain, Version: opsetVersion}},
	}
	if schema.NormalizeDomain(domain) == schema.ContribDomain {
		model.OpsetImport = append(model.OpsetImport, &protos.OperatorSetIdProto{Domain: "", Version: DefaultOpsetVersion})
	}
	node := &protos.NodeProto{Name: NodeName, OpType: opType, Domain: domain, Output: []string{OutputName}}
	graph := &protos.GraphProto{Name: GraphName, Node: []*protos.NodeProto{node}}
	for _, input := range inputs {
		node.Input = append(node.Input, input.Name)
		graph.Input = append(graph.Input, &protos.ValueInfoProto{Name: input.Name, Type: input.Type.Clone(), DocString: input.DocString})
	}
	for _, attr := range attrs {
		attrCopy := *attr
		node.Attribute = append(node.Attribute, &attrCopy)
	}
	model.Graph = graph
	return model
}

// InferOutput validates model with the checker, runs shape inference and returns the
// inferred type of "Output".
//
// A checker failure is returned as a *checker.ValidationError and inference is not attempted.
func InferOutput(registry *schema.Registry, model *protos.ModelProto) (*protos.TypeProto_Tensor, error) {
	if err := checker.CheckModel(model, registry); err != nil {
		return nil, err
	}
	err := inference.InferShapes(model, registry, inference.WithStrictMode(true), inference.WithDataPropagation(true))
	if err != nil {
		return nil, err
	}
	for _, vi := range model.GetGraph().GetValueInfo() {
		if vi.Name == OutputName {
			if tensorType := vi.GetType().GetTensorType(); tensorType != nil {
				return tensorType, nil
			}
		}
	}
	return nil, errors.Errorf("no type was inferred for %q", OutputName)
}

// opsetVersionFor returns the opset version used by TestShapeInference for domain.
func opsetVersionFor(domain string) int64 {
	if schema.NormalizeDomain(domain) == schema.ContribDomain {
		return 1
	}
	return DefaultOpsetVersion
}

// TestShapeInference builds a single-operator model, runs the checker and shape inference on it
// and compares the inferred output with expected.
//
// Checker or inference failures are fatal (t.FailNow). Shape differences are all reported,
// as non-fatal failures, and so is an element type mismatch.
func TestShapeInference(t require.TestingT, registry *schema.Registry, opType, domain string,
	inputs []*protos.ValueInfoProto, attrs []*protos.AttributeProto, expected *protos.ValueInfoProto) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	model := BuildSingleOpModel(opType, domain, opsetVersionFor(domain), inputs, attrs)
	inferred, err := InferOutput(registry, model)
	if err != nil {
		t.Errorf("shape inference of %s failed: %+v", opType, err)
		t.FailNow()
		return
	}
	expectedType := expected.GetType().GetTensorType()
	assert.Equal(t, protos.TensorProto_DataType(expectedType.GetElemType()), protos.TensorProto_DataType(inferred.GetElemType()),
		"element type of %s output", opType)
	CheckShapeEquality(t, expectedType.GetShape(), inferred.GetShape())
}

// TestContribShapeInference is TestShapeInference for operators of the "com.microsoft" domain.
func TestContribShapeInference(t require.TestingT, registry *schema.Registry, opType string,
	inputs []*protos.ValueInfoProto, attrs []*protos.AttributeProto, expected *protos.ValueInfoProto) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	TestShapeInference(t, registry, opType, schema.ContribDomain, inputs, attrs, expected)
}
