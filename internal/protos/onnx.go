// Package protos holds the ONNX intermediate representation messages (the subset used by this module)
// and their binary protobuf encoding.
//
// Type, field and enum names follow the ones generated by protoc-gen-go for onnx.proto, so code written against
// the generated bindings reads the same. Field numbers match onnx.proto, so files are interchangeable with
// any other ONNX tool.
package protos

import "fmt"

// TensorProto_DataType enumerates the ONNX tensor element types.
type TensorProto_DataType int32

const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
)

var TensorProto_DataType_name = map[int32]string{
	0:  "UNDEFINED",
	1:  "FLOAT",
	2:  "UINT8",
	3:  "INT8",
	4:  "UINT16",
	5:  "INT16",
	6:  "INT32",
	7:  "INT64",
	8:  "STRING",
	9:  "BOOL",
	10: "FLOAT16",
	11: "DOUBLE",
	12: "UINT32",
	13: "UINT64",
	14: "COMPLEX64",
	15: "COMPLEX128",
	16: "BFLOAT16",
}

func (x TensorProto_DataType) String() string {
	if name, found := TensorProto_DataType_name[int32(x)]; found {
		return name
	}
	return fmt.Sprintf("TensorProto_DataType(%d)", int32(x))
}

// TensorProto_DataLocation tells where the tensor data is stored.
type TensorProto_DataLocation int32

const (
	TensorProto_DEFAULT  TensorProto_DataLocation = 0
	TensorProto_EXTERNAL TensorProto_DataLocation = 1
)

// AttributeProto_AttributeType enumerates the kinds of node attributes.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
	AttributeProto_TENSORS   AttributeProto_AttributeType = 9
	AttributeProto_GRAPHS    AttributeProto_AttributeType = 10
)

var AttributeProto_AttributeType_name = map[int32]string{
	0:  "UNDEFINED",
	1:  "FLOAT",
	2:  "INT",
	3:  "STRING",
	4:  "TENSOR",
	5:  "GRAPH",
	6:  "FLOATS",
	7:  "INTS",
	8:  "STRINGS",
	9:  "TENSORS",
	10: "GRAPHS",
}

func (x AttributeProto_AttributeType) String() string {
	if name, found := AttributeProto_AttributeType_name[int32(x)]; found {
		return name
	}
	return fmt.Sprintf("AttributeProto_AttributeType(%d)", int32(x))
}

// ModelProto is the top-level ONNX container: versions, opset imports and the main graph.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
}

func (x *ModelProto) GetIrVersion() int64 {
	if x != nil {
		return x.IrVersion
	}
	return 0
}

func (x *ModelProto) GetOpsetImport() []*OperatorSetIdProto {
	if x != nil {
		return x.OpsetImport
	}
	return nil
}

func (x *ModelProto) GetGraph() *GraphProto {
	if x != nil {
		return x.Graph
	}
	return nil
}

// OperatorSetIdProto declares the version of an operator set (domain) used by a model.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

func (x *OperatorSetIdProto) GetDomain() string {
	if x != nil {
		return x.Domain
	}
	return ""
}

func (x *OperatorSetIdProto) GetVersion() int64 {
	if x != nil {
		return x.Version
	}
	return 0
}

// StringStringEntryProto is a key/value pair, used for metadata and external data locations.
type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto is a computation graph: nodes in topological order, initializers and typed inputs/outputs.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

func (x *GraphProto) GetNode() []*NodeProto {
	if x != nil {
		return x.Node
	}
	return nil
}

func (x *GraphProto) GetName() string {
	if x != nil {
		return x.Name
	}
	return ""
}

func (x *GraphProto) GetInitializer() []*TensorProto {
	if x != nil {
		return x.Initializer
	}
	return nil
}

func (x *GraphProto) GetInput() []*ValueInfoProto {
	if x != nil {
		return x.Input
	}
	return nil
}

func (x *GraphProto) GetOutput() []*ValueInfoProto {
	if x != nil {
		return x.Output
	}
	return nil
}

func (x *GraphProto) GetValueInfo() []*ValueInfoProto {
	if x != nil {
		return x.ValueInfo
	}
	return nil
}

// NodeProto is one operator invocation.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

func (x *NodeProto) GetName() string {
	if x != nil {
		return x.Name
	}
	return ""
}

func (x *NodeProto) GetOpType() string {
	if x != nil {
		return x.OpType
	}
	return ""
}

func (x *NodeProto) GetDomain() string {
	if x != nil {
		return x.Domain
	}
	return ""
}

func (x *NodeProto) GetInput() []string {
	if x != nil {
		return x.Input
	}
	return nil
}

func (x *NodeProto) GetOutput() []string {
	if x != nil {
		return x.Output
	}
	return nil
}

func (x *NodeProto) GetAttribute() []*AttributeProto {
	if x != nil {
		return x.Attribute
	}
	return nil
}

// AttributeProto is a named node attribute. Only the field selected by Type is meaningful.
type AttributeProto struct {
	Name      string
	DocString string
	Type      AttributeProto_AttributeType
	F         float32
	I         int64
	S         []byte
	T         *TensorProto
	G         *GraphProto
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	Tensors   []*TensorProto
}

func (x *AttributeProto) GetName() string {
	if x != nil {
		return x.Name
	}
	return ""
}

func (x *AttributeProto) GetType() AttributeProto_AttributeType {
	if x != nil {
		return x.Type
	}
	return AttributeProto_UNDEFINED
}

func (x *AttributeProto) GetI() int64 {
	if x != nil {
		return x.I
	}
	return 0
}

func (x *AttributeProto) GetF() float32 {
	if x != nil {
		return x.F
	}
	return 0
}

func (x *AttributeProto) GetInts() []int64 {
	if x != nil {
		return x.Ints
	}
	return nil
}

func (x *AttributeProto) GetT() *TensorProto {
	if x != nil {
		return x.T
	}
	return nil
}

// ValueInfoProto describes a named value: its type and (optionally) its shape.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

func (x *ValueInfoProto) GetName() string {
	if x != nil {
		return x.Name
	}
	return ""
}

func (x *ValueInfoProto) GetType() *TypeProto {
	if x != nil {
		return x.Type
	}
	return nil
}

// TypeProto is the type of a value. Only tensor types are supported.
type TypeProto struct {
	// Types that are assignable to Value:
	//
	//	*TypeProto_TensorType
	Value      isTypeProto_Value
	Denotation string
}

type isTypeProto_Value interface {
	isTypeProto_Value()
}

// TypeProto_TensorType is the tensor variant of TypeProto.Value.
type TypeProto_TensorType struct {
	TensorType *TypeProto_Tensor
}

func (*TypeProto_TensorType) isTypeProto_Value() {}

func (x *TypeProto) GetValue() isTypeProto_Value {
	if x != nil {
		return x.Value
	}
	return nil
}

func (x *TypeProto) GetTensorType() *TypeProto_Tensor {
	if x, ok := x.GetValue().(*TypeProto_TensorType); ok {
		return x.TensorType
	}
	return nil
}

// Clone returns a deep copy of the type.
func (x *TypeProto) Clone() *TypeProto {
	if x == nil {
		return nil
	}
	c := &TypeProto{Denotation: x.Denotation}
	if tt := x.GetTensorType(); tt != nil {
		c.Value = &TypeProto_TensorType{TensorType: tt.Clone()}
	}
	return c
}

// TypeProto_Tensor is a tensor type: element type plus an optional shape.
// A nil Shape means the rank is unknown.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

func (x *TypeProto_Tensor) GetElemType() int32 {
	if x != nil {
		return x.ElemType
	}
	return 0
}

func (x *TypeProto_Tensor) GetShape() *TensorShapeProto {
	if x != nil {
		return x.Shape
	}
	return nil
}

// Clone returns a deep copy of the tensor type.
func (x *TypeProto_Tensor) Clone() *TypeProto_Tensor {
	if x == nil {
		return nil
	}
	return &TypeProto_Tensor{ElemType: x.ElemType, Shape: x.Shape.Clone()}
}

// TensorShapeProto is an ordered list of dimensions.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

func (x *TensorShapeProto) GetDim() []*TensorShapeProto_Dimension {
	if x != nil {
		return x.Dim
	}
	return nil
}

// Clone returns a deep copy of the shape.
func (x *TensorShapeProto) Clone() *TensorShapeProto {
	if x == nil {
		return nil
	}
	c := &TensorShapeProto{Dim: make([]*TensorShapeProto_Dimension, len(x.Dim))}
	for ii, d := range x.Dim {
		c.Dim[ii] = d.Clone()
	}
	return c
}

// TensorShapeProto_Dimension holds either a concrete value, a symbolic parameter or nothing (unknown).
type TensorShapeProto_Dimension struct {
	// Types that are assignable to Value:
	//
	//	*TensorShapeProto_Dimension_DimValue
	//	*TensorShapeProto_Dimension_DimParam
	Value      isTensorShapeProto_Dimension_Value
	Denotation string
}

type isTensorShapeProto_Dimension_Value interface {
	isTensorShapeProto_Dimension_Value()
}

type TensorShapeProto_Dimension_DimValue struct {
	DimValue int64
}

type TensorShapeProto_Dimension_DimParam struct {
	DimParam string
}

func (*TensorShapeProto_Dimension_DimValue) isTensorShapeProto_Dimension_Value() {}
func (*TensorShapeProto_Dimension_DimParam) isTensorShapeProto_Dimension_Value() {}

func (x *TensorShapeProto_Dimension) GetValue() isTensorShapeProto_Dimension_Value {
	if x != nil {
		return x.Value
	}
	return nil
}

func (x *TensorShapeProto_Dimension) GetDimValue() int64 {
	if x, ok := x.GetValue().(*TensorShapeProto_Dimension_DimValue); ok {
		return x.DimValue
	}
	return 0
}

func (x *TensorShapeProto_Dimension) GetDimParam() string {
	if x, ok := x.GetValue().(*TensorShapeProto_Dimension_DimParam); ok {
		return x.DimParam
	}
	return ""
}

// HasDimValue reports whether the dimension holds a concrete value.
func (x *TensorShapeProto_Dimension) HasDimValue() bool {
	_, ok := x.GetValue().(*TensorShapeProto_Dimension_DimValue)
	return ok
}

// HasDimParam reports whether the dimension holds a symbolic parameter.
func (x *TensorShapeProto_Dimension) HasDimParam() bool {
	_, ok := x.GetValue().(*TensorShapeProto_Dimension_DimParam)
	return ok
}

// Clone returns a copy of the dimension.
func (x *TensorShapeProto_Dimension) Clone() *TensorShapeProto_Dimension {
	if x == nil {
		return nil
	}
	c := &TensorShapeProto_Dimension{Denotation: x.Denotation}
	switch v := x.Value.(type) {
	case *TensorShapeProto_Dimension_DimValue:
		c.Value = &TensorShapeProto_Dimension_DimValue{DimValue: v.DimValue}
	case *TensorShapeProto_Dimension_DimParam:
		c.Value = &TensorShapeProto_Dimension_DimParam{DimParam: v.DimParam}
	}
	return c
}

// TensorProto holds a tensor value: in one of the typed data fields, in RawData (little-endian),
// or in an external file (DataLocation == TensorProto_EXTERNAL).
type TensorProto struct {
	Dims         []int64
	DataType     int32
	FloatData    []float32
	Int32Data    []int32
	StringData   [][]byte
	Int64Data    []int64
	Name         string
	DocString    string
	RawData      []byte
	ExternalData []*StringStringEntryProto
	DataLocation TensorProto_DataLocation
	DoubleData   []float64
	Uint64Data   []uint64
}

func (x *TensorProto) GetName() string {
	if x != nil {
		return x.Name
	}
	return ""
}

func (x *TensorProto) GetDims() []int64 {
	if x != nil {
		return x.Dims
	}
	return nil
}

func (x *TensorProto) GetDataType() int32 {
	if x != nil {
		return x.DataType
	}
	return 0
}
