package protos

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelIrVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDomain          protowire.Number = 4
	modelModelVersion    protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphDocString   protowire.Number = 10
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12
	graphValueInfo   protowire.Number = 13

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeDocString protowire.Number = 6
	nodeDomain    protowire.Number = 7

	attrName      protowire.Number = 1
	attrF         protowire.Number = 2
	attrI         protowire.Number = 3
	attrS         protowire.Number = 4
	attrT         protowire.Number = 5
	attrG         protowire.Number = 6
	attrFloats    protowire.Number = 7
	attrInts      protowire.Number = 8
	attrStrings   protowire.Number = 9
	attrTensors   protowire.Number = 10
	attrDocString protowire.Number = 13
	attrType      protowire.Number = 20

	valueInfoName      protowire.Number = 1
	valueInfoType      protowire.Number = 2
	valueInfoDocString protowire.Number = 3

	typeTensorType protowire.Number = 1
	typeDenotation protowire.Number = 6

	tensorTypeElemType protowire.Number = 1
	tensorTypeShape    protowire.Number = 2

	shapeDim protowire.Number = 1

	dimValue      protowire.Number = 1
	dimParam      protowire.Number = 2
	dimDenotation protowire.Number = 3

	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorInt32Data    protowire.Number = 5
	tensorStringData   protowire.Number = 6
	tensorInt64Data    protowire.Number = 7
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	tensorDoubleData   protowire.Number = 10
	tensorUint64Data   protowire.Number = 11
	tensorDocString    protowire.Number = 12
	tensorExternalData protowire.Number = 13
	tensorDataLocation protowire.Number = 14
)

// Marshal encodes the model in the ONNX binary (protobuf) format.
func Marshal(m *ModelProto) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot marshal a nil ModelProto")
	}
	return appendModel(nil, m), nil
}

// Unmarshal decodes a model in the ONNX binary (protobuf) format into m. Unknown fields are skipped.
func Unmarshal(b []byte, m *ModelProto) error {
	*m = ModelProto{}
	if err := decodeModel(b, m); err != nil {
		return errors.WithMessage(err, "failed to decode ModelProto")
	}
	return nil
}

// CloneModel returns a deep copy of the model.
func CloneModel(m *ModelProto) *ModelProto {
	if m == nil {
		return nil
	}
	c := &ModelProto{}
	// Decoding what we just encoded never fails.
	_ = decodeModel(appendModel(nil, m), c)
	return c
}

// MarshalTensor encodes a single TensorProto, as used by external tools that store tensors (e.g. .pb test data).
func MarshalTensor(t *TensorProto) []byte {
	return appendTensor(nil, t)
}

// UnmarshalTensor decodes a single TensorProto.
func UnmarshalTensor(b []byte, t *TensorProto) error {
	*t = TensorProto{}
	return errors.WithMessage(decodeTensor(b, t), "failed to decode TensorProto")
}

////////////////////////////////////////////////////////////////////
//
// Encoding
//
////////////////////////////////////////////////////////////////////

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInts[T int32 | int64 | uint64](b []byte, num protowire.Number, values []T) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, values []float64) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendModel(b []byte, m *ModelProto) []byte {
	b = appendInt(b, modelIrVersion, m.IrVersion)
	b = appendString(b, modelProducerName, m.ProducerName)
	b = appendString(b, modelProducerVersion, m.ProducerVersion)
	b = appendString(b, modelDomain, m.Domain)
	b = appendInt(b, modelModelVersion, m.ModelVersion)
	b = appendString(b, modelDocString, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, modelGraph, appendGraph(nil, m.Graph))
	}
	for _, opset := range m.OpsetImport {
		var msg []byte
		msg = appendString(msg, opsetDomain, opset.Domain)
		msg = appendInt(msg, opsetVersion, opset.Version)
		b = appendMessage(b, modelOpsetImport, msg)
	}
	for _, entry := range m.MetadataProps {
		b = appendMessage(b, modelMetadataProps, appendEntry(nil, entry))
	}
	return b
}

func appendEntry(b []byte, e *StringStringEntryProto) []byte {
	b = appendString(b, entryKey, e.Key)
	return appendString(b, entryValue, e.Value)
}

func appendGraph(b []byte, g *GraphProto) []byte {
	for _, node := range g.Node {
		b = appendMessage(b, graphNode, appendNode(nil, node))
	}
	b = appendString(b, graphName, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, graphInitializer, appendTensor(nil, t))
	}
	b = appendString(b, graphDocString, g.DocString)
	for _, vi := range g.Input {
		b = appendMessage(b, graphInput, appendValueInfo(nil, vi))
	}
	for _, vi := range g.Output {
		b = appendMessage(b, graphOutput, appendValueInfo(nil, vi))
	}
	for _, vi := range g.ValueInfo {
		b = appendMessage(b, graphValueInfo, appendValueInfo(nil, vi))
	}
	return b
}

func appendNode(b []byte, n *NodeProto) []byte {
	// Empty input names are meaningful (omitted optional inputs), so they are always written.
	for _, input := range n.Input {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, input)
	}
	for _, output := range n.Output {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, output)
	}
	b = appendString(b, nodeName, n.Name)
	b = appendString(b, nodeOpType, n.OpType)
	for _, attr := range n.Attribute {
		b = appendMessage(b, nodeAttribute, appendAttribute(nil, attr))
	}
	b = appendString(b, nodeDocString, n.DocString)
	b = appendString(b, nodeDomain, n.Domain)
	return b
}

func appendAttribute(b []byte, a *AttributeProto) []byte {
	b = appendString(b, attrName, a.Name)
	if a.F != 0 {
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	}
	b = appendInt(b, attrI, a.I)
	if a.S != nil {
		b = protowire.AppendTag(b, attrS, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	}
	if a.T != nil {
		b = appendMessage(b, attrT, appendTensor(nil, a.T))
	}
	if a.G != nil {
		b = appendMessage(b, attrG, appendGraph(nil, a.G))
	}
	b = appendPackedFloats(b, attrFloats, a.Floats)
	b = appendPackedInts(b, attrInts, a.Ints)
	for _, s := range a.Strings {
		b = protowire.AppendTag(b, attrStrings, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	for _, t := range a.Tensors {
		b = appendMessage(b, attrTensors, appendTensor(nil, t))
	}
	b = appendString(b, attrDocString, a.DocString)
	b = appendInt(b, attrType, int64(a.Type))
	return b
}

func appendValueInfo(b []byte, vi *ValueInfoProto) []byte {
	b = appendString(b, valueInfoName, vi.Name)
	if vi.Type != nil {
		b = appendMessage(b, valueInfoType, appendType(nil, vi.Type))
	}
	b = appendString(b, valueInfoDocString, vi.DocString)
	return b
}

func appendType(b []byte, t *TypeProto) []byte {
	if tt := t.GetTensorType(); tt != nil {
		var msg []byte
		msg = appendInt(msg, tensorTypeElemType, int64(tt.ElemType))
		if tt.Shape != nil {
			msg = appendMessage(msg, tensorTypeShape, appendShape(nil, tt.Shape))
		}
		b = appendMessage(b, typeTensorType, msg)
	}
	return appendString(b, typeDenotation, t.Denotation)
}

func appendShape(b []byte, s *TensorShapeProto) []byte {
	for _, dim := range s.Dim {
		var msg []byte
		// Oneof members are written even when zero: presence is meaningful.
		switch v := dim.GetValue().(type) {
		case *TensorShapeProto_Dimension_DimValue:
			msg = protowire.AppendTag(msg, dimValue, protowire.VarintType)
			msg = protowire.AppendVarint(msg, uint64(v.DimValue))
		case *TensorShapeProto_Dimension_DimParam:
			msg = protowire.AppendTag(msg, dimParam, protowire.BytesType)
			msg = protowire.AppendString(msg, v.DimParam)
		}
		if dim != nil {
			msg = appendString(msg, dimDenotation, dim.Denotation)
		}
		b = appendMessage(b, shapeDim, msg)
	}
	return b
}

func appendTensor(b []byte, t *TensorProto) []byte {
	b = appendPackedInts(b, tensorDims, t.Dims)
	b = appendInt(b, tensorDataType, int64(t.DataType))
	b = appendPackedFloats(b, tensorFloatData, t.FloatData)
	b = appendPackedInts(b, tensorInt32Data, t.Int32Data)
	for _, s := range t.StringData {
		b = protowire.AppendTag(b, tensorStringData, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	b = appendPackedInts(b, tensorInt64Data, t.Int64Data)
	b = appendString(b, tensorName, t.Name)
	if t.RawData != nil {
		b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	b = appendPackedDoubles(b, tensorDoubleData, t.DoubleData)
	b = appendPackedInts(b, tensorUint64Data, t.Uint64Data)
	b = appendString(b, tensorDocString, t.DocString)
	for _, entry := range t.ExternalData {
		b = appendMessage(b, tensorExternalData, appendEntry(nil, entry))
	}
	b = appendInt(b, tensorDataLocation, int64(t.DataLocation))
	return b
}

////////////////////////////////////////////////////////////////////
//
// Decoding
//
////////////////////////////////////////////////////////////////////

// fieldDecoder decodes the value of one field. It returns the number of bytes consumed, or 0 if the field
// is not known, in which case it is skipped.
type fieldDecoder func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldDecoder) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return errors.WithMessagef(err, "field #%d", num)
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.WithMessagef(protowire.ParseError(n), "skipping unknown field #%d", num)
			}
		}
		b = b[n:]
	}
	return nil
}

func wrongWireType(typ, want protowire.Type) error {
	return errors.Errorf("wire type %d, expected %d", typ, want)
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongWireType(typ, protowire.VarintType)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongWireType(typ, protowire.BytesType)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) (int, error) {
	v, n, err := consumeVarint(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = int64(v)
	return n, nil
}

// consumeRepeatedVarints accepts both packed and unpacked encodings.
func consumeRepeatedVarints[T int32 | int64 | uint64](typ protowire.Type, b []byte, dst *[]T) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		if err != nil {
			return 0, err
		}
		*dst = append(*dst, T(v))
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, T(v))
		packed = packed[m:]
	}
	return n, nil
}

func consumeRepeatedFloats(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, math.Float32frombits(v))
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%4 != 0 {
		return 0, errors.Errorf("packed float field with %d bytes", len(packed))
	}
	for ii := 0; ii < len(packed); ii += 4 {
		v, _ := protowire.ConsumeFixed32(packed[ii:])
		*dst = append(*dst, math.Float32frombits(v))
	}
	return n, nil
}

func consumeRepeatedDoubles(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, math.Float64frombits(v))
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%8 != 0 {
		return 0, errors.Errorf("packed double field with %d bytes", len(packed))
	}
	for ii := 0; ii < len(packed); ii += 8 {
		v, _ := protowire.ConsumeFixed64(packed[ii:])
		*dst = append(*dst, math.Float64frombits(v))
	}
	return n, nil
}

// consumeMessage decodes a sub-message with decode, and returns a pointer to it.
func consumeMessage[T any](typ protowire.Type, b []byte, decode func([]byte, *T) error) (*T, int, error) {
	msg, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	v := new(T)
	if err := decode(msg, v); err != nil {
		return nil, 0, err
	}
	return v, n, nil
}

func decodeModel(b []byte, m *ModelProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case modelIrVersion:
			return consumeInt(typ, b, &m.IrVersion)
		case modelProducerName:
			return consumeString(typ, b, &m.ProducerName)
		case modelProducerVersion:
			return consumeString(typ, b, &m.ProducerVersion)
		case modelDomain:
			return consumeString(typ, b, &m.Domain)
		case modelModelVersion:
			return consumeInt(typ, b, &m.ModelVersion)
		case modelDocString:
			return consumeString(typ, b, &m.DocString)
		case modelGraph:
			g, n, err := consumeMessage(typ, b, decodeGraph)
			if err != nil {
				return 0, errors.WithMessage(err, "graph")
			}
			m.Graph = g
			return n, nil
		case modelOpsetImport:
			opset, n, err := consumeMessage(typ, b, decodeOpset)
			if err != nil {
				return 0, err
			}
			m.OpsetImport = append(m.OpsetImport, opset)
			return n, nil
		case modelMetadataProps:
			entry, n, err := consumeMessage(typ, b, decodeEntry)
			if err != nil {
				return 0, err
			}
			m.MetadataProps = append(m.MetadataProps, entry)
			return n, nil
		}
		return 0, nil
	})
}

func decodeOpset(b []byte, o *OperatorSetIdProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case opsetDomain:
			return consumeString(typ, b, &o.Domain)
		case opsetVersion:
			return consumeInt(typ, b, &o.Version)
		}
		return 0, nil
	})
}

func decodeEntry(b []byte, e *StringStringEntryProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case entryKey:
			return consumeString(typ, b, &e.Key)
		case entryValue:
			return consumeString(typ, b, &e.Value)
		}
		return 0, nil
	})
}

func decodeGraph(b []byte, g *GraphProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case graphNode:
			node, n, err := consumeMessage(typ, b, decodeNode)
			if err != nil {
				return 0, errors.WithMessagef(err, "node #%d", len(g.Node))
			}
			g.Node = append(g.Node, node)
			return n, nil
		case graphName:
			return consumeString(typ, b, &g.Name)
		case graphInitializer:
			t, n, err := consumeMessage(typ, b, decodeTensor)
			if err != nil {
				return 0, errors.WithMessagef(err, "initializer #%d", len(g.Initializer))
			}
			g.Initializer = append(g.Initializer, t)
			return n, nil
		case graphDocString:
			return consumeString(typ, b, &g.DocString)
		case graphInput, graphOutput, graphValueInfo:
			vi, n, err := consumeMessage(typ, b, decodeValueInfo)
			if err != nil {
				return 0, err
			}
			switch num {
			case graphInput:
				g.Input = append(g.Input, vi)
			case graphOutput:
				g.Output = append(g.Output, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
			return n, nil
		}
		return 0, nil
	})
}

func decodeNode(b []byte, node *NodeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case nodeInput, nodeOutput:
			var s string
			n, err := consumeString(typ, b, &s)
			if err != nil {
				return 0, err
			}
			if num == nodeInput {
				node.Input = append(node.Input, s)
			} else {
				node.Output = append(node.Output, s)
			}
			return n, nil
		case nodeName:
			return consumeString(typ, b, &node.Name)
		case nodeOpType:
			return consumeString(typ, b, &node.OpType)
		case nodeAttribute:
			attr, n, err := consumeMessage(typ, b, decodeAttribute)
			if err != nil {
				return 0, err
			}
			node.Attribute = append(node.Attribute, attr)
			return n, nil
		case nodeDocString:
			return consumeString(typ, b, &node.DocString)
		case nodeDomain:
			return consumeString(typ, b, &node.Domain)
		}
		return 0, nil
	})
}

func decodeAttribute(b []byte, a *AttributeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case attrName:
			return consumeString(typ, b, &a.Name)
		case attrF:
			if typ != protowire.Fixed32Type {
				return 0, wrongWireType(typ, protowire.Fixed32Type)
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.F = math.Float32frombits(v)
			return n, nil
		case attrI:
			return consumeInt(typ, b, &a.I)
		case attrS:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			a.S = slices.Clone(v)
			if a.S == nil {
				a.S = []byte{}
			}
			return n, nil
		case attrT:
			t, n, err := consumeMessage(typ, b, decodeTensor)
			if err != nil {
				return 0, err
			}
			a.T = t
			return n, nil
		case attrG:
			g, n, err := consumeMessage(typ, b, decodeGraph)
			if err != nil {
				return 0, err
			}
			a.G = g
			return n, nil
		case attrFloats:
			return consumeRepeatedFloats(typ, b, &a.Floats)
		case attrInts:
			return consumeRepeatedVarints(typ, b, &a.Ints)
		case attrStrings:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			a.Strings = append(a.Strings, slices.Clone(v))
			return n, nil
		case attrTensors:
			t, n, err := consumeMessage(typ, b, decodeTensor)
			if err != nil {
				return 0, err
			}
			a.Tensors = append(a.Tensors, t)
			return n, nil
		case attrDocString:
			return consumeString(typ, b, &a.DocString)
		case attrType:
			var v int64
			n, err := consumeInt(typ, b, &v)
			a.Type = AttributeProto_AttributeType(v)
			return n, err
		}
		return 0, nil
	})
}

func decodeValueInfo(b []byte, vi *ValueInfoProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case valueInfoName:
			return consumeString(typ, b, &vi.Name)
		case valueInfoType:
			t, n, err := consumeMessage(typ, b, decodeType)
			if err != nil {
				return 0, errors.WithMessagef(err, "type of %q", vi.Name)
			}
			vi.Type = t
			return n, nil
		case valueInfoDocString:
			return consumeString(typ, b, &vi.DocString)
		}
		return 0, nil
	})
}

func decodeType(b []byte, t *TypeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case typeTensorType:
			tt, n, err := consumeMessage(typ, b, decodeTensorType)
			if err != nil {
				return 0, err
			}
			t.Value = &TypeProto_TensorType{TensorType: tt}
			return n, nil
		case typeDenotation:
			return consumeString(typ, b, &t.Denotation)
		}
		return 0, nil
	})
}

func decodeTensorType(b []byte, tt *TypeProto_Tensor) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorTypeElemType:
			var v int64
			n, err := consumeInt(typ, b, &v)
			tt.ElemType = int32(v)
			return n, err
		case tensorTypeShape:
			s, n, err := consumeMessage(typ, b, decodeShape)
			if err != nil {
				return 0, err
			}
			tt.Shape = s
			return n, nil
		}
		return 0, nil
	})
}

func decodeShape(b []byte, s *TensorShapeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != shapeDim {
			return 0, nil
		}
		dim, n, err := consumeMessage(typ, b, decodeDimension)
		if err != nil {
			return 0, err
		}
		s.Dim = append(s.Dim, dim)
		return n, nil
	})
}

func decodeDimension(b []byte, d *TensorShapeProto_Dimension) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case dimValue:
			var v int64
			n, err := consumeInt(typ, b, &v)
			d.Value = &TensorShapeProto_Dimension_DimValue{DimValue: v}
			return n, err
		case dimParam:
			var s string
			n, err := consumeString(typ, b, &s)
			d.Value = &TensorShapeProto_Dimension_DimParam{DimParam: s}
			return n, err
		case dimDenotation:
			return consumeString(typ, b, &d.Denotation)
		}
		return 0, nil
	})
}

func decodeTensor(b []byte, t *TensorProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorDims:
			return consumeRepeatedVarints(typ, b, &t.Dims)
		case tensorDataType:
			var v int64
			n, err := consumeInt(typ, b, &v)
			t.DataType = int32(v)
			return n, err
		case tensorFloatData:
			return consumeRepeatedFloats(typ, b, &t.FloatData)
		case tensorInt32Data:
			return consumeRepeatedVarints(typ, b, &t.Int32Data)
		case tensorStringData:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t.StringData = append(t.StringData, slices.Clone(v))
			return n, nil
		case tensorInt64Data:
			return consumeRepeatedVarints(typ, b, &t.Int64Data)
		case tensorName:
			return consumeString(typ, b, &t.Name)
		case tensorRawData:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t.RawData = slices.Clone(v)
			if t.RawData == nil {
				t.RawData = []byte{}
			}
			return n, nil
		case tensorDoubleData:
			return consumeRepeatedDoubles(typ, b, &t.DoubleData)
		case tensorUint64Data:
			return consumeRepeatedVarints(typ, b, &t.Uint64Data)
		case tensorDocString:
			return consumeString(typ, b, &t.DocString)
		case tensorExternalData:
			entry, n, err := consumeMessage(typ, b, decodeEntry)
			if err != nil {
				return 0, err
			}
			t.ExternalData = append(t.ExternalData, entry)
			return n, nil
		case tensorDataLocation:
			var v int64
			n, err := consumeInt(typ, b, &v)
			t.DataLocation = TensorProto_DataLocation(v)
			return n, err
		}
		return 0, nil
	})
}
