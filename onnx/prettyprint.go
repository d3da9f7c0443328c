package onnx

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// String implements fmt.Stringer: a summary of the model with its opsets, op types (counted per
// domain) and the graph inputs and outputs.
func (m *Model) String() string {
	var sb strings.Builder
	proto := &m.Proto
	graph := proto.GetGraph()
	fmt.Fprintf(&sb, "ONNX model %q (IR v%d", graph.GetName(), proto.IrVersion)
	if proto.ProducerName != "" {
		fmt.Fprintf(&sb, ", produced by %s %s", proto.ProducerName, proto.ProducerVersion)
	}
	sb.WriteString(")\n")

	opsets := make([]string, 0, len(proto.OpsetImport))
	for _, opset := range proto.OpsetImport {
		domain := opset.Domain
		if domain == "" {
			domain = "ai.onnx"
		}
		opsets = append(opsets, fmt.Sprintf("%s:%d", domain, opset.Version))
	}
	fmt.Fprintf(&sb, "\tOpsets:\t%s\n", strings.Join(opsets, ", "))

	opCounts := make(map[string]int)
	for _, node := range graph.GetNode() {
		opType := node.GetOpType()
		if node.GetDomain() != "" {
			opType = node.GetDomain() + "." + opType
		}
		opCounts[opType]++
	}
	fmt.Fprintf(&sb, "\tNodes:\t%d", len(graph.GetNode()))
	for _, opType := range slices.Sorted(maps.Keys(opCounts)) {
		fmt.Fprintf(&sb, " %s×%d", opType, opCounts[opType])
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "\tInitializers:\t%d, value infos: %d\n", len(graph.GetInitializer()), len(graph.GetValueInfo()))
	for ii, name := range m.InputsNames {
		fmt.Fprintf(&sb, "\tInput %q:\t%s\n", name, m.InputsShapes[ii])
	}
	for ii, name := range m.OutputsNames {
		fmt.Fprintf(&sb, "\tOutput %q:\t%s\n", name, m.OutputsShapes[ii])
	}
	for _, prop := range proto.MetadataProps {
		fmt.Fprintf(&sb, "\tMetadata %s=%s\n", prop.Key, prop.Value)
	}
	return sb.String()
}
