// Package checker validates the structure of ONNX models against an operator schema registry.
package checker

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/gomlx/onnx-harness/schema"
)

// MinIRVersion is the oldest IR version accepted.
const MinIRVersion = 3

// ValidationError describes the first structural problem found in a model.
// NodeName is empty for problems not related to a node.
type ValidationError struct {
	NodeName string
	OpType   string
	Reason   string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.NodeName == "" && e.OpType == "" {
		return "model validation failed: " + e.Reason
	}
	return fmt.Sprintf("model validation failed at node %q (%s): %s", e.NodeName, e.OpType, e.Reason)
}

func modelErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func nodeErrorf(node *protos.NodeProto, format string, args ...any) *ValidationError {
	return &ValidationError{NodeName: node.GetName(), OpType: node.GetOpType(), Reason: fmt.Sprintf(format, args...)}
}

// CheckModel validates model against the operators in registry.
//
// It returns a *ValidationError (as error) on the first problem found, or nil if the model is valid.
// Nodes must be in topological order.
func CheckModel(model *protos.ModelProto, registry *schema.Registry) error {
	if err := checkModel(model, registry); err != nil {
		return err
	}
	return nil
}

func checkModel(model *protos.ModelProto, registry *schema.Registry) *ValidationError {
	if model == nil {
		return modelErrorf("model is nil")
	}
	if model.IrVersion < MinIRVersion {
		return modelErrorf("ir_version %d is lower than the minimum supported %d", model.IrVersion, MinIRVersion)
	}
	graph := model.GetGraph()
	if graph == nil {
		return modelErrorf("model has no graph")
	}

	opsets := make(map[string]int64, len(model.OpsetImport))
	for _, opset := range model.OpsetImport {
		domain := schema.NormalizeDomain(opset.Domain)
		if _, found := opsets[domain]; found {
			return modelErrorf("opset for domain %q imported more than once", opset.Domain)
		}
		opsets[domain] = opset.Version
	}

	available := sets.Make[string]()
	for _, input := range graph.Input {
		if err := checkValueInfo(input, "graph input"); err != nil {
			return err
		}
		if available.Has(input.Name) {
			return modelErrorf("graph input %q is duplicated", input.Name)
		}
		available.Insert(input.Name)
	}
	initializers := sets.Make[string]()
	for _, t := range graph.Initializer {
		if t.Name == "" {
			return modelErrorf("initializer without a name")
		}
		if initializers.Has(t.Name) {
			return modelErrorf("initializer %q is duplicated", t.Name)
		}
		initializers.Insert(t.Name)
		available.Insert(t.Name)
	}

	for _, node := range graph.Node {
		if err := checkNode(node, opsets, registry, available); err != nil {
			return err
		}
	}

	for _, output := range graph.Output {
		if err := checkValueInfo(output, "graph output"); err != nil {
			return err
		}
		if !available.Has(output.Name) {
			return modelErrorf("graph output %q is not produced by any node, input or initializer", output.Name)
		}
	}
	return nil
}

func checkValueInfo(vi *protos.ValueInfoProto, what string) *ValidationError {
	if vi.GetName() == "" {
		return modelErrorf("%s without a name", what)
	}
	if vi.GetType() == nil {
		return modelErrorf("field 'type' of %s %q is required but missing", what, vi.Name)
	}
	tensorType := vi.GetType().GetTensorType()
	if tensorType != nil && tensorType.ElemType == 0 {
		return modelErrorf("%s %q has an undefined element type", what, vi.Name)
	}
	for axis, dim := range tensorType.GetShape().GetDim() {
		if dim.HasDimValue() && dim.GetDimValue() < 0 {
			return modelErrorf("%s %q has negative dimension %d on axis %d", what, vi.Name, dim.GetDimValue(), axis)
		}
	}
	return nil
}

func checkNode(node *protos.NodeProto, opsets map[string]int64, registry *schema.Registry, available sets.Set[string]) *ValidationError {
	if node.OpType == "" {
		return nodeErrorf(node, "node has no op_type")
	}
	domain := schema.NormalizeDomain(node.Domain)
	version, found := opsets[domain]
	if !found {
		return nodeErrorf(node, "no opset import for domain %q", node.Domain)
	}
	opSchema := registry.Lookup(domain, node.OpType, version)
	if opSchema == nil {
		return nodeErrorf(node, "no schema registered for operator %q in domain %q at opset version %d", node.OpType, node.Domain, version)
	}

	// Trailing omitted optional inputs don't count.
	numInputs := len(node.Input)
	for numInputs > 0 && node.Input[numInputs-1] == "" {
		numInputs--
	}
	if numInputs < opSchema.MinInputs || numInputs > opSchema.MaxInputs {
		return nodeErrorf(node, "%s takes between %d and %d inputs, got %d", opSchema, opSchema.MinInputs, opSchema.MaxInputs, numInputs)
	}
	if len(node.Output) < opSchema.MinOutputs || len(node.Output) > opSchema.MaxOutputs {
		return nodeErrorf(node, "%s has between %d and %d outputs, got %d", opSchema, opSchema.MinOutputs, opSchema.MaxOutputs, len(node.Output))
	}

	seenAttrs := sets.Make[string]()
	for _, attr := range node.Attribute {
		if seenAttrs.Has(attr.Name) {
			return nodeErrorf(node, "attribute %q is duplicated", attr.Name)
		}
		seenAttrs.Insert(attr.Name)
		spec := opSchema.Attribute(attr.Name)
		if spec == nil {
			return nodeErrorf(node, "unrecognized attribute %q for %s", attr.Name, opSchema)
		}
		if attr.Type != protos.AttributeProto_UNDEFINED && attr.Type != spec.Type {
			return nodeErrorf(node, "attribute %q has type %s, expected %s", attr.Name, attr.Type, spec.Type)
		}
	}
	for _, spec := range opSchema.Attributes {
		if spec.Required && !seenAttrs.Has(spec.Name) {
			return nodeErrorf(node, "required attribute %q is missing", spec.Name)
		}
	}

	for _, input := range node.Input {
		if input != "" && !available.Has(input) {
			return nodeErrorf(node, "input %q is not a graph input, an initializer or the output of a previous node "+
				"(nodes in a graph must be topologically sorted)", input)
		}
	}
	for _, output := range node.Output {
		if output == "" {
			continue
		}
		if available.Has(output) {
			return nodeErrorf(node, "output %q is already produced elsewhere in the graph", output)
		}
		available.Insert(output)
	}
	return nil
}
