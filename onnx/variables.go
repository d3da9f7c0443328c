package onnx

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ModelScope is the default model scope to use when for the ONNX model variables when converting to GoMLX.
var ModelScope = "ONNX"

// VariablesToContext will create variables in the context (within scope ModelScope) from
// all variables present in the model initializer list.
//
// Call this once in your context, before using the model with Model.CallGraph or Model.CallNodes.
// If not called, initializers are converted to constants.
func (m *Model) VariablesToContext(ctx *context.Context) error {
	ctx = ctx.In(ModelScope).Checked(false)
	for _, tensorProto := range m.Proto.Graph.Initializer {
		tensor, err := TensorToGoMLX(tensorProto)
		if err != nil {
			return errors.WithMessagef(err, "Model.VariablesToContext()")
		}
		ctx.VariableWithValue(SafeVarName(tensorProto.Name), tensor)
	}
	return nil
}

// SafeVarName converts an ONNX variable name to a GoMLX safe variable name by replacing the scope separator with a "|".
func SafeVarName(onnxName string) (gomlxName string) {
	return strings.ReplaceAll(onnxName, context.ScopeSeparator, "|")
}
