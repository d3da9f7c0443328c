package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInputs(t *testing.T) {
	m := &Model{
		InputsNames: []string{"i0", "i1"},
		InputsShapes: []DynamicShape{
			{
				DType:      dtypes.Float32,
				Dimensions: []int{-1, -1},
				Names:      []string{"batch_size", UnnamedDynamicDimension},
			},
			{
				DType:      dtypes.Int32,
				Dimensions: []int{-1, 3},
				Names:      []string{"batch_size", "3"},
			},
		},
	}

	// Example valid input, batch_size=5
	require.NoError(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Wrong number of inputs:
	require.Error(t, m.ValidateInputs(shapes.Make(dtypes.Float32, 5, 7)))

	// Wrong dtype:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make( /**/ dtypes.Int64, 5, 3)))

	// Wrong rank:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7 /**/, 1),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Fixed dimension not matching:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5 /**/, 4)))

	// Dynamic dimension not matching:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32 /**/, 6, 3)))
}

func TestDynamicShapeFromProto(t *testing.T) {
	vi := makeValueInfoWithParams("x", []any{"batch", 3, nil})
	dshape, err := makeDynamicShapeFromProto(vi)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dshape.DType)
	assert.Equal(t, []int{-1, 3, -1}, dshape.Dimensions)
	assert.Equal(t, []string{"batch", "3", UnnamedDynamicDimension}, dshape.Names)
	assert.False(t, dshape.IsStatic())
	assert.Contains(t, dshape.String(), "[batch, 3, ?]")
}
