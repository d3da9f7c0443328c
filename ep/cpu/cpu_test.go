package cpu

import (
	"context"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T) *Provider {
	p, err := New(Options{})
	require.NoError(t, err)
	return p
}

func TestKernelDefHashes(t *testing.T) {
	expected, err := ep.LoadKernelDefHashes("testdata/kernel_def_hashes.json")
	require.NoError(t, err)
	actual := ep.HashKernelDefs(newProvider(t).KernelDefs())
	missing, extra := ep.CheckKernelDefHashes(actual, expected)
	assert.Empty(t, missing, "kernel definitions changed or were removed: this breaks serialized models referencing them")
	assert.Empty(t, extra, "new kernel definitions: update testdata/kernel_def_hashes.json")
}

func TestRegistered(t *testing.T) {
	provider, err := ep.Create(Kind, map[string]any{"backend": ""})
	require.NoError(t, err)
	assert.Equal(t, ep.CPUProviderType, provider.Type())
	_, err = ep.Create(Kind, map[string]any{"threads": 4})
	require.Error(t, err)
}

func TestExecute(t *testing.T) {
	b := onnx.NewBuilder("graph_1")
	for _, name := range []string{"X", "Y", "Z", "M"} {
		b.NodeArg(name, onnx.TensorType(dtypes.Float32, 1, 1, 3, 2))
	}
	b.AddNode("node_1", "Add", "", []string{"X", "Y"}, []string{"node_1_out_1"})
	b.AddNode("node_2", "Add", "", []string{"node_1_out_1", "Z"}, []string{"M"})
	model, err := b.Model()
	require.NoError(t, err)

	view, err := ep.NewGraphView(model)
	require.NoError(t, err)
	provider := newProvider(t)
	partitions, err := ep.PartitionGraph(view, []ep.ExecutionProvider{provider})
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	assert.Equal(t, 2, view.CountAssigned(ep.CPUProviderType))
	assert.Equal(t, []string{"X", "Y", "Z"}, partitions[0].Inputs)
	assert.Equal(t, []string{"M"}, partitions[0].Outputs)

	exec, err := provider.Compile(partitions[0])
	require.NoError(t, err)
	defer func() { require.NoError(t, exec.Close()) }()
	value := [][][][]float32{{{{1, 2}, {3, 4}, {5, 6}}}}
	feeds := map[string]*tensors.Tensor{
		"X": tensors.FromValue(value),
		"Y": tensors.FromValue(value),
		"Z": tensors.FromValue(value),
	}
	outputs, err := exec.Run(context.Background(), feeds)
	require.NoError(t, err)
	require.Contains(t, outputs, "M")
	assert.Equal(t, [][][][]float32{{{{3, 6}, {9, 12}, {15, 18}}}}, outputs["M"].Value())

	delete(feeds, "Z")
	_, err = exec.Run(context.Background(), feeds)
	require.ErrorContains(t, err, `"Z"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Run(ctx, feeds)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnsupportedOps(t *testing.T) {
	b := onnx.NewBuilder("unsupported")
	b.NodeArg("X", onnx.TensorType(dtypes.Float32, 1, 3, 8, 8))
	b.AddNode("relu", "Relu", "", []string{"X"}, []string{"r"})
	b.AddNode("pool", "GlobalMaxPool", "", []string{"r"}, []string{"p"})
	b.AddNode("neg", "Neg", "", []string{"p"}, []string{"Y"})
	model, err := b.Model()
	require.NoError(t, err)
	view, err := ep.NewGraphView(model)
	require.NoError(t, err)

	capabilities := newProvider(t).GetCapability(view)
	require.Len(t, capabilities, 2)
	assert.Equal(t, []int{0}, capabilities[0].NodeIndices)
	assert.Equal(t, []int{2}, capabilities[1].NodeIndices)

	_, err = ep.PartitionGraph(view, []ep.ExecutionProvider{newProvider(t)})
	var unassignedErr *ep.UnassignedNodesError
	require.True(t, errors.As(err, &unassignedErr))
	assert.Equal(t, "pool", unassignedErr.Nodes[0].Name)
}
