package session

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/ep/coreml"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addChainModel builds M = X + Y + Z, with all values shaped [1, 1, 3, 2].
func addChainModel(t *testing.T) *onnx.Model {
	b := onnx.NewBuilder("graph_1")
	for _, name := range []string{"X", "Y", "Z", "M"} {
		b.NodeArg(name, onnx.TensorType(dtypes.Float32, 1, 1, 3, 2))
	}
	b.AddNode("node_1", "Add", "", []string{"X", "Y"}, []string{"node_1_out_1"})
	b.AddNode("node_2", "Add", "", []string{"node_1_out_1", "Z"}, []string{"M"})
	model, err := b.Model()
	require.NoError(t, err)
	return model
}

// mixedModel builds Y = Tanh(Erf(Relu(X))): Erf is not supported by CoreML.
func mixedModel(t *testing.T) *onnx.Model {
	b := onnx.NewBuilder("mixed")
	b.NodeArg("X", onnx.TensorType(dtypes.Float32, 2, 3))
	b.NodeArg("Y", onnx.TensorType(dtypes.Float32, 2, 3))
	b.AddNode("relu", "Relu", "", []string{"X"}, []string{"r"})
	b.AddNode("erf", "Erf", "", []string{"r"}, []string{"e"})
	b.AddNode("tanh", "Tanh", "", []string{"e"}, []string{"Y"})
	model, err := b.Model()
	require.NoError(t, err)
	return model
}

func TestLifecycle(t *testing.T) {
	s := NewSession(Options{})
	require.ErrorIs(t, s.Initialize(), ErrNotLoaded)
	_, err := s.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, s.RegisterExecutionProvider(coreml.New(coreml.FlagCPUOnly)))
	err = s.RegisterExecutionProvider(coreml.New(coreml.FlagUseFP16))
	require.ErrorContains(t, err, "already registered")
	require.Error(t, s.RegisterExecutionProvider(nil))

	require.NoError(t, s.LoadModel(addChainModel(t)))
	assert.Equal(t, []string{"X", "Y", "Z"}, s.InputNames())
	assert.Equal(t, []string{"M"}, s.OutputNames())
	assert.Nil(t, s.Graph())
	require.NoError(t, s.Initialize())
	require.ErrorIs(t, s.Initialize(), ErrAlreadyInitialized)
	require.ErrorIs(t, s.RegisterExecutionProvider(coreml.New(coreml.FlagUseNone)), ErrAlreadyInitialized)
	require.ErrorIs(t, s.LoadModel(addChainModel(t)), ErrAlreadyInitialized)

	require.NotNil(t, s.Graph())
	assert.Equal(t, 2, s.Graph().CountAssigned(ep.CoreMLProviderType))
	assert.Equal(t, 0, s.Graph().CountAssigned(ep.CPUProviderType))
	require.Len(t, s.Partitions(), 1)

	require.NoError(t, s.Close())
	_, err = s.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrClosed)

	// A closed session can't be initialized again, nor reused in any other way.
	require.ErrorIs(t, s.Initialize(), ErrClosed)
	require.ErrorIs(t, s.LoadModel(addChainModel(t)), ErrClosed)
	require.ErrorIs(t, s.Load("model.onnx"), ErrClosed)
	require.ErrorIs(t, s.RegisterExecutionProvider(coreml.New(coreml.FlagUseNone)), ErrClosed)
	require.ErrorIs(t, s.Close(), ErrClosed)
	assert.Nil(t, s.Graph())
	assert.Nil(t, s.Partitions())
	assert.Nil(t, s.Model())
	assert.Empty(t, s.OutputNames())
}

func TestRun(t *testing.T) {
	s := NewSession(Options{})
	require.NoError(t, s.LoadModel(addChainModel(t)))
	require.NoError(t, s.Initialize())
	defer func() { require.NoError(t, s.Close()) }()

	// Only the CPU fallback is used.
	assert.Equal(t, 2, s.Graph().CountAssigned(ep.CPUProviderType))

	value := [][][][]float32{{{{1, 2}, {3, 4}, {5, 6}}}}
	feeds := map[string]*tensors.Tensor{
		"X": tensors.FromValue(value),
		"Y": tensors.FromValue(value),
		"Z": tensors.FromValue(value),
	}
	outputs, err := s.Run(context.Background(), feeds)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, [][][][]float32{{{{3, 6}, {9, 12}, {15, 18}}}}, outputs["M"].Value())

	t.Run("missing input", func(t *testing.T) {
		_, err := s.Run(context.Background(), map[string]*tensors.Tensor{"X": feeds["X"], "Y": feeds["Y"]})
		require.ErrorContains(t, err, `missing input "Z"`)
	})
	t.Run("unknown input", func(t *testing.T) {
		extended := map[string]*tensors.Tensor{"W": feeds["X"]}
		for name, value := range feeds {
			extended[name] = value
		}
		_, err := s.Run(context.Background(), extended)
		require.ErrorContains(t, err, `unknown input "W"`)
	})
	t.Run("wrong shape", func(t *testing.T) {
		wrong := map[string]*tensors.Tensor{
			"X": feeds["X"],
			"Y": feeds["Y"],
			"Z": tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}),
		}
		_, err := s.Run(context.Background(), wrong)
		require.Error(t, err)
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Run(ctx, feeds)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestCPUFallback(t *testing.T) {
	s := NewSession(Options{})
	require.NoError(t, s.RegisterExecutionProvider(coreml.New(coreml.FlagCPUOnly)))
	require.NoError(t, s.LoadModel(mixedModel(t)))
	require.NoError(t, s.Initialize())
	defer func() { require.NoError(t, s.Close()) }()

	view := s.Graph()
	assert.Equal(t, 2, view.CountAssigned(ep.CoreMLProviderType))
	assert.Equal(t, 1, view.CountAssigned(ep.CPUProviderType))
	assert.Equal(t, ep.CPUProviderType, view.AssignedTo(1))
	partitions := s.Partitions()
	require.Len(t, partitions, 3)
	assert.Equal(t, []string{ep.CoreMLProviderType, ep.CPUProviderType, ep.CoreMLProviderType},
		[]string{partitions[0].ProviderType, partitions[1].ProviderType, partitions[2].ProviderType})

	input := []float32{-1, 0, 0.5, 1, 2, -3}
	outputs, err := s.Run(context.Background(), map[string]*tensors.Tensor{
		"X": tensors.FromFlatDataAndDimensions(input, 2, 3),
	})
	require.NoError(t, err)
	got := tensors.MustCopyFlatData[float32](outputs["Y"])
	require.Len(t, got, len(input))
	for ii, x := range input {
		want := math.Tanh(math.Erf(max(float64(x), 0)))
		assert.InDelta(t, want, got[ii], 1e-5, "element #%d", ii)
	}
}

func TestCPUFallbackDisabled(t *testing.T) {
	for _, s := range []*Session{
		NewSession(Options{DisableCPUFallback: true}),
		NewSession(Options{}),
	} {
		flags := coreml.FlagCPUOnly
		if !s.opts.DisableCPUFallback {
			flags |= coreml.FlagCPUDisabled
		}
		require.NoError(t, s.RegisterExecutionProvider(coreml.New(flags)))
		require.NoError(t, s.LoadModel(mixedModel(t)))
		err := s.Initialize()
		var unassigned *ep.UnassignedNodesError
		require.True(t, errors.As(err, &unassigned), "expected UnassignedNodesError, got %v", err)
		assert.Equal(t, "erf", unassigned.Nodes[0].Name)
	}

	// Without any provider.
	s := NewSession(Options{DisableCPUFallback: true})
	require.NoError(t, s.LoadModel(addChainModel(t)))
	require.ErrorContains(t, s.Initialize(), "no execution providers")
}

func TestLoad(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "graph_1.onnx")
	require.NoError(t, addChainModel(t).Write(modelPath))
	s := NewSession(Options{StrictShapeInference: true})
	require.Error(t, s.Load(filepath.Join(t.TempDir(), "missing.onnx")))
	require.NoError(t, s.Load(modelPath))
	require.NoError(t, s.Initialize())
	defer func() { require.NoError(t, s.Close()) }()
	assert.Equal(t, "graph_1", s.Model().Graph().Name)
}

func TestInvalidModel(t *testing.T) {
	b := onnx.NewBuilder("invalid")
	b.NodeArg("X", onnx.TensorType(dtypes.Float32, 2))
	b.AddNode("unknown", "NotAnOp", "", []string{"X"}, []string{"Y"})
	model, err := b.Model()
	require.NoError(t, err)
	s := NewSession(Options{})
	require.NoError(t, s.LoadModel(model))
	require.ErrorContains(t, s.Initialize(), "invalid model")
}
