package conformance

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSuite = `
seed: 42
tolerance: {abs: 1e-4, rel: 1e-4}
providers:
  - kind: coreml
    options: {flags: "CPU_ONLY"}
  - name: coreml-fp16
    kind: coreml
    options: {flags: "USE_FP16|CPU_ONLY", device: emulated}
    tolerance: {abs: 5e-3, rel: 1e-2}
cases:
  - model: graph_1.onnx
    execute: always
  - name: Ones
    model: graph_1.onnx
    feeds:
      X: {dims: [1, 1, 3, 2], values: [1, 1, 1, 1, 1, 1]}
      Y: {dims: [1, 1, 3, 2], values: [1, 1, 1, 1, 1, 1]}
      Z: {dims: [1, 1, 3, 2], gaussian: {mean: 0, stddev: 1, seed: 3}}
  - name: MNIST
    model: mnist_like.onnx
    execute: never
`

func TestParseSuite(t *testing.T) {
	cfg, err := ParseSuite([]byte(testSuite))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Seed)
	require.NotNil(t, cfg.Tolerance)
	assert.Equal(t, Tolerance{Abs: 1e-4, Rel: 1e-4}, *cfg.Tolerance)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "coreml", cfg.Providers[0].Name)
	assert.Equal(t, "USE_FP16|CPU_ONLY", cfg.Providers[1].Options["flags"])
	require.Len(t, cfg.Cases, 3)
	assert.Equal(t, "graph_1", cfg.Cases[0].Name)
	assert.Equal(t, ExecuteAuto, cfg.Cases[1].Execute)
	assert.Len(t, cfg.Cases[1].Feeds, 3)

	_, err = ParseSuite([]byte("cases: [{model: a.onnx}]"))
	require.ErrorContains(t, err, "no providers")
	_, err = ParseSuite([]byte("providers: [{kind: cpu}]\ncases: [{model: a.onnx, execute: sometimes}]"))
	require.ErrorContains(t, err, "sometimes")
	_, err = ParseSuite([]byte("providers: ["))
	require.Error(t, err)
}

func TestRunSuite(t *testing.T) {
	cfg, err := ParseSuite([]byte(testSuite))
	require.NoError(t, err)
	results, err := RunSuite(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for _, result := range results {
		assert.True(t, result.Passed, "%s", result)
		assert.Equal(t, ep.CoreMLProviderType, result.Provider)
		assert.Equal(t, Suite, result.Suite)
	}
	assert.Equal(t, "graph_1/coreml", results[0].Case)
	assert.Equal(t, "MNIST/coreml-fp16", results[5].Case)
	assert.Equal(t, 5, results[5].AssignedNodes)

	// A model with no nodes supported by the provider fails.
	dir := t.TempDir()
	b := onnx.NewBuilder("erf_only")
	b.NodeArg("X", onnx.TensorType(dtypes.Float32, 2, 3))
	b.NodeArg("Y", onnx.TensorType(dtypes.Float32, 2, 3))
	b.AddNode("erf", "Erf", "", []string{"X"}, []string{"Y"})
	require.NoError(t, b.Save(filepath.Join(dir, "erf.onnx")))
	cfg = &SuiteConfig{
		ModelsDir: dir,
		Providers: []ProviderConfig{{Kind: "coreml"}},
		Cases: []CaseConfig{{Model: "erf.onnx", Feeds: map[string]FeedConfig{
			"X": {Dims: []int{2, 3}, Values: []float32{1, 2, 3, 4, 5, 6}},
		}}},
	}
	results, err = RunSuite(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "erf/coreml", results[0].Case)
	assert.Contains(t, results[0].Message, "no nodes")

	// Invalid feeds.
	cfg.Cases[0].Feeds["X"] = FeedConfig{Dims: []int{2, 3}, Values: []float32{1}}
	_, err = RunSuite(t.Context(), cfg, nil)
	require.ErrorContains(t, err, "1 values")
}

func TestRecorder(t *testing.T) {
	r := NewRecorder("check")
	assert.True(t, r.Run(func(t T) { assert.Equal(t, 1, 1) }))
	assert.False(t, r.Failed())

	r = NewRecorder("check")
	reached := false
	assert.False(t, r.Run(func(t T) {
		assert.Equal(t, 1, 2, "first")
		require.Equal(t, 1, 3, "second")
		reached = true
	}))
	assert.False(t, reached)
	assert.True(t, r.Failed())
	failures := r.Failures()
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "first")
	assert.Contains(t, failures[1], "second")

	assert.Panics(t, func() { NewRecorder("panics").Run(func(T) { panic("boom") }) })
}
