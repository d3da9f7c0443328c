package benchmarks

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/gomlx/onnx-harness/conformance"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

var flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")

func TestRunners(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, conformance.WriteModels(dir, 42))
	for _, model := range Models {
		runners, err := NewRunners(filepath.Join(dir, model.File), model.Feeds())
		require.NoError(t, err, model.Name)
		require.GreaterOrEqual(t, len(runners), 3)
		for _, r := range runners {
			require.NoError(t, r.Run(), "%s/%s", model.Name, r.Name)
			r.Close()
		}
	}
}

func TestBenchConformanceModels(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.Skip("Skipping benchmark test, set -bench_duration to run it")
	}
	require.NoError(t, Run(Config{Duration: *flagBenchDuration, WarmUps: 10, Seed: 42}))
}

// BenchmarkMNISTLike measures the MNIST-like model with each runner.
// We try not to count the time for model loading and compilation.
func BenchmarkMNISTLike(b *testing.B) {
	dir := b.TempDir()
	must.M(conformance.WriteModels(dir, 42))
	model := Models[len(Models)-1]
	runners := must.M1(NewRunners(filepath.Join(dir, model.File), model.Feeds()))
	defer func() {
		for _, r := range runners {
			r.Close()
		}
	}()
	for _, r := range runners {
		for range 10 {
			must.M(r.Run())
		}
	}
	b.ResetTimer()
	for _, r := range runners {
		b.Run(r.Name, func(b *testing.B) {
			for b.Loop() {
				must.M(r.Run())
			}
		})
	}
}
