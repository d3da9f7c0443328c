package main

import (
	"flag"
	"time"

	"github.com/gomlx/onnx-harness/internal/benchmarks"
)

func bench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	duration := fs.Duration("duration", 5*time.Second, "Duration of each benchmark")
	warmUps := fs.Int("warmups", 10, "Number of runs before measuring")
	modelsDir := fs.String("models", "", "Directory with the models written by gen-testdata. If empty, they are generated.")
	seed := fs.Uint64("seed", 42, "Seed of the generated models")
	_ = fs.Parse(args)
	return benchmarks.Run(benchmarks.Config{
		Duration:  *duration,
		WarmUps:   *warmUps,
		ModelsDir: *modelsDir,
		Seed:      *seed,
	})
}
