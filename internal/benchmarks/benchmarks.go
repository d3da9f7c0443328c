// Package benchmarks measures the execution of the conformance models with the CPU provider, the
// CoreML provider and, when available, ONNX Runtime.
package benchmarks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/conformance"
	"github.com/gomlx/onnx-harness/conformance/ortref"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/ep/coreml"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/gomlx/onnx-harness/session"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Model benchmarked, one of the files written by conformance.WriteModels.
type Model struct {
	Name  string
	File  string
	Feeds func() map[string]*tensors.Tensor
}

// Models benchmarked by default.
var Models = []Model{
	{Name: "AddChain", File: conformance.AddChainModelFile, Feeds: conformance.AddChainFeeds},
	{Name: "ReshapeFlatten", File: conformance.ReshapeFlattenModelFile, Feeds: conformance.ReshapeFlattenFeeds},
	{Name: "MNISTLike", File: conformance.MNISTLikeModelFile, Feeds: func() map[string]*tensors.Tensor {
		return map[string]*tensors.Tensor{conformance.MNISTInputName: conformance.GaussianTensor(conformance.MNISTInputDims, 0, 1, 7)}
	}},
}

// Runner executes one model with one executor.
type Runner struct {
	Name  string
	Run   func() error
	Close func()
}

// sessionRunner runs the model with a session with the given providers (and the CPU fallback).
func sessionRunner(name, modelPath string, feeds map[string]*tensors.Tensor, providers ...ep.ExecutionProvider) (*Runner, error) {
	s := session.NewSession(session.Options{})
	for _, p := range providers {
		if err := s.RegisterExecutionProvider(p); err != nil {
			return nil, err
		}
	}
	if err := s.Load(modelPath); err != nil {
		return nil, err
	}
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	ctx := context.Background()
	return &Runner{
		Name: name,
		Run: func() error {
			_, err := s.Run(ctx, feeds)
			return err
		},
		Close: func() { _ = s.Close() },
	}, nil
}

// NewRunners returns the runners for the model: CPU, CoreML (float32 and float16) and ONNX Runtime if configured.
func NewRunners(modelPath string, feeds map[string]*tensors.Tensor) ([]*Runner, error) {
	var runners []*Runner
	closeAll := func() {
		for _, r := range runners {
			r.Close()
		}
	}
	configs := []struct {
		name      string
		providers []ep.ExecutionProvider
	}{
		{"CPU", nil},
		{"CoreML", []ep.ExecutionProvider{coreml.New(coreml.FlagUseNone)}},
		{"CoreML-FP16", []ep.ExecutionProvider{coreml.New(coreml.FlagUseFP16)}},
	}
	for _, cfg := range configs {
		r, err := sessionRunner(cfg.name, modelPath, feeds, cfg.providers...)
		if err != nil {
			closeAll()
			return nil, errors.WithMessagef(err, "creating runner %s", cfg.name)
		}
		runners = append(runners, r)
	}
	if ortref.Available() {
		reference, err := ortref.New()
		if err != nil {
			closeAll()
			return nil, err
		}
		model, err := onnx.ReadFile(modelPath)
		if err != nil {
			closeAll()
			return nil, err
		}
		ctx := context.Background()
		runners = append(runners, &Runner{
			Name: "ORT",
			Run: func() error {
				_, err := reference.Run(ctx, modelPath, feeds, model.OutputsNames)
				return err
			},
			Close: func() {},
		})
	}
	return runners, nil
}

// Config of Run.
type Config struct {
	// Duration of each benchmark.
	Duration time.Duration

	// WarmUps runs before measuring.
	WarmUps int

	// ModelsDir with the models. If empty, they are generated in a temporary directory.
	ModelsDir string

	// Seed of the generated models.
	Seed uint64
}

// Run benchmarks all Models with all runners, printing a table to the standard output.
func Run(cfg Config) error {
	modelsDir := cfg.ModelsDir
	if modelsDir == "" {
		var err error
		if modelsDir, err = os.MkdirTemp("", "onnx-harness-bench-"); err != nil {
			return errors.Wrap(err, "creating models directory")
		}
		defer func() { _ = os.RemoveAll(modelsDir) }()
		if err := conformance.WriteModels(modelsDir, cfg.Seed); err != nil {
			return err
		}
	}

	withHeader := true
	for _, model := range Models {
		runners, err := NewRunners(filepath.Join(modelsDir, model.File), model.Feeds())
		if err != nil {
			return errors.WithMessagef(err, "model %s", model.Name)
		}
		for _, r := range runners {
			fn := benchmarks.NamedFunction{
				Name: fmt.Sprintf("%s/%s", model.Name, r.Name),
				Func: func() { must.M(r.Run()) },
			}
			runtime.LockOSThread()
			benchmarks.New(fn).
				WithWarmUps(cfg.WarmUps).
				WithDuration(cfg.Duration).
				WithHeader(withHeader).
				Done()
			runtime.UnlockOSThread()
			withHeader = false
		}
		for _, r := range runners {
			r.Close()
		}
	}
	return nil
}
