package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/onnx-harness/conformance"
	"github.com/gomlx/onnx-harness/conformance/ortref"
	"github.com/gomlx/onnx-harness/report"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func genTestdata(args []string) error {
	fs := flag.NewFlagSet("gen-testdata", flag.ExitOnError)
	seed := fs.Uint64("seed", 42, "Seed of the random weights of the models")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected the output directory as the only argument")
	}
	dir := fs.Arg(0)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}
	if err := conformance.WriteModels(dir, *seed); err != nil {
		return err
	}
	klog.Infof("models written to %q", dir)
	return nil
}

// newReference returns the reference executor by name.
func newReference(name string) (conformance.Reference, error) {
	switch name {
	case "", "cpu":
		return conformance.CPUReference{}, nil
	case "onnxruntime", "ort":
		return ortref.New()
	default:
		return nil, errors.Errorf("unknown reference %q, valid values are \"cpu\" or \"onnxruntime\"", name)
	}
}

func runSuite(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	suitePath := fs.String("suite", "", "YAML file with the suite. If empty, the default suite is run.")
	reportPath := fs.String("report", "", "Parquet file where to write the results.")
	referenceName := fs.String("reference", "", "Reference executor (\"cpu\" or \"onnxruntime\"), overrides the suite's.")
	modelsDir := fs.String("models", "", "Directory with the models, overrides the suite's.")
	_ = fs.Parse(args)

	cfg := conformance.DefaultSuite()
	if *suitePath != "" {
		var err error
		if cfg, err = conformance.LoadSuite(*suitePath); err != nil {
			return err
		}
	}
	if *referenceName != "" {
		cfg.Reference = *referenceName
	}
	if *modelsDir != "" {
		cfg.ModelsDir = *modelsDir
	}
	reference, err := newReference(cfg.Reference)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	results, err := conformance.RunSuite(ctx, cfg, reference)
	if err != nil {
		return err
	}
	fmt.Print(report.Summary(results))
	if *reportPath != "" {
		if err := report.Write(*reportPath, results); err != nil {
			return err
		}
		klog.Infof("report written to %q", *reportPath)
	}
	for _, result := range results {
		if !result.Passed {
			return errors.New("some checks failed")
		}
	}
	return nil
}
