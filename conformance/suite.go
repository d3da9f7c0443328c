package conformance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/ep/coreml"
	"github.com/gomlx/onnx-harness/report"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// SuiteConfig describes a conformance suite: every case is checked with every provider.
//
// Example:
//
//	seed: 42
//	reference: cpu
//	tolerance: {abs: 1e-5, rel: 1e-5}
//	providers:
//	  - name: coreml-fp16
//	    kind: coreml
//	    options: {flags: "USE_FP16", device: emulated}
//	    tolerance: {abs: 5e-3, rel: 1e-2}
//	cases:
//	  - name: AddChain
//	    model: graph_1.onnx
//	  - name: MNIST
//	    model: mnist_like.onnx
//	    feeds:
//	      Input3: {dims: [1, 1, 28, 28], gaussian: {mean: 0, stddev: 1, seed: 7}}
type SuiteConfig struct {
	// Seed of the random weights of the generated models.
	Seed uint64 `yaml:"seed"`

	// ModelsDir where the case models are. If empty, the models of WriteModels are generated in a temporary directory.
	ModelsDir string `yaml:"models_dir"`

	// Reference executor: "cpu" (default) or "onnxruntime".
	Reference string `yaml:"reference"`

	// Tolerance used when the provider doesn't define one.
	Tolerance *Tolerance `yaml:"tolerance"`

	Providers []ProviderConfig `yaml:"providers"`
	Cases     []CaseConfig     `yaml:"cases"`
}

// ProviderConfig describes an execution provider created with ep.Create.
type ProviderConfig struct {
	// Name used in the reports. Defaults to Kind.
	Name      string         `yaml:"name"`
	Kind      string         `yaml:"kind"`
	Options   map[string]any `yaml:"options"`
	Tolerance *Tolerance     `yaml:"tolerance"`
}

// Execution modes of a case.
const (
	// ExecuteAuto verifies the outputs if the provider can execute on this host.
	ExecuteAuto = "auto"
	// ExecuteAlways verifies the outputs.
	ExecuteAlways = "always"
	// ExecuteNever only checks the node assignment.
	ExecuteNever = "never"
)

// CaseConfig describes one model to check.
type CaseConfig struct {
	Name string `yaml:"name"`

	// Model file, relative to SuiteConfig.ModelsDir.
	Model string `yaml:"model"`

	// Feeds by input name. For the models of WriteModels, they default to the feeds used by the tests.
	Feeds map[string]FeedConfig `yaml:"feeds"`

	// Execute is one of ExecuteAuto (default), ExecuteAlways or ExecuteNever.
	Execute string `yaml:"execute"`
}

// FeedConfig describes a float32 input, either by its values or drawn from a normal distribution.
type FeedConfig struct {
	Dims     []int           `yaml:"dims"`
	Values   []float32       `yaml:"values"`
	Gaussian *GaussianConfig `yaml:"gaussian"`
}

// GaussianConfig are the parameters of GaussianTensor.
type GaussianConfig struct {
	Mean   float32 `yaml:"mean"`
	Stddev float32 `yaml:"stddev"`
	Seed   uint64  `yaml:"seed"`
}

// ParseSuite parses a YAML suite configuration.
func ParseSuite(data []byte) (*SuiteConfig, error) {
	cfg := &SuiteConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing suite")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSuite reads a YAML suite configuration.
func LoadSuite(filePath string) (*SuiteConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading suite %q", filePath)
	}
	cfg, err := ParseSuite(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "suite %q", filePath)
	}
	return cfg, nil
}

// DefaultSuite checks the models of WriteModels with the CoreML provider, in float32 and float16.
func DefaultSuite() *SuiteConfig {
	fp16Tolerance := FP16Tolerance
	return &SuiteConfig{
		Seed: 42,
		Providers: []ProviderConfig{
			{Name: "coreml", Kind: coreml.Kind, Options: map[string]any{"flags": "USE_NONE"}},
			{Name: "coreml-fp16", Kind: coreml.Kind, Options: map[string]any{"flags": "USE_FP16"}, Tolerance: &fp16Tolerance},
		},
		Cases: []CaseConfig{
			{Name: "ReshapeFlatten", Model: ReshapeFlattenModelFile},
			{Name: "Function", Model: AddChainModelFile},
			{Name: "MNISTLike", Model: MNISTLikeModelFile},
		},
	}
}

// Validate checks the configuration and sets the defaults.
func (cfg *SuiteConfig) Validate() error {
	if len(cfg.Providers) == 0 {
		return errors.New("suite has no providers")
	}
	for ii := range cfg.Providers {
		p := &cfg.Providers[ii]
		if p.Kind == "" {
			return errors.Errorf("provider #%d has no kind", ii)
		}
		if p.Name == "" {
			p.Name = p.Kind
		}
	}
	for ii := range cfg.Cases {
		c := &cfg.Cases[ii]
		if c.Model == "" {
			return errors.Errorf("case #%d has no model", ii)
		}
		if c.Name == "" {
			c.Name = strings.TrimSuffix(filepath.Base(c.Model), filepath.Ext(c.Model))
		}
		switch c.Execute {
		case "":
			c.Execute = ExecuteAuto
		case ExecuteAuto, ExecuteAlways, ExecuteNever:
		default:
			return errors.Errorf("case %q: invalid execute mode %q, valid values are %q, %q or %q",
				c.Name, c.Execute, ExecuteAuto, ExecuteAlways, ExecuteNever)
		}
	}
	return nil
}

// feeds creates the input tensors of the case.
func (c *CaseConfig) feeds() (map[string]*tensors.Tensor, error) {
	if len(c.Feeds) == 0 {
		switch filepath.Base(c.Model) {
		case ReshapeFlattenModelFile:
			return ReshapeFlattenFeeds(), nil
		case AddChainModelFile:
			return AddChainFeeds(), nil
		case MNISTLikeModelFile:
			return map[string]*tensors.Tensor{MNISTInputName: GaussianTensor(MNISTInputDims, 0, 1, 7)}, nil
		}
	}
	feeds := make(map[string]*tensors.Tensor, len(c.Feeds))
	for name, feed := range c.Feeds {
		switch {
		case feed.Gaussian != nil:
			feeds[name] = GaussianTensor(feed.Dims, feed.Gaussian.Mean, feed.Gaussian.Stddev, feed.Gaussian.Seed)
		default:
			size := 1
			for _, dim := range feed.Dims {
				size *= dim
			}
			if size != len(feed.Values) {
				return nil, errors.Errorf("feed %q has dims %v but %d values", name, feed.Dims, len(feed.Values))
			}
			feeds[name] = tensors.FromFlatDataAndDimensions(feed.Values, feed.Dims...)
		}
	}
	return feeds, nil
}

// canExecute returns the predicate used by Check for the provider and execution mode.
func canExecute(provider ep.ExecutionProvider, mode string) func() bool {
	switch mode {
	case ExecuteAlways:
		return func() bool { return true }
	case ExecuteNever:
		return func() bool { return false }
	}
	if p, ok := provider.(*coreml.Provider); ok {
		return p.Device().Available
	}
	return func() bool { return true }
}

// RunSuite checks every case with every provider, and returns one result per pair.
// Failing checks are reported in the results, errors are returned only for invalid configurations.
//
// If reference is nil, CPUReference is used.
func RunSuite(ctx context.Context, cfg *SuiteConfig, reference Reference) ([]report.Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reference == nil {
		reference = CPUReference{}
	}
	modelsDir := cfg.ModelsDir
	if modelsDir == "" {
		var err error
		modelsDir, err = os.MkdirTemp("", "onnx-harness-models-")
		if err != nil {
			return nil, errors.Wrap(err, "creating models directory")
		}
		defer func() { _ = os.RemoveAll(modelsDir) }()
		if err := WriteModels(modelsDir, cfg.Seed); err != nil {
			return nil, err
		}
	}

	var results []report.Result
	for _, providerCfg := range cfg.Providers {
		tol := DefaultTolerance
		switch {
		case providerCfg.Tolerance != nil:
			tol = *providerCfg.Tolerance
		case cfg.Tolerance != nil:
			tol = *cfg.Tolerance
		}
		for _, caseCfg := range cfg.Cases {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			provider, err := ep.Create(providerCfg.Kind, providerCfg.Options)
			if err != nil {
				return nil, errors.WithMessagef(err, "provider %q", providerCfg.Name)
			}
			feeds, err := caseCfg.feeds()
			if err != nil {
				return nil, errors.WithMessagef(err, "case %q", caseCfg.Name)
			}
			name := fmt.Sprintf("%s/%s", caseCfg.Name, providerCfg.Name)
			modelPath := filepath.Join(modelsDir, caseCfg.Model)
			recorder := NewRecorder(name)
			var result report.Result
			passed := recorder.Run(func(t T) {
				result = Check(t, modelPath, name, provider, feeds, canExecute(provider, caseCfg.Execute),
					WithTolerance(tol), WithReference(reference), WithContext(ctx))
			})
			result.Suite, result.Case, result.Provider = Suite, name, provider.Type()
			if !passed {
				result.Passed = false
				result.Message = strings.Join(recorder.Failures(), "; ")
			}
			klog.Infof("%s", result)
			results = append(results, result)
		}
	}
	return results, nil
}
