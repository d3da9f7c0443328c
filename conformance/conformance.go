// Package conformance checks execution providers: that they claim nodes of a model, and that
// running a model with them matches a reference execution.
//
// The checks report failures through a T, usually a *testing.T. Outside of tests, a Recorder
// collects the failures.
package conformance

import (
	"context"
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/report"
	"github.com/gomlx/onnx-harness/session"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Suite is the name used in the reports of the conformance checks.
const Suite = "conformance"

// T is the subset of testing.TB used by the checks.
type T interface {
	require.TestingT
	Helper()
	Failed() bool
}

// CountAssignedNodes returns the number of nodes of the partitioned graph assigned to the provider type.
func CountAssignedNodes(graph *ep.GraphView, providerType string) int {
	if graph == nil {
		return 0
	}
	return graph.CountAssigned(providerType)
}

// newSession creates a session with the provider registered and the model loaded and initialized.
func newSession(t T, modelPath string, provider ep.ExecutionProvider) *session.Session {
	t.Helper()
	s := session.NewSession(session.Options{})
	require.NoError(t, s.RegisterExecutionProvider(provider), "registering %s", provider.Type())
	require.NoError(t, s.Load(modelPath), "loading %q", modelPath)
	require.NoError(t, s.Initialize(), "initializing session for %q with %s", modelPath, provider.Type())
	return s
}

// LoadAndCountAssigned registers the provider, loads and initializes the model, and checks that the provider
// was assigned at least one node. It returns the number of nodes assigned.
func LoadAndCountAssigned(t T, modelPath string, provider ep.ExecutionProvider) int {
	t.Helper()
	s := newSession(t, modelPath, provider)
	defer func() { assert.NoError(t, s.Close()) }()
	count := CountAssignedNodes(s.Graph(), provider.Type())
	klog.V(1).Infof("%s: %d of %d nodes assigned to %s", modelPath, count, s.Graph().NumNodes(), provider.Type())
	require.Greater(t, count, 0, "no nodes of %q were assigned to %s", modelPath, provider.Type())
	return count
}

// Tolerance for comparing values: |actual - expected| <= Abs + Rel * |expected|.
type Tolerance struct {
	Abs float32 `yaml:"abs"`
	Rel float32 `yaml:"rel"`
}

var (
	// DefaultTolerance for float32 providers.
	DefaultTolerance = Tolerance{Abs: 1e-5, Rel: 1e-5}

	// FP16Tolerance for providers computing in float16.
	FP16Tolerance = Tolerance{Abs: 5e-3, Rel: 1e-2}
)

// Within returns whether actual is within tolerance of expected. Two NaNs are considered equal.
func (tol Tolerance) Within(expected, actual float32) bool {
	if math32.IsNaN(expected) || math32.IsNaN(actual) {
		return math32.IsNaN(expected) && math32.IsNaN(actual)
	}
	if math32.IsInf(expected, 0) || math32.IsInf(actual, 0) {
		return expected == actual
	}
	return math32.Abs(actual-expected) <= tol.Abs+tol.Rel*math32.Abs(expected)
}

// Reference executes a model to produce the expected outputs.
type Reference interface {
	Name() string
	Run(ctx context.Context, modelPath string, feeds map[string]*tensors.Tensor, outputNames []string) (map[string]*tensors.Tensor, error)
}

// CPUReference runs the models with the CPU provider only.
type CPUReference struct {
	Options session.Options
}

// Name implements Reference.
func (r CPUReference) Name() string { return ep.CPUProviderType }

// Run implements Reference.
func (r CPUReference) Run(ctx context.Context, modelPath string, feeds map[string]*tensors.Tensor, outputNames []string) (map[string]*tensors.Tensor, error) {
	s := session.NewSession(r.Options)
	defer func() { _ = s.Close() }()
	if err := s.Load(modelPath); err != nil {
		return nil, err
	}
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	outputs, err := s.Run(ctx, feeds)
	if err != nil {
		return nil, err
	}
	for _, name := range outputNames {
		if _, found := outputs[name]; !found {
			return nil, errors.Errorf("CPU reference: model has no output %q", name)
		}
	}
	return outputs, nil
}

type verifyConfig struct {
	tolerance Tolerance
	reference Reference
	ctx       context.Context
}

// VerifyOption configures RunAndVerifyOutputsWithEP.
type VerifyOption func(cfg *verifyConfig)

// WithTolerance sets the tolerance used to compare the outputs. Default is DefaultTolerance.
func WithTolerance(tol Tolerance) VerifyOption {
	return func(cfg *verifyConfig) { cfg.tolerance = tol }
}

// WithReference sets the reference execution. Default is CPUReference.
func WithReference(reference Reference) VerifyOption {
	return func(cfg *verifyConfig) { cfg.reference = reference }
}

// WithContext sets the context of the executions.
func WithContext(ctx context.Context) VerifyOption {
	return func(cfg *verifyConfig) { cfg.ctx = ctx }
}

// RunAndVerifyOutputsWithEP runs the model with the reference and with the provider, checks that the
// provider was assigned at least one node and that the outputs match within tolerance.
//
// It returns a report of the check.
func RunAndVerifyOutputsWithEP(t T, modelPath, name string, provider ep.ExecutionProvider,
	feeds map[string]*tensors.Tensor, opts ...VerifyOption) report.Result {
	t.Helper()
	cfg := &verifyConfig{tolerance: DefaultTolerance, reference: CPUReference{}, ctx: context.Background()}
	for _, opt := range opts {
		opt(cfg)
	}

	s := newSession(t, modelPath, provider)
	defer func() { assert.NoError(t, s.Close()) }()
	result := report.Result{
		Suite:         Suite,
		Case:          name,
		Provider:      provider.Type(),
		AssignedNodes: CountAssignedNodes(s.Graph(), provider.Type()),
		TotalNodes:    s.Graph().NumNodes(),
	}
	require.Greater(t, result.AssignedNodes, 0, "%s: no nodes of %q were assigned to %s", name, modelPath, provider.Type())

	outputNames := s.OutputNames()
	expected, err := cfg.reference.Run(cfg.ctx, modelPath, feeds, outputNames)
	require.NoError(t, err, "%s: running reference %s", name, cfg.reference.Name())
	actual, err := s.Run(cfg.ctx, feeds)
	require.NoError(t, err, "%s: running with %s", name, provider.Type())

	var mismatches []string
	for _, outputName := range outputNames {
		diff, err := CompareOutputs(expected[outputName], actual[outputName], cfg.tolerance)
		result.MaxAbsDiff = max(result.MaxAbsDiff, diff)
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("output %q: %v", outputName, err))
		}
	}
	result.Passed = len(mismatches) == 0
	if !result.Passed {
		result.Message = fmt.Sprintf("%v", mismatches)
	}
	assert.Empty(t, mismatches, "%s: outputs of %s differ from reference %s", name, provider.Type(), cfg.reference.Name())
	klog.V(1).Infof("%s: %d of %d nodes assigned to %s, max abs diff %g", name, result.AssignedNodes, result.TotalNodes,
		provider.Type(), result.MaxAbsDiff)
	return result
}

// CompareOutputs compares two tensors of the same shape with the tolerance, after converting their values
// to float32. Non-float tensors must also have the same dtype.
//
// It returns the maximum absolute difference, and an error describing the first mismatch.
func CompareOutputs(expected, actual *tensors.Tensor, tol Tolerance) (maxAbsDiff float32, err error) {
	if expected == nil || actual == nil {
		return 0, errors.New("missing output")
	}
	if !slices.Equal(expected.Shape().Dimensions, actual.Shape().Dimensions) {
		return 0, errors.Errorf("expected shape %s, got %s", expected.Shape(), actual.Shape())
	}
	expectedValues, err := asFloat32(expected)
	if err != nil {
		return 0, err
	}
	actualValues, err := asFloat32(actual)
	if err != nil {
		return 0, err
	}
	if !expected.DType().IsFloat() && expected.DType() != actual.DType() {
		return 0, errors.Errorf("expected dtype %s, got %s", expected.DType(), actual.DType())
	}
	firstMismatch := -1
	for ii, want := range expectedValues {
		got := actualValues[ii]
		if !math32.IsNaN(want) && !math32.IsNaN(got) {
			maxAbsDiff = max(maxAbsDiff, math32.Abs(got-want))
		}
		if !tol.Within(want, got) && firstMismatch < 0 {
			firstMismatch = ii
		}
	}
	if firstMismatch >= 0 {
		return maxAbsDiff, errors.Errorf("element #%d: expected %g, got %g (tolerance %+v)",
			firstMismatch, expectedValues[firstMismatch], actualValues[firstMismatch], tol)
	}
	return maxAbsDiff, nil
}

func asFloat32(t *tensors.Tensor) ([]float32, error) {
	switch t.DType() {
	case dtypes.Float32:
		return tensors.MustCopyFlatData[float32](t), nil
	case dtypes.Float64:
		return convertFlat(tensors.MustCopyFlatData[float64](t)), nil
	case dtypes.Float16:
		values := tensors.MustCopyFlatData[float16.Float16](t)
		converted := make([]float32, len(values))
		for ii, v := range values {
			converted[ii] = v.Float32()
		}
		return converted, nil
	case dtypes.Int32:
		return convertFlat(tensors.MustCopyFlatData[int32](t)), nil
	case dtypes.Int64:
		return convertFlat(tensors.MustCopyFlatData[int64](t)), nil
	case dtypes.Bool:
		values := tensors.MustCopyFlatData[bool](t)
		converted := make([]float32, len(values))
		for ii, v := range values {
			if v {
				converted[ii] = 1
			}
		}
		return converted, nil
	default:
		return nil, errors.Errorf("dtype %s not supported for comparison", t.DType())
	}
}

func convertFlat[T float64 | int32 | int64](values []T) []float32 {
	converted := make([]float32, len(values))
	for ii, v := range values {
		converted[ii] = float32(v)
	}
	return converted
}

// Check runs RunAndVerifyOutputsWithEP if canExecute returns true, and otherwise only checks that the
// provider claims nodes of the model with LoadAndCountAssigned.
//
// The report of the numeric verification is returned, or a report with only the node counts.
func Check(t T, modelPath, name string, provider ep.ExecutionProvider, feeds map[string]*tensors.Tensor,
	canExecute func() bool, opts ...VerifyOption) report.Result {
	t.Helper()
	if canExecute != nil && canExecute() {
		return RunAndVerifyOutputsWithEP(t, modelPath, name, provider, feeds, opts...)
	}
	klog.V(1).Infof("%s: %s can't execute on this host, only checking node assignment", name, provider.Type())
	count := LoadAndCountAssigned(t, modelPath, provider)
	return report.Result{
		Suite:         Suite,
		Case:          name,
		Provider:      provider.Type(),
		AssignedNodes: count,
		Passed:        count > 0 && !t.Failed(),
		Message:       "node assignment only",
	}
}
