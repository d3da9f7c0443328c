// Package session implements the lifecycle of an inference session: providers are registered,
// a model is loaded and initialized (checked, shape-inferred, partitioned among the providers and
// compiled), and then it can be run any number of times.
package session

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-harness/checker"
	"github.com/gomlx/onnx-harness/ep"
	"github.com/gomlx/onnx-harness/ep/cpu"
	"github.com/gomlx/onnx-harness/inference"
	"github.com/gomlx/onnx-harness/onnx"
	"github.com/gomlx/onnx-harness/schema"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotLoaded is returned when initializing a session without a model.
	ErrNotLoaded = errors.New("session: no model loaded")

	// ErrNotInitialized is returned when running a session before Initialize.
	ErrNotInitialized = errors.New("session: not initialized")

	// ErrAlreadyInitialized is returned when changing a session after Initialize.
	ErrAlreadyInitialized = errors.New("session: already initialized")

	// ErrClosed is returned by any use of a session after Close.
	ErrClosed = errors.New("session: closed")
)

// Options of a Session.
type Options struct {
	// Schemas used by the checker and shape inference. If nil, schema.NewDefaultRegistry() is used.
	Schemas *schema.Registry

	// StrictShapeInference makes shape inference errors fail the initialization.
	StrictShapeInference bool

	// DisableCPUFallback disables the CPU provider otherwise registered last: nodes not claimed by
	// the registered providers make Initialize fail. Providers implementing ep.FallbackController
	// can also disable it.
	DisableCPUFallback bool

	// CPU configures the fallback CPU provider.
	CPU cpu.Options
}

// Session runs a model partitioned among execution providers.
//
// Initialize must not be called concurrently. After initialization, Run is safe for concurrent use.
type Session struct {
	opts Options

	mu          sync.RWMutex
	providers   []ep.ExecutionProvider
	model       *onnx.Model
	view        *ep.GraphView
	partitions  []*ep.Partition
	executables []ep.Executable
	initialized bool
	closed      bool
}

// NewSession creates an empty session.
func NewSession(opts Options) *Session {
	if opts.Schemas == nil {
		opts.Schemas = schema.NewDefaultRegistry()
	}
	return &Session{opts: opts}
}

// RegisterExecutionProvider adds a provider. Providers are asked for their capabilities in the
// order they were registered. Two providers of the same type can't be registered.
func (s *Session) RegisterExecutionProvider(provider ep.ExecutionProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if provider == nil {
		return errors.New("session: nil execution provider")
	}
	for _, p := range s.providers {
		if p.Type() == provider.Type() {
			return errors.Errorf("session: execution provider %q already registered", provider.Type())
		}
	}
	s.providers = append(s.providers, provider)
	return nil
}

// Load reads the model from an ONNX file.
func (s *Session) Load(modelPath string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	model, err := onnx.ReadFile(modelPath)
	if err != nil {
		return err
	}
	if klog.V(2).Enabled() {
		klog.Infof("session: loaded %q:\n%s", modelPath, model)
	}
	return s.LoadModel(model)
}

// LoadModel sets the model of the session. Initialize updates its graph in place with the inferred shapes.
func (s *Session) LoadModel(model *onnx.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if model == nil {
		return errors.New("session: nil model")
	}
	s.model = model
	return nil
}

// Initialize checks the model, infers its shapes, partitions it among the providers and compiles the partitions.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if s.model == nil {
		return ErrNotLoaded
	}
	model := s.model
	if err := checker.CheckModel(&model.Proto, s.opts.Schemas); err != nil {
		return errors.WithMessage(err, "session: invalid model")
	}
	err := inference.InferShapes(&model.Proto, s.opts.Schemas,
		inference.WithStrictMode(s.opts.StrictShapeInference), inference.WithDataPropagation(true))
	if err != nil {
		return errors.WithMessage(err, "session: shape inference")
	}
	if err := model.Reindex(); err != nil {
		return err
	}
	view, err := ep.NewGraphView(model)
	if err != nil {
		return err
	}

	providers, err := s.providersWithFallback()
	if err != nil {
		return err
	}
	partitions, err := ep.PartitionGraph(view, providers)
	if err != nil {
		return errors.WithMessage(err, "session: partitioning graph")
	}
	providerByType := make(map[string]ep.ExecutionProvider, len(providers))
	for _, p := range providers {
		providerByType[p.Type()] = p
	}
	executables := make([]ep.Executable, 0, len(partitions))
	for _, partition := range partitions {
		exec, err := providerByType[partition.ProviderType].Compile(partition)
		if err != nil {
			closeAll(executables)
			return errors.WithMessagef(err, "session: compiling %s", partition)
		}
		executables = append(executables, exec)
	}

	for _, p := range providers {
		klog.V(1).Infof("session: %d of %d nodes assigned to %s", view.CountAssigned(p.Type()), view.NumNodes(), p.Type())
	}
	s.view = view
	s.partitions = partitions
	s.executables = executables
	s.initialized = true
	return nil
}

// providersWithFallback returns the registered providers, followed by the CPU provider unless disabled
// or already registered.
func (s *Session) providersWithFallback() ([]ep.ExecutionProvider, error) {
	providers := slices.Clone(s.providers)
	fallback := !s.opts.DisableCPUFallback
	for _, p := range providers {
		if p.Type() == ep.CPUProviderType {
			fallback = false
		}
		if controller, ok := p.(ep.FallbackController); ok && controller.CPUFallbackDisabled() {
			klog.V(1).Infof("session: CPU fallback disabled by %s", p.Type())
			fallback = false
		}
	}
	if fallback {
		cpuProvider, err := cpu.New(s.opts.CPU)
		if err != nil {
			return nil, err
		}
		providers = append(providers, cpuProvider)
	}
	if len(providers) == 0 {
		return nil, errors.New("session: no execution providers")
	}
	return providers, nil
}

// Run executes the model. The feeds must include every graph input, with a shape matching the model.
// It returns the graph outputs by name.
func (s *Session) Run(ctx context.Context, feeds map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if err := s.validateFeeds(feeds); err != nil {
		return nil, err
	}

	values := maps.Clone(feeds)
	for ii, partition := range s.partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		partitionFeeds := make(map[string]*tensors.Tensor, len(partition.Inputs))
		for _, name := range partition.Inputs {
			partitionFeeds[name] = values[name]
		}
		outputs, err := s.executables[ii].Run(ctx, partitionFeeds)
		if err != nil {
			return nil, errors.WithMessagef(err, "session: running %s", partition)
		}
		for _, name := range partition.Outputs {
			t, found := outputs[name]
			if !found {
				return nil, errors.Errorf("session: %s didn't return output %q", partition, name)
			}
			values[name] = t
		}
	}

	results := make(map[string]*tensors.Tensor, len(s.model.OutputsNames))
	for _, name := range s.model.OutputsNames {
		t, found := values[name]
		if !found {
			initializer := s.model.Initializer(name)
			if initializer == nil {
				return nil, errors.Errorf("session: graph output %q was not computed", name)
			}
			var err error
			if t, err = onnx.TensorToGoMLX(initializer); err != nil {
				return nil, err
			}
		}
		results[name] = t
	}
	return results, nil
}

func (s *Session) validateFeeds(feeds map[string]*tensors.Tensor) error {
	inputShapes := make([]shapes.Shape, len(s.model.InputsNames))
	for ii, name := range s.model.InputsNames {
		t, found := feeds[name]
		if !found {
			return errors.Errorf("session: missing input %q", name)
		}
		inputShapes[ii] = t.Shape()
	}
	for name := range feeds {
		if !slices.Contains(s.model.InputsNames, name) {
			return errors.Errorf("session: unknown input %q, valid inputs are %q", name, s.model.InputsNames)
		}
	}
	return errors.WithMessage(s.model.ValidateInputs(inputShapes...), "session")
}

// Graph returns the partitioned graph, with the nodes assignments. It is nil before Initialize.
func (s *Session) Graph() *ep.GraphView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Partitions returns the partitions in execution order. It is nil before Initialize.
func (s *Session) Partitions() []*ep.Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partitions
}

// Model returns the loaded model, or nil.
func (s *Session) Model() *onnx.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// InputNames returns the names of the graph inputs (excluding initializers).
func (s *Session) InputNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return nil
	}
	return slices.Clone(s.model.InputsNames)
}

// OutputNames returns the names of the graph outputs.
func (s *Session) OutputNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return nil
	}
	return slices.Clone(s.model.OutputsNames)
}

// Close releases the compiled partitions. The session can't be used afterwards: its methods
// return ErrClosed, and its accessors return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := closeAll(s.executables)
	s.closed = true
	s.initialized = false
	s.executables = nil
	s.partitions = nil
	s.view = nil
	s.model = nil
	s.providers = nil
	return err
}

func closeAll(executables []ep.Executable) error {
	var firstErr error
	for _, exec := range executables {
		if err := exec.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
