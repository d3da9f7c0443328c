package ep

import (
	"slices"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Factory creates an execution provider from generic options, as read from a configuration file.
type Factory func(options map[string]any) (ExecutionProvider, error)

// Registry manages execution provider factories by kind.
type Registry struct {
	lock      sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers (or replaces) the factory for kind.
func (r *Registry) Register(kind string, factory Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories[kind] = factory
}

// Get retrieves the factory for kind.
func (r *Registry) Get(kind string) (Factory, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	factory, ok := r.factories[kind]
	if !ok {
		return nil, errors.Errorf("execution provider factory not found: %q", kind)
	}
	return factory, nil
}

// Create creates a new provider of the given kind.
func (r *Registry) Create(kind string, options map[string]any) (ExecutionProvider, error) {
	factory, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	provider, err := factory(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating execution provider %q", kind)
	}
	return provider, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// DefaultRegistry is where the provider packages register their factories (in their init functions).
var DefaultRegistry = NewRegistry()

// Register registers a factory in DefaultRegistry.
func Register(kind string, factory Factory) {
	DefaultRegistry.Register(kind, factory)
}

// Create creates a provider using DefaultRegistry.
func Create(kind string, options map[string]any) (ExecutionProvider, error) {
	return DefaultRegistry.Create(kind, options)
}

// DecodeOptions decodes generic options into the config struct pointed by target, using
// the `mapstructure` field tags. Unknown options are an error, and values are converted
// between compatible types (e.g. "true" or 1 to a bool field).
func DecodeOptions(options map[string]any, target any) error {
	var metadata mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &metadata,
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create options decoder")
	}
	if err := decoder.Decode(options); err != nil {
		return errors.Wrap(err, "failed to decode execution provider options")
	}
	if len(metadata.Unused) > 0 {
		slices.Sort(metadata.Unused)
		return errors.Errorf("unknown execution provider options: %q", metadata.Unused)
	}
	return nil
}
