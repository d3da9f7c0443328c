// Package schema holds operator schemas: their arity, attributes and shape inference functions.
//
// Registries are explicitly constructed and passed around, see NewDefaultRegistry.
package schema

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/onnx-harness/internal/protos"
	"github.com/pkg/errors"
)

// ContribDomain is the domain of the Microsoft contrib operators.
const ContribDomain = "com.microsoft"

// NormalizeDomain maps "ai.onnx" to the default domain "".
func NormalizeDomain(domain string) string {
	if domain == "ai.onnx" {
		return ""
	}
	return domain
}

// AttrSpec describes one attribute accepted by an operator.
type AttrSpec struct {
	Name     string
	Type     protos.AttributeProto_AttributeType
	Required bool
}

// InferenceFunction infers the output types of a node from its input types and attributes.
// Returned errors are wrapped into *InferenceError by the caller.
type InferenceFunction func(ctx InferenceContext) error

// InferenceContext is what an InferenceFunction sees of the node being inferred.
type InferenceContext interface {
	// Node being inferred.
	Node() *protos.NodeProto

	// NumInputs includes omitted optional inputs.
	NumInputs() int

	// InputType returns the known type of input i, or nil if unknown or omitted.
	InputType(i int) *protos.TypeProto

	// InputData returns the constant value of input i (initializer or Constant node output), or nil.
	InputData(i int) *protos.TensorProto

	// Attribute returns the named attribute, or nil if not set.
	Attribute(name string) *protos.AttributeProto

	NumOutputs() int

	// SetOutputType sets the inferred type of output i.
	SetOutputType(i int, t *protos.TypeProto)
}

// OpSchema describes one version of an operator.
type OpSchema struct {
	Domain       string
	Name         string
	SinceVersion int64

	MinInputs, MaxInputs   int
	MinOutputs, MaxOutputs int
	Attributes             []AttrSpec
	Doc                    string

	// Inference is optional: without it the output types are left unknown.
	Inference InferenceFunction
}

// String implements fmt.Stringer.
func (s *OpSchema) String() string {
	domain := s.Domain
	if domain == "" {
		domain = "ai.onnx"
	}
	return fmt.Sprintf("%s.%s-%d", domain, s.Name, s.SinceVersion)
}

// Attribute returns the spec of the named attribute, or nil if the operator doesn't declare it.
func (s *OpSchema) Attribute(name string) *AttrSpec {
	for ii := range s.Attributes {
		if s.Attributes[ii].Name == name {
			return &s.Attributes[ii]
		}
	}
	return nil
}

// InferenceError is returned when a node's inference function fails.
type InferenceError struct {
	NodeName string
	OpType   string
	Domain   string
	Err      error
}

// NewInferenceError wraps err with information about node.
func NewInferenceError(node *protos.NodeProto, err error) *InferenceError {
	return &InferenceError{NodeName: node.GetName(), OpType: node.GetOpType(), Domain: node.GetDomain(), Err: err}
}

// Error implements error.
func (e *InferenceError) Error() string {
	opType := e.OpType
	if e.Domain != "" {
		opType = e.Domain + "." + opType
	}
	return fmt.Sprintf("shape inference failed for node %q (%s): %v", e.NodeName, opType, e.Err)
}

// Unwrap allows errors.Is/As on the underlying error.
func (e *InferenceError) Unwrap() error { return e.Err }

type opKey struct {
	domain, name string
}

// Registry maps (domain, op type, opset version) to OpSchema. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[opKey][]*OpSchema // Sorted by SinceVersion.
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[opKey][]*OpSchema)}
}

// NewDefaultRegistry returns a Registry with the ONNX domain and the contrib domain registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range onnxSchemas() {
		r.MustRegister(s)
	}
	for _, s := range contribSchemas() {
		r.MustRegister(s)
	}
	return r
}

// Register adds a schema. A schema with the same domain, name and since version can't be registered twice.
func (r *Registry) Register(s *OpSchema) error {
	if s == nil || s.Name == "" {
		return errors.New("schema must have a name")
	}
	if s.SinceVersion < 1 {
		return errors.Errorf("schema %s must have a positive since version", s)
	}
	if s.MaxInputs >= 0 && s.MaxInputs < s.MinInputs {
		return errors.Errorf("schema %s: max inputs %d < min inputs %d", s, s.MaxInputs, s.MinInputs)
	}
	s.Domain = NormalizeDomain(s.Domain)
	key := opKey{s.Domain, s.Name}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.schemas[key]
	for _, existing := range versions {
		if existing.SinceVersion == s.SinceVersion {
			return errors.Errorf("schema %s already registered", s)
		}
	}
	versions = append(versions, s)
	sort.Slice(versions, func(i, j int) bool { return versions[i].SinceVersion < versions[j].SinceVersion })
	r.schemas[key] = versions
	return nil
}

// MustRegister is like Register, but panics on error.
func (r *Registry) MustRegister(s *OpSchema) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the schema with the highest since version not greater than opsetVersion, or nil.
func (r *Registry) Lookup(domain, opType string, opsetVersion int64) *OpSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.schemas[opKey{NormalizeDomain(domain), opType}]
	for ii := len(versions) - 1; ii >= 0; ii-- {
		if versions[ii].SinceVersion <= opsetVersion {
			return versions[ii]
		}
	}
	return nil
}

// Domains returns the sorted list of registered domains.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var domains []string
	for key := range r.schemas {
		if !slices.Contains(domains, key.domain) {
			domains = append(domains, key.domain)
		}
	}
	slices.Sort(domains)
	return domains
}

// OpTypes returns the sorted op types registered for domain.
func (r *Registry) OpTypes(domain string) []string {
	domain = NormalizeDomain(domain)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ops []string
	for key := range r.schemas {
		if key.domain == domain {
			ops = append(ops, key.name)
		}
	}
	slices.Sort(ops)
	return ops
}
