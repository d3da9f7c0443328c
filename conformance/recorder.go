package conformance

import (
	"fmt"
	"strings"
	"sync"
)

// Recorder implements T outside of tests: it collects the failures of a check.
type Recorder struct {
	mu       sync.Mutex
	name     string
	failures []string
	failed   bool
}

// errFailNow is used to abort a check run by a Recorder.
type errFailNow struct{}

var _ T = (*Recorder)(nil)

// NewRecorder creates a Recorder for the named check.
func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

// Name of the check.
func (r *Recorder) Name() string { return r.name }

// Errorf implements T.
func (r *Recorder) Errorf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	r.failures = append(r.failures, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// FailNow implements T: it aborts the check, which must be running under Run.
func (r *Recorder) FailNow() {
	r.mu.Lock()
	r.failed = true
	r.mu.Unlock()
	panic(errFailNow{})
}

// Helper implements T.
func (r *Recorder) Helper() {}

// Failed implements T.
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Failures returns the messages of the failures so far.
func (r *Recorder) Failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

// Run executes check with the recorder, stopping at the first fatal failure, and returns whether it passed.
// Other panics are propagated.
func (r *Recorder) Run(check func(t T)) (passed bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			if _, ok := recovered.(errFailNow); !ok {
				panic(recovered)
			}
			passed = false
		}
	}()
	check(r)
	return !r.Failed()
}
