// Package ops exposes Go functions to JavaScript as named ops.
//
// Every op on a runtime goes through a single Go entry point,
// __hostOp(name, args). The op registry is kept in the isolate's side-slot
// table, and the dispatcher looks it up from there on each call. JS
// reaches an op as Deno.core.ops.<name> (aliased as core.ops.<name>), or by
// name through Deno.core.opSync.
package ops

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var (
	// ErrInvalidOpName is returned for names that are not JS identifiers.
	ErrInvalidOpName = errors.New("invalid op name")

	// ErrOpNotFound is reported to JS when an op name has no callable.
	ErrOpNotFound = errors.New("op not found")
)

// Func is a Go callable exposed to JS. Arguments arrive converted by the
// bridge package; the result is converted back the same way.
type Func func(args ...any) (any, error)

var opName = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// ValidName reports whether name can be used as an op name.
func ValidName(name string) bool {
	return opName.MatchString(name)
}

// Registry maps op names to callables for one isolate. The lock guards
// the map only; it is never held while an op runs, so ops may call back
// into the runtime.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Func)}
}

// Register adds or replaces an op.
func (r *Registry) Register(name string, fn Func) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidOpName, name)
	}
	if fn == nil {
		return fmt.Errorf("op %q: nil callable", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
	return nil
}

// Lookup returns the callable registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	return fn, ok
}

// Names returns the registered op names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered ops.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}
