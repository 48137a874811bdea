package transfer

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/c360/dataplane/flow"
)

// Backend moves data for the requests it can handle.
//
// CanHandle must be cheap and free of side effects; it usually inspects only
// address types. Validate performs deeper property checks without I/O.
// Transfer blocks until the transfer finishes and reports its outcome.
type Backend interface {
	Name() string
	CanHandle(req flow.Request) bool
	Validate(req flow.Request) Result
	Transfer(ctx context.Context, req flow.Request) Result
}

// SourceProvider is implemented by backends that can stream a request's
// source into a caller-supplied sink.
type SourceProvider interface {
	CanProvide(req flow.Request) bool
	TransferTo(ctx context.Context, req flow.Request, sink Sink) Result
}

// Registry is an append-only list of backends. Registration order defines
// precedence; the registry itself never filters.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewRegistry returns a registry holding the given backends in order
func NewRegistry(backends ...Backend) *Registry {
	return &Registry{backends: slices.Clone(backends)}
}

// Register appends a backend
func (r *Registry) Register(b Backend) {
	if b == nil {
		return
	}
	r.mu.Lock()
	r.backends = append(r.backends, b)
	r.mu.Unlock()
}

// Len returns the number of registered backends
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Backends yields a snapshot of the registered backends in registration order
func (r *Registry) Backends() iter.Seq[Backend] {
	r.mu.RLock()
	snapshot := slices.Clone(r.backends)
	r.mu.RUnlock()
	return slices.Values(snapshot)
}

// Names returns the registered backend names in order
func (r *Registry) Names() []string {
	var names []string
	for b := range r.Backends() {
		names = append(names, b.Name())
	}
	return names
}
