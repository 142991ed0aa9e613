package subscribe

import (
	"sync"
)

// Registry tracks the active subscription (compiled filter) per client.
//
// It is owned by the engine instance; there are no package-level registries.
// Filters are immutable snapshots: Update compiles a fresh Filter and swaps
// the pointer, so the router can never observe a partially applied spec. An
// update applies only to envelopes evaluated after it commits.
type Registry struct {
	mu      sync.RWMutex
	filters map[string]*Filter
}

func NewRegistry() *Registry {
	return &Registry{filters: map[string]*Filter{}}
}

// Subscribe installs the client's filter, replacing any previous one.
func (r *Registry) Subscribe(clientID string, spec FilterSpec) (*Filter, error) {
	f, err := Compile(spec)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.filters[clientID] = f
	r.mu.Unlock()
	return f, nil
}

// Update replaces the client's filter. On validation failure the previous
// valid filter remains in effect.
func (r *Registry) Update(clientID string, spec FilterSpec) (*Filter, error) {
	return r.Subscribe(clientID, spec)
}

func (r *Registry) Unsubscribe(clientID string) {
	r.mu.Lock()
	delete(r.filters, clientID)
	r.mu.Unlock()
}

// Get returns the client's current filter snapshot.
func (r *Registry) Get(clientID string) (*Filter, bool) {
	r.mu.RLock()
	f, ok := r.filters[clientID]
	r.mu.RUnlock()
	return f, ok
}

// Snapshot copies the active (clientID, filter) set for one evaluation cycle.
func (r *Registry) Snapshot() map[string]*Filter {
	r.mu.RLock()
	out := make(map[string]*Filter, len(r.filters))
	for id, f := range r.filters {
		out[id] = f
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.filters)
	r.mu.RUnlock()
	return n
}
