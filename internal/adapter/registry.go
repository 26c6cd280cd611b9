package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps session kinds to adapters. Registration happens once at
// startup, then the registry is frozen; lookups after Freeze are
// lock-free map reads.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its kind. It panics if called after
// Freeze or if the kind is already taken; both are wiring bugs.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic("adapter: Register after Freeze")
	}
	kind := a.Kind()
	if _, dup := r.adapters[kind]; dup {
		panic(fmt.Sprintf("adapter: duplicate kind %q", kind))
	}
	r.adapters[kind] = a
}

// Freeze seals the registry. After Freeze, Get performs unsynchronized
// reads, which is safe because the map is never written again.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the adapter for a kind, or nil if none is registered.
func (r *Registry) Get(kind string) Adapter {
	if !r.frozen {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.adapters[kind]
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	if !r.frozen {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	kinds := make([]string, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
