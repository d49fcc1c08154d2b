package channel

import (
	"fmt"
	"sync"
)

// Registry holds the configured channel adapters keyed by type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Type]Adapter)}
}

// Register adds an adapter. Registering the same type twice replaces the
// earlier adapter.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for the given type.
func (r *Registry) Get(t Type) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %q", t)
	}
	return a, nil
}

// Deliverer returns the adapter for the given type if it can deliver.
func (r *Registry) Deliverer(t Type) (Deliverer, error) {
	a, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	d, ok := a.(Deliverer)
	if !ok {
		return nil, fmt.Errorf("channel %q: %w", t, ErrDeliveryUnsupported)
	}
	return d, nil
}

// Types lists the registered channel types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}
