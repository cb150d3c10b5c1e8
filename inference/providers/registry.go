package providers

import (
	"fmt"
	"sync"
)

// Registry maps each kind to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Kind]Adapter)}
}

// Register installs the adapter for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, adapter Adapter) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if adapter == nil {
		return fmt.Errorf("providers: nil adapter for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = adapter
	return nil
}

// Lookup returns the adapter for kind.
func (r *Registry) Lookup(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for %q", ErrUnknownKind, kind)
	}
	return adapter, nil
}

// Missing lists supported kinds that have no adapter registered.
func (r *Registry) Missing() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Kind
	for _, kind := range Kinds {
		if _, ok := r.adapters[kind]; !ok {
			out = append(out, kind)
		}
	}
	return out
}
