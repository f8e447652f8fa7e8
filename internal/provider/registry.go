package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Registration pairs an adapter with the limits it declared.
type Registration struct {
	Adapter Adapter
	Limits  types.Limits
}

// Registry manages adapter factories and registered instances.
// Lookup is by provider id and by capability.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]*Registration),
	}
}

// RegisterFactory registers a factory for an adapter type. Called
// during initialization for every supported provider type.
func (r *Registry) RegisterFactory(adapterType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[adapterType] = factory
}

// Create builds an adapter from configuration using the registered
// factory and registers it under cfg.Name.
func (r *Registry) Create(cfg Config) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter type: %s", cfg.Type)
	}

	adapter, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create adapter %s: %w", cfg.Name, err)
	}

	r.Register(adapter, cfg.Limits)
	return adapter, nil
}

// Register adds an adapter with its declared limits. Re-registering an
// id replaces the previous registration.
func (r *Registry) Register(adapter Adapter, limits types.Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = &Registration{Adapter: adapter, Limits: limits}
}

// Get returns a registration by provider id.
func (r *Registry) Get(id string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[id]
	return reg, ok
}

// ByCapability returns registrations whose adapters advertise every
// requested capability, sorted by id for deterministic iteration.
func (r *Registry) ByCapability(required []types.Capability) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Registration
	for _, reg := range r.adapters {
		if hasAll(reg.Adapter.Capabilities(), required) {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Adapter.Name() < out[j].Adapter.Name()
	})
	return out
}

// ForModel finds a registration that supports the given model.
func (r *Registry) ForModel(model string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if r.adapters[id].Adapter.SupportsModel(model) {
			return r.adapters[id], true
		}
	}
	return nil, false
}

// List returns all registrations sorted by id.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0, len(r.adapters))
	for _, reg := range r.adapters {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Adapter.Name() < out[j].Adapter.Name()
	})
	return out
}

// IDs returns all registered provider ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func hasAll(have, want []types.Capability) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
