package provider

import (
	"sort"
	"sync"

	"github.com/ossian/flint/pkg/schema"
)

// Registry is a thread-safe lookup of provider implementations by type.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider. Returns an error on duplicate type names.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeDefinition, "provider is nil")
	}
	typ := p.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeDefinition, "provider type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already registered", typ)
	}

	r.providers[typ] = p
	return nil
}

// Get retrieves a provider by type.
func (r *Registry) Get(typ string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "provider %q not registered", typ)
	}
	return p, nil
}

// Has checks whether a provider type is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[typ]
	return ok
}

// Types returns the registered provider types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
