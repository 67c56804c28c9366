package agent

import (
	"fmt"
	"sync"
)

// ProviderResolver maps provider ids to registered provider instances and
// resolves bare model names to the provider that serves them. Providers
// are registered once at startup; lookups are read-mostly.
type ProviderResolver struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
	order     []string
}

// NewProviderResolver creates an empty resolver.
func NewProviderResolver() *ProviderResolver {
	return &ProviderResolver{providers: make(map[string]LLMProvider)}
}

// Register adds provider under key. Registering the same key twice
// replaces the earlier instance.
func (r *ProviderResolver) Register(key string, provider LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[key]; !exists {
		r.order = append(r.order, key)
	}
	r.providers[key] = provider
}

// Resolve returns the provider registered under providerID.
func (r *ProviderResolver) Resolve(providerID string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", providerID)
	}
	return p, nil
}

// ResolveModel finds the provider serving a bare model name, returning
// the provider key and the model's metadata (including its context
// size). Providers are scanned in registration order.
func (r *ProviderResolver) ResolveModel(modelID string) (string, Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.order {
		for _, m := range r.providers[key].Models() {
			if m.ID == modelID {
				return key, m, true
			}
		}
	}
	return "", Model{}, false
}
