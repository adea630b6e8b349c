package router

import (
	"fmt"
	"sync"

	"github.com/af-corp/switchboard/internal/config"
	"github.com/af-corp/switchboard/internal/router/adapters"
	"github.com/af-corp/switchboard/internal/types"
)

// Registry holds the configured providers in declaration order, their
// adapters and the polling pool. It is swapped wholesale on config reload.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]adapters.Adapter
	pool     types.PollingPool
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]adapters.Adapter),
	}
}

// Register adds an adapter, keeping declaration order.
func (r *Registry) Register(adapter adapters.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := adapter.Provider().ID
	if _, ok := r.adapters[id]; !ok {
		r.order = append(r.order, id)
	}
	r.adapters[id] = adapter
}

func (r *Registry) Get(id string) (adapters.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Provider returns the provider config for id, or nil.
func (r *Registry) Provider(id string) *types.Provider {
	a, ok := r.Get(id)
	if !ok {
		return nil
	}
	return a.Provider()
}

// Providers returns every provider in declaration order.
func (r *Registry) Providers() []*types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id].Provider())
	}
	return out
}

// Adapters returns every adapter in declaration order.
func (r *Registry) Adapters() []adapters.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapters.Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

func (r *Registry) SetPool(pool types.PollingPool) {
	r.mu.Lock()
	r.pool = pool
	r.mu.Unlock()
}

// Pool returns the current polling pool. Callers must not mutate it.
func (r *Registry) Pool() *types.PollingPool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool := r.pool
	return &pool
}

// Replace installs the contents of other into r.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	order := append([]string(nil), other.order...)
	adapterMap := make(map[string]adapters.Adapter, len(other.adapters))
	for k, v := range other.adapters {
		adapterMap[k] = v
	}
	pool := other.pool
	other.mu.RUnlock()

	r.mu.Lock()
	r.order = order
	r.adapters = adapterMap
	r.pool = pool
	r.mu.Unlock()
}

// BuildFromConfig builds provider adapters and the pool from the providers config.
func BuildFromConfig(provCfg *config.ProvidersConfig, opts adapters.ClientOptions) (*Registry, error) {
	registry := NewRegistry()
	for i := range provCfg.Providers {
		p := provCfg.Providers[i]
		client, err := adapters.NewHTTPClient(&p, opts)
		if err != nil {
			return nil, err
		}
		adapter, err := adapters.New(&p, client)
		if err != nil {
			return nil, fmt.Errorf("build adapter: %w", err)
		}
		registry.Register(adapter)
	}
	registry.SetPool(provCfg.Pool)
	return registry, nil
}
