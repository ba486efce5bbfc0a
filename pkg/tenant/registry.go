package tenant

import (
	"sync"

	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/ids"
)

// Registry maps tenant ID to a cached Facade (C9), holding the registered
// TenantConfig for each tenant it knows about. Safe for concurrent,
// reader-heavy access.
type Registry struct {
	engine *engine.Engine

	mu       sync.RWMutex
	configs  map[ids.TenantID]Config
	facades  map[ids.TenantID]*Facade
}

// NewRegistry builds a registry backed by the shared engine.
func NewRegistry(eng *engine.Engine) *Registry {
	return &Registry{
		engine:  eng,
		configs: make(map[ids.TenantID]Config),
		facades: make(map[ids.TenantID]*Facade),
	}
}

// AddConfig registers (or replaces) cfg for its tenant and evicts any cached
// facade so the next GetFacade call rebuilds it against the new config.
func (r *Registry) AddConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.TenantID] = cfg
	delete(r.facades, cfg.TenantID)
}

// GetConfig returns the registered config for tenantID, if any.
func (r *Registry) GetConfig(tenantID ids.TenantID) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[tenantID]
	return cfg, ok
}

// GetFacade returns the cached facade for tenantID, creating one on miss
// using the registered config or DefaultConfig if none was registered.
// Tenant removal does not cancel executions already running against the
// evicted facade — those complete against their original configuration,
// per §5's cancellation policy.
func (r *Registry) GetFacade(tenantID ids.TenantID) *Facade {
	r.mu.RLock()
	if f, ok := r.facades[tenantID]; ok {
		r.mu.RUnlock()
		return f
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.facades[tenantID]; ok {
		return f
	}
	cfg, ok := r.configs[tenantID]
	if !ok {
		cfg = DefaultConfig(tenantID)
	}
	f := NewFacade(tenantID, cfg, r.engine)
	r.facades[tenantID] = f
	return f
}

// RemoveConfig evicts the tenant's config and cached facade.
func (r *Registry) RemoveConfig(tenantID ids.TenantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, tenantID)
	delete(r.facades, tenantID)
}

// ListTenantIDs returns every tenant with a registered config.
func (r *Registry) ListTenantIDs() []ids.TenantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ids.TenantID, 0, len(r.configs))
	for id := range r.configs {
		out = append(out, id)
	}
	return out
}
