package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/provider"
	"github.com/castingclouds/agentengine/pkg/storage"
	"github.com/castingclouds/agentengine/pkg/streambus"
)

func newTestRegistry() *Registry {
	store := storage.NewTenantStore(storage.NewMemoryKVStore())
	bus := streambus.New(16)
	eng := engine.New(store, bus, provider.NewRegistry(), engine.Config{MaxConcurrentExecutions: 10})
	return NewRegistry(eng)
}

func TestGetFacadeCreatesDefaultConfigOnMiss(t *testing.T) {
	r := newTestRegistry()
	f := r.GetFacade("unregistered-tenant")
	require.NotNil(t, f)
	assert.Equal(t, "Default Tenant", f.Config().Name)
}

func TestGetFacadeCachesAcrossCalls(t *testing.T) {
	r := newTestRegistry()
	f1 := r.GetFacade("t1")
	f2 := r.GetFacade("t1")
	assert.Same(t, f1, f2)
}

func TestAddConfigEvictsCachedFacade(t *testing.T) {
	r := newTestRegistry()
	f1 := r.GetFacade("t1")

	cfg := DefaultConfig("t1")
	cfg.Name = "Renamed Tenant"
	r.AddConfig(cfg)

	f2 := r.GetFacade("t1")
	assert.NotSame(t, f1, f2)
	assert.Equal(t, "Renamed Tenant", f2.Config().Name)
}

func TestGetConfigReflectsRegistration(t *testing.T) {
	r := newTestRegistry()
	_, ok := r.GetConfig("t1")
	assert.False(t, ok)

	cfg := DefaultConfig("t1")
	r.AddConfig(cfg)

	got, ok := r.GetConfig("t1")
	require.True(t, ok)
	assert.Equal(t, ids.TenantID("t1"), got.TenantID)
}

func TestRemoveConfigEvictsBothConfigAndFacade(t *testing.T) {
	r := newTestRegistry()
	r.AddConfig(DefaultConfig("t1"))
	f1 := r.GetFacade("t1")

	r.RemoveConfig("t1")
	_, ok := r.GetConfig("t1")
	assert.False(t, ok)

	f2 := r.GetFacade("t1")
	assert.NotSame(t, f1, f2)
	assert.Equal(t, "Default Tenant", f2.Config().Name)
}

func TestListTenantIDsReturnsOnlyRegistered(t *testing.T) {
	r := newTestRegistry()
	r.AddConfig(DefaultConfig("t1"))
	r.AddConfig(DefaultConfig("t2"))
	r.GetFacade("t3") // facade-only, never registered via AddConfig

	tenantIDs := r.ListTenantIDs()
	assert.Len(t, tenantIDs, 2)
}
