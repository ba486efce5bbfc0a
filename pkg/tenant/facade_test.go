package tenant

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/agentengine/pkg/agentdef"
	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/errs"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/provider"
	"github.com/castingclouds/agentengine/pkg/storage"
	"github.com/castingclouds/agentengine/pkg/streambus"
)

func newTestFacade(t *testing.T, tenantID ids.TenantID, cfg Config) *Facade {
	t.Helper()
	store := storage.NewTenantStore(storage.NewMemoryKVStore())
	bus := streambus.New(16)
	reg := provider.NewRegistry()
	reg.Register(agentdef.ProviderOpenAI, provider.NewSimulatedDispatcher(agentdef.ProviderOpenAI))
	eng := engine.New(store, bus, reg, engine.Config{MaxConcurrentExecutions: 50, StreamBufferSize: 16})

	def := agentdef.AgentDefinition{
		ID:       "agent-1",
		Provider: agentdef.ProviderSelector{Kind: agentdef.ProviderOpenAI, Model: "test-model"},
		Prompts:  agentdef.PromptSet{System: "sys", UserTemplate: "hi"},
	}
	require.NoError(t, store.StoreAgent(context.Background(), tenantID, def))

	return NewFacade(tenantID, cfg, eng)
}

func TestFacadeExecuteHappyPath(t *testing.T) {
	cfg := DefaultConfig("t1")
	f := newTestFacade(t, "t1", cfg)

	exec, err := f.Execute(context.Background(), engine.ActivityConfig{AgentID: "agent-1"}, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, ids.TenantID("t1"), exec.TenantID())
}

func TestFacadeInjectsTenantIDWhenMissing(t *testing.T) {
	cfg := DefaultConfig("t1")
	f := newTestFacade(t, "t1", cfg)

	exec, err := f.Execute(context.Background(), engine.ActivityConfig{AgentID: "agent-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", exec.Context["tenant_id"])
}

func TestFacadeRequestRateLimitPreventsExecution(t *testing.T) {
	cfg := DefaultConfig("t1")
	cfg.RateLimits.RequestsPerMinute = 0
	f := newTestFacade(t, "t1", cfg)

	_, err := f.Execute(context.Background(), engine.ActivityConfig{AgentID: "agent-1"}, map[string]interface{}{})
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindRateLimited, e.Kind)
	assert.Equal(t, 0, f.ActiveExecutions())
}

func TestFacadeConcurrencyCapRejectsOverflow(t *testing.T) {
	cfg := DefaultConfig("t1")
	cfg.MaxConcurrentExecutions = 1
	f := newTestFacade(t, "t1", cfg)

	ok := f.acquireSlot()
	require.True(t, ok)
	defer f.releaseSlot()

	_, err := f.Execute(context.Background(), engine.ActivityConfig{AgentID: "agent-1"}, map[string]interface{}{})
	e, isErr := errs.As(err)
	require.True(t, isErr)
	assert.Equal(t, errs.KindTooManyRequests, e.Kind)
}

func TestFacadeReleasesSlotAfterExecute(t *testing.T) {
	cfg := DefaultConfig("t1")
	f := newTestFacade(t, "t1", cfg)

	_, err := f.Execute(context.Background(), engine.ActivityConfig{AgentID: "agent-1"}, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, 0, f.ActiveExecutions())
}

func TestFacadeAgentNotFoundIsNotFoundError(t *testing.T) {
	cfg := DefaultConfig("t1")
	f := newTestFacade(t, "t1", cfg)

	_, err := f.Execute(context.Background(), engine.ActivityConfig{AgentID: "missing"}, map[string]interface{}{})
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindNotFound, e.Kind)
}

func TestEnsureTenantInContextDoesNotOverwriteExisting(t *testing.T) {
	out := ensureTenantInContext(map[string]interface{}{"tenant_id": "explicit"}, "t1")
	assert.Equal(t, "explicit", out["tenant_id"])
}

func TestEnsureTenantInContextHandlesNilInput(t *testing.T) {
	out := ensureTenantInContext(nil, "t1")
	assert.Equal(t, "t1", out["tenant_id"])
}

func TestApplyTenantModelConfigInjectsDefaultWhenNoModelSpecified(t *testing.T) {
	cfg := Config{DefaultModelConfig: &ModelConfig{DefaultModel: "claude-3-5-haiku", DefaultTemperature: 0.5, DefaultMaxTokens: 1024}}
	out := applyTenantModelConfig(map[string]interface{}{}, cfg)
	llmConfig := out["llm_config"].(map[string]interface{})
	assert.Equal(t, "claude-3-5-haiku", llmConfig["model"])
}

func TestApplyTenantModelConfigLeavesExplicitModelAlone(t *testing.T) {
	cfg := Config{DefaultModelConfig: &ModelConfig{DefaultModel: "claude-3-5-haiku"}}
	out := applyTenantModelConfig(map[string]interface{}{"model": "gpt-4"}, cfg)
	_, hasLLMConfig := out["llm_config"]
	assert.False(t, hasLLMConfig)
}

func TestApplyTenantModelConfigSilentlyDropsDisallowedDefault(t *testing.T) {
	cfg := Config{
		DefaultModelConfig: &ModelConfig{DefaultModel: "claude-3-5-haiku"},
		AllowedModels:      []string{"gpt-4"},
	}
	out := applyTenantModelConfig(map[string]interface{}{}, cfg)
	_, hasLLMConfig := out["llm_config"]
	assert.False(t, hasLLMConfig)
}

func TestAcquireReleaseSlotConcurrencySafety(t *testing.T) {
	cfg := DefaultConfig("t1")
	cfg.MaxConcurrentExecutions = 5
	f := newTestFacade(t, "t1", cfg)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.acquireSlot() {
				defer f.releaseSlot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, f.ActiveExecutions())
}
