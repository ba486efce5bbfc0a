package tenant

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/errs"
	"github.com/castingclouds/agentengine/pkg/execution"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/storage"
	"github.com/castingclouds/agentengine/pkg/streambus"
)

// Facade wraps the shared Engine for one tenant, enforcing quotas, rate
// limits, a concurrency cap, and model defaulting before delegating (C6).
type Facade struct {
	tenantID ids.TenantID
	config   Config
	engine   *engine.Engine
	limiter  *RateLimiter

	mu     sync.Mutex
	active int
}

// NewFacade builds a facade for tenantID over the shared engine, using cfg
// (the tenant's registered config, or DefaultConfig if none was registered).
func NewFacade(tenantID ids.TenantID, cfg Config, eng *engine.Engine) *Facade {
	return &Facade{
		tenantID: tenantID,
		config:   cfg,
		engine:   eng,
		limiter:  NewRateLimiter(cfg.RateLimits),
	}
}

// TenantID returns the tenant this facade is scoped to.
func (f *Facade) TenantID() ids.TenantID { return f.tenantID }

// Config returns the tenant's registered configuration.
func (f *Facade) Config() Config { return f.config }

// SubscribeStream delegates to the underlying engine's stream bus.
func (f *Facade) SubscribeStream() *streambus.Subscription {
	return f.engine.SubscribeStream()
}

// Storage exposes the tenant-partitioned storage layer for read paths
// (execution lookup, listing) that bypass Execute.
func (f *Facade) Storage() *storage.TenantStore {
	return f.engine.Storage()
}

// Execute runs the preconditions in §4.5's specified order, then delegates to
// the engine. The active-executions counter is incremented before delegation
// and always decremented afterward, regardless of outcome.
func (f *Facade) Execute(ctx context.Context, activity engine.ActivityConfig, reqContext map[string]interface{}) (execution.AgentExecution, error) {
	if err := f.limiter.CheckRequest(); err != nil {
		return execution.AgentExecution{}, err
	}
	if err := f.limiter.CheckExecution(); err != nil {
		return execution.AgentExecution{}, err
	}

	reqContext = ensureTenantInContext(reqContext, f.tenantID)
	estimate := estimateTokens(reqContext)
	if err := f.limiter.CheckTokens(estimate); err != nil {
		return execution.AgentExecution{}, err
	}

	if !f.acquireSlot() {
		return execution.AgentExecution{}, errs.TooManyRequests("concurrent execution limit reached")
	}
	defer f.releaseSlot()

	reqContext = applyTenantModelConfig(reqContext, f.config)

	return f.engine.ResolveAndExecute(ctx, activity, reqContext)
}

// GetExecutionStats aggregates over storage for one agent within this tenant.
func (f *Facade) GetExecutionStats(ctx context.Context, agentID ids.AgentID) (engine.ExecutionStats, error) {
	return f.engine.GetExecutionStats(ctx, f.tenantID, agentID)
}

func (f *Facade) acquireSlot() bool {
	max := f.config.MaxConcurrentExecutions
	if max <= 0 {
		max = DefaultConfig(f.tenantID).MaxConcurrentExecutions
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active >= max {
		return false
	}
	f.active++
	return true
}

func (f *Facade) releaseSlot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active > 0 {
		f.active--
	}
}

// ActiveExecutions reports the current in-flight count for this tenant
// (test/diagnostic use).
func (f *Facade) ActiveExecutions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// ensureTenantInContext injects tenant_id if the context does not already
// carry one. The engine layer always receives a context with tenant_id set.
func ensureTenantInContext(reqContext map[string]interface{}, tenantID ids.TenantID) map[string]interface{} {
	if reqContext == nil {
		reqContext = map[string]interface{}{}
	}
	if _, ok := reqContext["tenant_id"]; ok {
		return reqContext
	}
	out := make(map[string]interface{}, len(reqContext)+1)
	for k, v := range reqContext {
		out[k] = v
	}
	out["tenant_id"] = string(tenantID)
	return out
}

// estimateTokens is the spec's crude heuristic: serialized context length / 4.
func estimateTokens(reqContext map[string]interface{}) int {
	b, err := json.Marshal(reqContext)
	if err != nil {
		return 0
	}
	return len(b) / 4
}

// applyTenantModelConfig merges the tenant's default model/temperature/
// max-tokens into context.llm_config when the context specifies no model of
// its own. If allowed_models is set and excludes the default, the injection
// is silently dropped (spec §9 Open Question, resolved as a silent drop —
// matching tenant_isolation.rs's apply_tenant_model_config exactly).
func applyTenantModelConfig(reqContext map[string]interface{}, cfg Config) map[string]interface{} {
	if cfg.DefaultModelConfig == nil {
		return reqContext
	}
	if hasModel(reqContext) {
		return reqContext
	}
	if cfg.AllowedModels != nil && !contains(cfg.AllowedModels, cfg.DefaultModelConfig.DefaultModel) {
		return reqContext
	}

	out := make(map[string]interface{}, len(reqContext)+1)
	for k, v := range reqContext {
		out[k] = v
	}
	llmConfig, _ := out["llm_config"].(map[string]interface{})
	if llmConfig == nil {
		llmConfig = map[string]interface{}{}
	} else {
		cp := make(map[string]interface{}, len(llmConfig))
		for k, v := range llmConfig {
			cp[k] = v
		}
		llmConfig = cp
	}
	llmConfig["model"] = cfg.DefaultModelConfig.DefaultModel
	llmConfig["temperature"] = cfg.DefaultModelConfig.DefaultTemperature
	llmConfig["max_tokens"] = cfg.DefaultModelConfig.DefaultMaxTokens
	out["llm_config"] = llmConfig
	return out
}

func hasModel(reqContext map[string]interface{}) bool {
	if _, ok := reqContext["model"]; ok {
		return true
	}
	if llmConfig, ok := reqContext["llm_config"].(map[string]interface{}); ok {
		if _, ok := llmConfig["model"]; ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
