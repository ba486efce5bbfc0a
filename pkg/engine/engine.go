// Package engine implements the agent engine (C5): resolves agent
// definitions, invokes the provider, emits lifecycle events on the stream
// bus, and persists records via tenant-partitioned storage.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castingclouds/agentengine/pkg/agentdef"
	"github.com/castingclouds/agentengine/pkg/audit"
	"github.com/castingclouds/agentengine/pkg/errs"
	"github.com/castingclouds/agentengine/pkg/execution"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/provider"
	"github.com/castingclouds/agentengine/pkg/storage"
	"github.com/castingclouds/agentengine/pkg/streambus"
)

// Config carries the engine's process-wide defaults, matching the values
// this is grounded on exactly.
type Config struct {
	MaxConcurrentExecutions int
	StreamBufferSize        int
	ConnectionTimeout       time.Duration
	ExecutionTimeout        time.Duration
	CleanupInterval         time.Duration
}

// DefaultConfig mirrors the source engine's own defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 50,
		StreamBufferSize:        1000,
		ConnectionTimeout:       30 * time.Second,
		ExecutionTimeout:        300 * time.Second,
		CleanupInterval:         60 * time.Second,
	}
}

// ActivityConfig names the agent to run plus the caller-supplied input/output
// field mappings (§4.4): input_mapping maps an agent-input field name to a
// dotted path into the context; output_mapping is the inverse, shaping the
// value written back as output. Either may be empty, in which case the raw
// context (or raw provider response) passes through unmapped.
type ActivityConfig struct {
	AgentID       ids.AgentID
	InputMapping  map[string]string
	OutputMapping map[string]string
}

// Engine resolves agent definitions, dispatches to providers, and persists
// execution records. It enforces only the process-wide concurrency cap;
// per-tenant quotas and rate limiting are the tenant facade's job (C6).
type Engine struct {
	store      *storage.TenantStore
	bus        *streambus.Bus
	dispatcher provider.Dispatcher
	cfg        Config
	audit      audit.Logger

	sem chan struct{} // process-wide concurrency cap
}

// New builds an Engine. dispatcher is usually a *provider.Registry. The audit
// log starts disabled (audit.NoopLogger); wire a real one with SetAuditLogger.
func New(store *storage.TenantStore, bus *streambus.Bus, dispatcher provider.Dispatcher, cfg Config) *Engine {
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		cfg:        cfg,
		audit:      audit.NoopLogger{},
		sem:        make(chan struct{}, cfg.MaxConcurrentExecutions),
	}
}

// SetAuditLogger wires the optional secondary durable trail (§4.10).
func (e *Engine) SetAuditLogger(l audit.Logger) {
	if l == nil {
		l = audit.NoopLogger{}
	}
	e.audit = l
}

// Storage exposes C3 to higher layers.
func (e *Engine) Storage() *storage.TenantStore { return e.store }

// SubscribeStream delegates to the stream bus.
func (e *Engine) SubscribeStream() *streambus.Subscription { return e.bus.Subscribe() }

// Execute runs the full execution lifecycle (§4.4) to completion and returns
// the final record. reqContext must already carry "tenant_id" — the tenant
// facade (C6) is responsible for injecting it before calling down.
func (e *Engine) Execute(ctx context.Context, def agentdef.AgentDefinition, activity ActivityConfig, reqContext map[string]interface{}) (execution.AgentExecution, error) {
	tenant, _ := reqContext["tenant_id"].(string)
	tenantID := ids.TenantID(tenant)
	execID := ids.NewExecutionID()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return e.failWithoutPersist(execID, def.ID, reqContext, "engine at capacity"), errs.TooManyRequests("process-wide concurrency cap reached")
	default:
		return e.failWithoutPersist(execID, def.ID, reqContext, "engine at capacity"), errs.TooManyRequests("process-wide concurrency cap reached")
	}

	deadline := e.cfg.ExecutionTimeout
	if deadline <= 0 {
		deadline = DefaultConfig().ExecutionTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	input := applyInputMapping(activity.InputMapping, reqContext)

	rec := execution.AgentExecution{
		ID:        execID,
		AgentID:   def.ID,
		Status:    execution.StatusRunning,
		Context:   reqContext,
		StartedAt: time.Now(),
	}
	if err := e.store.StoreExecution(ctx, tenantID, rec); err != nil {
		slog.Error("engine: failed to persist initial execution record", "execution_id", execID, "error", err)
	}

	e.bus.Publish(streambus.StreamEvent{
		Kind:        streambus.KindThinkingStatus,
		ExecutionID: execID,
		TenantID:    tenantID,
		StatusText:  "starting",
	})

	userMessage := def.Prompts.Render(toStringMap(input))
	req := provider.Request{
		SystemPrompt: def.Prompts.System,
		UserMessage:  userMessage,
		Generation:   def.Generation,
	}

	// A provider failure or a deadline expiry after the run has started is a
	// "ran and failed" outcome, not a precondition error: it folds into the
	// persisted record with a nil error so callers still get a 200 with the
	// failed execution rather than an infrastructure error response.
	chunks, err := e.dispatcher.Dispatch(runCtx, def.Provider, req)
	if err != nil {
		return e.finishFailed(ctx, tenantID, rec, err.Error()), nil
	}

	sequence := 0
	for {
		select {
		case <-runCtx.Done():
			return e.finishFailed(ctx, tenantID, rec, "timeout"), nil

		case chunk, ok := <-chunks:
			if !ok {
				return e.finishFailed(ctx, tenantID, rec, "provider closed without a terminal response"), nil
			}
			if chunk.Err != nil {
				return e.finishFailed(ctx, tenantID, rec, chunk.Err.Error()), nil
			}
			if chunk.Final {
				return e.finishCompleted(ctx, tenantID, rec, activity, chunk), nil
			}
			if chunk.Text != "" {
				e.bus.Publish(streambus.StreamEvent{
					Kind:        streambus.KindContentChunk,
					ExecutionID: execID,
					TenantID:    tenantID,
					ChunkText:   chunk.Text,
					Sequence:    sequence,
				})
				sequence++
			}
		}
	}
}

func (e *Engine) finishCompleted(ctx context.Context, tenant ids.TenantID, rec execution.AgentExecution, activity ActivityConfig, final provider.Chunk) execution.AgentExecution {
	now := time.Now()
	rec.Status = execution.StatusCompleted
	rec.CompletedAt = &now
	rec.Output = applyOutputMapping(activity.OutputMapping, final.FinalResponse)
	if final.Usage != nil {
		if rec.Context == nil {
			rec.Context = map[string]interface{}{}
		}
		rec.Context["usage"] = final.Usage
	}

	e.bus.Publish(streambus.StreamEvent{
		Kind:          streambus.KindCompleted,
		ExecutionID:   rec.ID,
		TenantID:      tenant,
		FinalResponse: final.FinalResponse,
		Usage:         final.Usage,
	})

	if err := e.store.StoreExecution(ctx, tenant, rec); err != nil {
		slog.Error("engine: failed to persist completed execution", "execution_id", rec.ID, "error", err)
	}
	e.appendAudit(tenant, rec)
	return rec
}

func (e *Engine) finishFailed(ctx context.Context, tenant ids.TenantID, rec execution.AgentExecution, reason string) execution.AgentExecution {
	now := time.Now()
	rec.Status = execution.StatusFailed
	rec.CompletedAt = &now
	rec.Error = reason

	e.bus.Publish(streambus.StreamEvent{
		Kind:        streambus.KindFailed,
		ExecutionID: rec.ID,
		TenantID:    tenant,
		ErrorText:   reason,
	})

	if err := e.store.StoreExecution(ctx, tenant, rec); err != nil {
		slog.Error("engine: failed to persist failed execution", "execution_id", rec.ID, "error", err)
	}
	e.appendAudit(tenant, rec)
	return rec
}

// appendAudit writes the terminal record to the secondary audit trail. This
// is purely additive: failures are logged and never change the execution
// outcome or propagate to the caller (§4.10).
func (e *Engine) appendAudit(tenant ids.TenantID, rec execution.AgentExecution) {
	completedAt := time.Now()
	if rec.CompletedAt != nil {
		completedAt = *rec.CompletedAt
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := e.audit.Log(ctx, audit.Record{
			ExecutionID:  rec.ID,
			TenantID:     tenant,
			AgentID:      rec.AgentID,
			Status:       string(rec.Status),
			StartedAt:    rec.StartedAt,
			CompletedAt:  completedAt,
			ErrorMessage: rec.Error,
		})
		if err != nil {
			slog.Error("engine: audit log write failed", "execution_id", rec.ID, "error", err)
		}
	}()
}

// failWithoutPersist builds a Failed record for rejections that happen before
// any persistence attempt (e.g. capacity exhaustion). The record is returned
// to the caller only: neither the engine nor the tenant facade stores it, so
// such a rejection is not retrievable by id afterwards.
func (e *Engine) failWithoutPersist(execID ids.ExecutionID, agentID ids.AgentID, reqContext map[string]interface{}, reason string) execution.AgentExecution {
	now := time.Now()
	return execution.AgentExecution{
		ID:          execID,
		AgentID:     agentID,
		Status:      execution.StatusFailed,
		Context:     reqContext,
		Error:       reason,
		StartedAt:   now,
		CompletedAt: &now,
	}
}

// ResolveAndExecute resolves the agent definition from storage, then runs
// Execute. This is the entry point the tenant facade calls (§4.4 step 2).
func (e *Engine) ResolveAndExecute(ctx context.Context, activity ActivityConfig, reqContext map[string]interface{}) (execution.AgentExecution, error) {
	tenant, _ := reqContext["tenant_id"].(string)
	def, err := e.store.GetAgent(ctx, ids.TenantID(tenant), activity.AgentID)
	if err != nil {
		execID := ids.NewExecutionID()
		now := time.Now()
		rec := execution.AgentExecution{
			ID:          execID,
			AgentID:     activity.AgentID,
			Status:      execution.StatusFailed,
			Context:     reqContext,
			Error:       fmt.Sprintf("agent %s not found", activity.AgentID),
			StartedAt:   now,
			CompletedAt: &now,
		}
		if serr := e.store.StoreExecution(ctx, ids.TenantID(tenant), rec); serr != nil {
			slog.Error("engine: failed to persist not-found execution", "error", serr)
		}
		e.appendAudit(ids.TenantID(tenant), rec)
		return rec, errs.NotFound(fmt.Sprintf("agent %s not found", activity.AgentID))
	}
	return e.Execute(ctx, def, activity, reqContext)
}

// ExecutionStats aggregates over storage for one agent within the caller's tenant.
type ExecutionStats struct {
	Total         int
	Completed     int
	Failed        int
	Running       int
	AvgDurationMs *float64
}

// GetExecutionStats implements §4.4's get_execution_stats.
func (e *Engine) GetExecutionStats(ctx context.Context, tenant ids.TenantID, agentID ids.AgentID) (ExecutionStats, error) {
	execs, err := e.store.ListForAgent(ctx, tenant, agentID)
	if err != nil {
		return ExecutionStats{}, err
	}
	var stats ExecutionStats
	var totalMs int64
	var terminalCount int
	for _, ex := range execs {
		stats.Total++
		switch ex.Status {
		case execution.StatusCompleted:
			stats.Completed++
			totalMs += ex.DurationMillis()
			terminalCount++
		case execution.StatusFailed:
			stats.Failed++
			terminalCount++
		case execution.StatusRunning, execution.StatusPending:
			stats.Running++
		}
	}
	if terminalCount > 0 {
		avg := float64(totalMs) / float64(terminalCount)
		stats.AvgDurationMs = &avg
	}
	return stats, nil
}

func applyInputMapping(mapping map[string]string, reqContext map[string]interface{}) map[string]interface{} {
	if len(mapping) == 0 {
		return reqContext
	}
	out := make(map[string]interface{}, len(mapping))
	for field, dottedPath := range mapping {
		if v, ok := lookupDotted(reqContext, dottedPath); ok {
			out[field] = v
		}
	}
	return out
}

func applyOutputMapping(mapping map[string]string, final map[string]interface{}) map[string]interface{} {
	if len(mapping) == 0 {
		return final
	}
	out := make(map[string]interface{}, len(mapping))
	for outField, srcField := range mapping {
		if v, ok := final[srcField]; ok {
			out[outField] = v
		}
	}
	return out
}

func lookupDotted(m map[string]interface{}, dottedPath string) (interface{}, bool) {
	cur := interface{}(m)
	for _, seg := range splitDotted(dottedPath) {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = asMap[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitDotted(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

func toStringMap(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
