package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/castingclouds/agentengine/pkg/agentdef"
	"github.com/castingclouds/agentengine/pkg/errs"
	"github.com/castingclouds/agentengine/pkg/execution"
	"github.com/castingclouds/agentengine/pkg/ids"
)

const (
	keySeparator   = ":"
	tenantPrefix   = "tenant"
	legacyAgent    = "agent"
	legacyExec     = "exec"
)

func agentKey(tenant ids.TenantID, agentID ids.AgentID) string {
	return strings.Join([]string{tenantPrefix, tenant.String(), agentID.String()}, keySeparator)
}

func executionKey(tenant ids.TenantID, execID ids.ExecutionID) string {
	return strings.Join([]string{tenantPrefix, tenant.String(), execID.String()}, keySeparator)
}

func legacyAgentKey(agentID ids.AgentID) string { return legacyAgent + keySeparator + agentID.String() }
func legacyExecKey(execID ids.ExecutionID) string { return legacyExec + keySeparator + execID.String() }

// parseTenantFromKey extracts the tenant segment from a "tenant:{id}:{rest}" key.
func parseTenantFromKey(key string) (ids.TenantID, bool) {
	parts := strings.SplitN(key, keySeparator, 3)
	if len(parts) != 3 || parts[0] != tenantPrefix {
		return "", false
	}
	return ids.TenantID(parts[1]), true
}

// UsageStats is the rolling per-tenant counter set, updated only by this layer.
type UsageStats struct {
	TotalExecutions    int64            `json:"total_executions"`
	TotalTokens        int64            `json:"total_tokens"`
	TotalExecutionMs   int64            `json:"total_execution_ms"`
	StorageBytes       int64            `json:"storage_bytes"`
	ExecutionsByStatus map[string]int64 `json:"executions_by_status"`
	ExecutionsByModel  map[string]int64 `json:"executions_by_model"`
	LastUpdated        time.Time        `json:"last_updated"`
}

// TenantStore wraps a KVStore, prefixing keys with tenant, filtering reads,
// and aggregating usage metrics (C3).
type TenantStore struct {
	kv KVStore

	mu    sync.Mutex
	stats map[ids.TenantID]*UsageStats
}

// NewTenantStore wraps kv.
func NewTenantStore(kv KVStore) *TenantStore {
	return &TenantStore{kv: kv, stats: make(map[ids.TenantID]*UsageStats)}
}

// ---- Agents ----

// StoreAgent writes an agent definition under the tenant it belongs to.
func (s *TenantStore) StoreAgent(ctx context.Context, tenant ids.TenantID, agent agentdef.AgentDefinition) error {
	if tenant == "" {
		return errs.Validation("tenant id is required to store an agent")
	}
	b, err := json.Marshal(agent)
	if err != nil {
		return errs.Internal("marshal agent", err)
	}
	if err := s.kv.Put(ctx, BucketAgents, agentKey(tenant, agent.ID), b); err != nil {
		return errs.Transient("store agent", err)
	}
	return nil
}

// GetAgent looks up an agent by id within the tenant, falling back to the
// legacy bare key (for records stored before tenant scoping existed) and, if
// still absent, to a global scan for an unowned record.
func (s *TenantStore) GetAgent(ctx context.Context, tenant ids.TenantID, agentID ids.AgentID) (agentdef.AgentDefinition, error) {
	var zero agentdef.AgentDefinition

	if tenant != "" {
		b, err := s.kv.Get(ctx, BucketAgents, agentKey(tenant, agentID))
		if err == nil {
			return decodeAgent(b)
		}
		if err != ErrKeyNotFound {
			return zero, errs.Transient("get agent", err)
		}
	}

	if b, err := s.kv.Get(ctx, BucketAgents, legacyAgentKey(agentID)); err == nil {
		return decodeAgent(b)
	} else if err != ErrKeyNotFound {
		return zero, errs.Transient("get agent", err)
	}

	// Fall back to a full scan for any key whose suffix matches the bare id.
	entries, err := s.kv.WatchAll(ctx, BucketAgents)
	if err != nil {
		return zero, errs.Transient("scan agents", err)
	}
	suffix := keySeparator + agentID.String()
	for _, e := range entries {
		if !strings.HasSuffix(e.Key, suffix) {
			continue
		}
		if owner, owned := parseTenantFromKey(e.Key); owned && owner != tenant {
			continue
		}
		return decodeAgent(e.Value)
	}
	return zero, errs.NotFound("agent " + agentID.String() + " not found")
}

func decodeAgent(b []byte) (agentdef.AgentDefinition, error) {
	var a agentdef.AgentDefinition
	if err := json.Unmarshal(b, &a); err != nil {
		return a, errs.Internal("decode agent", err)
	}
	return a, nil
}

// ListAgents iterates the agents bucket and keeps those matching tenant's prefix.
func (s *TenantStore) ListAgents(ctx context.Context, tenant ids.TenantID) ([]agentdef.AgentDefinition, error) {
	entries, err := s.kv.WatchAll(ctx, BucketAgents)
	if err != nil {
		return nil, errs.Transient("list agents", err)
	}
	prefix := tenantPrefix + keySeparator + tenant.String() + keySeparator
	var out []agentdef.AgentDefinition
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		a, err := decodeAgent(e.Value)
		if err != nil {
			slog.Warn("storage: skipping malformed agent entry", "key", e.Key, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteAgent is idempotent; returns whether a record existed.
func (s *TenantStore) DeleteAgent(ctx context.Context, tenant ids.TenantID, agentID ids.AgentID) (bool, error) {
	existed, err := s.kv.Delete(ctx, BucketAgents, agentKey(tenant, agentID))
	if err != nil {
		return false, errs.Transient("delete agent", err)
	}
	return existed, nil
}

// ---- Executions ----

// StoreExecution asserts context.tenant_id matches tenant, writes the record,
// and on success updates usage stats.
func (s *TenantStore) StoreExecution(ctx context.Context, tenant ids.TenantID, exec execution.AgentExecution) error {
	if exec.TenantID() != tenant {
		return errs.Internal("store_execution: context.tenant_id does not match current tenant", nil)
	}
	b, err := json.Marshal(exec)
	if err != nil {
		return errs.Internal("marshal execution", err)
	}
	if err := s.kv.Put(ctx, BucketExecutions, executionKey(tenant, exec.ID), b); err != nil {
		return errs.Transient("store execution", err)
	}
	s.updateStats(tenant, exec, int64(len(b)))
	return nil
}

func (s *TenantStore) updateStats(tenant ids.TenantID, exec execution.AgentExecution, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[tenant]
	if !ok {
		st = &UsageStats{
			ExecutionsByStatus: make(map[string]int64),
			ExecutionsByModel:  make(map[string]int64),
		}
		s.stats[tenant] = st
	}

	st.TotalExecutions++
	st.StorageBytes += size
	if exec.Status.Terminal() {
		st.TotalExecutionMs += exec.DurationMillis()
	}
	if tokens := extractTokens(exec); tokens > 0 {
		st.TotalTokens += tokens
	}
	st.ExecutionsByStatus[string(exec.Status)]++
	if model := extractModel(exec); model != "" {
		st.ExecutionsByModel[model]++
	}
	st.LastUpdated = time.Now()
}

// extractTokens reads the first present path among context.usage.total_tokens,
// output.usage.total_tokens.
func extractTokens(exec execution.AgentExecution) int64 {
	if v, ok := nestedFloat(exec.Context, "usage", "total_tokens"); ok {
		return int64(v)
	}
	if v, ok := nestedFloat(exec.Output, "usage", "total_tokens"); ok {
		return int64(v)
	}
	return 0
}

// extractModel reads the first present path of context.model, context.llm_config.model.
func extractModel(exec execution.AgentExecution) string {
	if v, ok := exec.Context["model"].(string); ok && v != "" {
		return v
	}
	if v, ok := nestedString(exec.Context, "llm_config", "model"); ok {
		return v
	}
	return ""
}

func nestedFloat(m map[string]interface{}, path ...string) (float64, bool) {
	cur := interface{}(m)
	for _, p := range path {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return 0, false
		}
		cur, ok = asMap[p]
		if !ok {
			return 0, false
		}
	}
	f, ok := cur.(float64)
	return f, ok
}

func nestedString(m map[string]interface{}, path ...string) (string, bool) {
	cur := interface{}(m)
	for _, p := range path {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = asMap[p]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

// GetExecution reads and validates the tenant match; a cross-tenant fetch
// raises Forbidden, never NotFound — the caller must not learn whether the id
// exists under a different tenant.
func (s *TenantStore) GetExecution(ctx context.Context, tenant ids.TenantID, execID ids.ExecutionID) (execution.AgentExecution, error) {
	var zero execution.AgentExecution

	b, err := s.kv.Get(ctx, BucketExecutions, executionKey(tenant, execID))
	if err == nil {
		return decodeExecution(b)
	}
	if err != ErrKeyNotFound {
		return zero, errs.Transient("get execution", err)
	}

	// Legacy/global fallback: scan for the bare id; if found under a
	// different tenant, that is a cross-tenant access attempt -> Forbidden.
	if b, err := s.kv.Get(ctx, BucketExecutions, legacyExecKey(execID)); err == nil {
		exec, derr := decodeExecution(b)
		if derr != nil {
			return zero, derr
		}
		if exec.TenantID() != "" && exec.TenantID() != tenant {
			return zero, errs.Forbidden("execution belongs to a different tenant")
		}
		return exec, nil
	} else if err != ErrKeyNotFound {
		return zero, errs.Transient("get execution", err)
	}

	entries, err := s.kv.WatchAll(ctx, BucketExecutions)
	if err != nil {
		return zero, errs.Transient("scan executions", err)
	}
	suffix := keySeparator + execID.String()
	for _, e := range entries {
		if !strings.HasSuffix(e.Key, suffix) {
			continue
		}
		exec, derr := decodeExecution(e.Value)
		if derr != nil {
			slog.Warn("storage: skipping malformed execution entry", "key", e.Key, "error", derr)
			continue
		}
		if exec.TenantID() != tenant {
			return zero, errs.Forbidden("execution belongs to a different tenant")
		}
		return exec, nil
	}
	return zero, errs.NotFound("execution " + execID.String() + " not found")
}

func decodeExecution(b []byte) (execution.AgentExecution, error) {
	var e execution.AgentExecution
	if err := json.Unmarshal(b, &e); err != nil {
		return e, errs.Internal("decode execution", err)
	}
	return e, nil
}

// allExecutionsForTenant returns every execution entry scoped to tenant,
// skipping malformed entries with a warning rather than aborting the scan.
func (s *TenantStore) allExecutionsForTenant(ctx context.Context, tenant ids.TenantID) ([]execution.AgentExecution, error) {
	entries, err := s.kv.WatchAll(ctx, BucketExecutions)
	if err != nil {
		return nil, errs.Transient("scan executions", err)
	}
	var out []execution.AgentExecution
	for _, e := range entries {
		exec, derr := decodeExecution(e.Value)
		if derr != nil {
			slog.Warn("storage: skipping malformed execution entry", "key", e.Key, "error", derr)
			continue
		}
		if exec.TenantID() == tenant {
			out = append(out, exec)
		}
	}
	return out, nil
}

// ListByContext filters executions whose context[key] == value (string compare).
func (s *TenantStore) ListByContext(ctx context.Context, tenant ids.TenantID, key, value string) ([]execution.AgentExecution, error) {
	return s.ListByContextFilters(ctx, tenant, map[string]string{key: value})
}

// ListByContextFilters ANDs a set of equality filters; tenant equality is
// implicit (every record returned already belongs to tenant).
func (s *TenantStore) ListByContextFilters(ctx context.Context, tenant ids.TenantID, filters map[string]string) ([]execution.AgentExecution, error) {
	all, err := s.allExecutionsForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []execution.AgentExecution
	for _, exec := range all {
		match := true
		for k, v := range filters {
			if k == "tenant_id" {
				continue
			}
			cv, ok := exec.Context[k].(string)
			if !ok || cv != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, exec)
		}
	}
	return out, nil
}

// ListByNestedContext traverses the context by a dotted path.
func (s *TenantStore) ListByNestedContext(ctx context.Context, tenant ids.TenantID, dottedPath, value string) ([]execution.AgentExecution, error) {
	all, err := s.allExecutionsForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	segs := strings.Split(dottedPath, ".")
	var out []execution.AgentExecution
	for _, exec := range all {
		if v, ok := nestedString(exec.Context, segs...); ok && v == value {
			out = append(out, exec)
		}
	}
	return out, nil
}

// CountByContext is the length of ListByContext.
func (s *TenantStore) CountByContext(ctx context.Context, tenant ids.TenantID, key, value string) (int, error) {
	matched, err := s.ListByContext(ctx, tenant, key, value)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// ListForAgent filters by agent id.
func (s *TenantStore) ListForAgent(ctx context.Context, tenant ids.TenantID, agentID ids.AgentID) ([]execution.AgentExecution, error) {
	all, err := s.allExecutionsForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []execution.AgentExecution
	for _, exec := range all {
		if exec.AgentID == agentID {
			out = append(out, exec)
		}
	}
	return out, nil
}

// ListByStatus filters by status.
func (s *TenantStore) ListByStatus(ctx context.Context, tenant ids.TenantID, status execution.Status) ([]execution.AgentExecution, error) {
	all, err := s.allExecutionsForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []execution.AgentExecution
	for _, exec := range all {
		if exec.Status == status {
			out = append(out, exec)
		}
	}
	return out, nil
}

// ListRecent sorts by started_at descending and truncates to limit.
func (s *TenantStore) ListRecent(ctx context.Context, tenant ids.TenantID, limit int) ([]execution.AgentExecution, error) {
	all, err := s.allExecutionsForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListForAgentWithContext combines an agent filter with a context equality filter.
func (s *TenantStore) ListForAgentWithContext(ctx context.Context, tenant ids.TenantID, agentID ids.AgentID, key, value string) ([]execution.AgentExecution, error) {
	forAgent, err := s.ListForAgent(ctx, tenant, agentID)
	if err != nil {
		return nil, err
	}
	var out []execution.AgentExecution
	for _, exec := range forAgent {
		if cv, ok := exec.Context[key].(string); ok && cv == value {
			out = append(out, exec)
		}
	}
	return out, nil
}

// ListForResource filters by context.resource_id or context.workflow.resource_id.
func (s *TenantStore) ListForResource(ctx context.Context, tenant ids.TenantID, resourceID string) ([]execution.AgentExecution, error) {
	all, err := s.allExecutionsForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []execution.AgentExecution
	for _, exec := range all {
		if v, ok := exec.Context["resource_id"].(string); ok && v == resourceID {
			out = append(out, exec)
			continue
		}
		if v, ok := nestedString(exec.Context, "workflow", "resource_id"); ok && v == resourceID {
			out = append(out, exec)
		}
	}
	return out, nil
}

// Stats returns a copy of the current usage stats for tenant.
func (s *TenantStore) Stats(tenant ids.TenantID) UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[tenant]
	if !ok {
		return UsageStats{ExecutionsByStatus: map[string]int64{}, ExecutionsByModel: map[string]int64{}}
	}
	cp := *st
	cp.ExecutionsByStatus = cloneCounts(st.ExecutionsByStatus)
	cp.ExecutionsByModel = cloneCounts(st.ExecutionsByModel)
	return cp
}

func cloneCounts(m map[string]int64) map[string]int64 {
	cp := make(map[string]int64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// KV exposes the underlying substrate, e.g. for the backup manager.
func (s *TenantStore) KV() KVStore { return s.kv }
