// Package execution defines the AgentExecution lifecycle record and its status enum.
package execution

import (
	"time"

	"github.com/castingclouds/agentengine/pkg/ids"
)

// Status is the lifecycle state of an AgentExecution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one from which no further transition occurs.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AgentExecution is the persisted lifecycle record for one agent invocation.
//
// Context always carries a "tenant_id" string entry — that is the isolation
// invariant every layer above storage relies on.
type AgentExecution struct {
	ID      ids.ExecutionID        `json:"execution_id"`
	AgentID ids.AgentID            `json:"agent_id"`
	Status  Status                 `json:"status"`
	Context map[string]interface{} `json:"context"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TenantID reads the mandatory tenant_id field out of Context, empty if absent.
func (e AgentExecution) TenantID() ids.TenantID {
	if e.Context == nil {
		return ""
	}
	if v, ok := e.Context["tenant_id"].(string); ok {
		return ids.TenantID(v)
	}
	return ""
}

// DurationMillis returns completed_at - started_at in milliseconds, or 0 if
// the execution has not terminated yet.
func (e AgentExecution) DurationMillis() int64 {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt).Milliseconds()
}
