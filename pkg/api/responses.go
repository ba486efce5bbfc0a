package api

import "time"

// ExecutionResponse is returned by POST /agents/{agent_id}/execute and by
// GET /agents/{agent_id}/executions/{execution_id}.
type ExecutionResponse struct {
	ExecutionID string                 `json:"execution_id"`
	AgentID     string                 `json:"agent_id"`
	Status      string                 `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Context     map[string]interface{} `json:"context"`
}

// ExecutionSummary is one row of the paged executions list.
type ExecutionSummary struct {
	ExecutionID string     `json:"execution_id"`
	AgentID     string     `json:"agent_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HasError    bool       `json:"has_error"`
}

// ExecutionsPage is returned by GET /agents/{agent_id}/executions.
type ExecutionsPage struct {
	Executions []ExecutionSummary `json:"executions"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
