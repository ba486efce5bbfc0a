// Package tenant implements the per-tenant facade (C6) wrapping the agent
// engine with quota enforcement, rate limiting, and model defaulting, plus
// the tenant registry factory (C9) that caches one facade per tenant.
package tenant

import (
	"time"

	"github.com/castingclouds/agentengine/pkg/ids"
)

// ResourceQuotas bounds what a tenant may register and accumulate.
type ResourceQuotas struct {
	MaxAgents                int `yaml:"max_agents" json:"max_agents"`
	MaxExecutions            int `yaml:"max_executions" json:"max_executions"`
	MaxTokensPerExecution    int `yaml:"max_tokens_per_execution" json:"max_tokens_per_execution"`
	MaxStorageBytes          int64 `yaml:"max_storage_bytes" json:"max_storage_bytes"`
	MaxExecutionHistoryDays  int `yaml:"max_execution_history_days" json:"max_execution_history_days"`
}

// DefaultResourceQuotas mirrors the source's defaults.
func DefaultResourceQuotas() ResourceQuotas {
	return ResourceQuotas{
		MaxAgents:               100,
		MaxExecutions:           10000,
		MaxTokensPerExecution:   4000,
		MaxStorageBytes:         100 * 1024 * 1024,
		MaxExecutionHistoryDays: 30,
	}
}

// RateLimits bounds a tenant's request/execution/token rate.
type RateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	ExecutionsPerHour int `yaml:"executions_per_hour" json:"executions_per_hour"`
	TokensPerDay      int `yaml:"tokens_per_day" json:"tokens_per_day"`
}

// DefaultRateLimits mirrors the source's defaults.
func DefaultRateLimits() RateLimits {
	return RateLimits{RequestsPerMinute: 60, ExecutionsPerHour: 100, TokensPerDay: 100000}
}

// ModelConfig is the tenant's default model selection, merged into a
// request's context when it specifies no model of its own.
type ModelConfig struct {
	DefaultModel       string   `yaml:"default_model" json:"default_model"`
	DefaultTemperature float64  `yaml:"default_temperature" json:"default_temperature"`
	DefaultMaxTokens   int      `yaml:"default_max_tokens" json:"default_max_tokens"`
}

// Config is a tenant's per-tenant profile (TenantConfig in the spec).
// Mutated only through the Registry; never mutated mid-execution.
type Config struct {
	TenantID                ids.TenantID `yaml:"tenant_id" json:"tenant_id"`
	Name                    string       `yaml:"name" json:"name"`
	Active                  bool         `yaml:"active" json:"active"`
	Quotas                  ResourceQuotas `yaml:"quotas" json:"quotas"`
	RateLimits              RateLimits     `yaml:"rate_limits" json:"rate_limits"`
	MaxConcurrentExecutions int            `yaml:"max_concurrent_executions" json:"max_concurrent_executions"`
	DefaultModelConfig      *ModelConfig   `yaml:"default_model_config,omitempty" json:"default_model_config,omitempty"`
	AllowedModels           []string       `yaml:"allowed_models,omitempty" json:"allowed_models,omitempty"`
	CreatedAt               time.Time      `yaml:"-" json:"created_at"`
	UpdatedAt               time.Time      `yaml:"-" json:"updated_at"`
}

// DefaultConfig returns the profile assigned to a tenant with no explicit
// registration — matches the source's Default impl.
func DefaultConfig(id ids.TenantID) Config {
	now := time.Now()
	return Config{
		TenantID:                id,
		Name:                    "Default Tenant",
		Active:                  true,
		Quotas:                  DefaultResourceQuotas(),
		RateLimits:              DefaultRateLimits(),
		MaxConcurrentExecutions: 10,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}
