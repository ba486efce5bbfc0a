package config

import "fmt"

// Validator validates loaded configuration comprehensively, matching the
// teacher's own Validator (pkg/config/validator.go): fail-fast, one
// component at a time, in dependency order.
type Validator struct {
	cfg *Config
}

func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates in order: server → engine → NATS → audit → backup →
// tenants → agents, mirroring the teacher's dependency-first ordering.
func (v *Validator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}
	if err := v.validateNATS(); err != nil {
		return fmt.Errorf("nats validation failed: %w", err)
	}
	if err := v.validateAudit(); err != nil {
		return fmt.Errorf("audit validation failed: %w", err)
	}
	if err := v.validateBackup(); err != nil {
		return fmt.Errorf("backup validation failed: %w", err)
	}
	if err := v.validateTenants(); err != nil {
		return fmt.Errorf("tenant validation failed: %w", err)
	}
	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateServer() error {
	if v.cfg.Server.Addr == "" {
		return newValidationError("server", "addr", fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *Validator) validateEngine() error {
	e := v.cfg.Engine
	if e.MaxConcurrentExecutions <= 0 {
		return newValidationError("engine", "max_concurrent_executions", fmt.Errorf("must be positive"))
	}
	if e.StreamBufferSize <= 0 {
		return newValidationError("engine", "stream_buffer_size", fmt.Errorf("must be positive"))
	}
	if e.ExecutionTimeout <= 0 {
		return newValidationError("engine", "execution_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateNATS() error {
	if v.cfg.NATS.URL == "" {
		return newValidationError("nats", "url", fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *Validator) validateAudit() error {
	a := v.cfg.Audit
	if !a.Enabled {
		return nil
	}
	if a.Host == "" {
		return newValidationError("audit", "host", fmt.Errorf("must not be empty when enabled"))
	}
	if a.Database == "" {
		return newValidationError("audit", "database", fmt.Errorf("must not be empty when enabled"))
	}
	return nil
}

func (v *Validator) validateBackup() error {
	if v.cfg.Backup.RetentionCount <= 0 {
		return newValidationError("backup", "retention_count", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateTenants() error {
	for id, t := range v.cfg.Tenants {
		if id == "" {
			return newValidationError("tenant", "tenant_id", fmt.Errorf("must not be empty"))
		}
		if t.MaxConcurrentExecutions < 0 {
			return newValidationError(fmt.Sprintf("tenant %q", id), "max_concurrent_executions", fmt.Errorf("must not be negative"))
		}
	}
	return nil
}

func (v *Validator) validateAgents() error {
	for id, a := range v.cfg.Agents {
		if id == "" {
			return newValidationError("agent", "id", fmt.Errorf("must not be empty"))
		}
		if err := a.Validate(); err != nil {
			return newValidationError(fmt.Sprintf("agent %q", id), "", err)
		}
	}
	return nil
}
