package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/castingclouds/agentengine/pkg/agentdef"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/tenant"
)

// Load reads engine.yaml from configDir, expands environment variables,
// merges it over built-in defaults, validates, and returns ready-to-use
// configuration. This is the primary entry point, matching the teacher's
// config.Initialize shape.
func Load(configDir string) (*Config, error) {
	raw, err := loadYAML(configDir)
	if err != nil {
		return nil, newLoadError("engine.yaml", err)
	}

	cfg, err := resolve(configDir, raw)
	if err != nil {
		return nil, fmt.Errorf("resolve configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadYAML(configDir string) (*YAMLConfig, error) {
	path := filepath.Join(configDir, "engine.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// expandEnv supports both ${VAR} and $VAR syntax, matching the teacher's
	// ExpandEnv (pkg/config/envexpand.go). Missing variables expand to empty
	// string; validation catches required fields left empty.
	data = []byte(os.ExpandEnv(string(data)))

	var raw YAMLConfig
	raw.Tenants = make(map[string]tenant.Config)
	raw.Agents = make(map[string]agentdef.AgentDefinition)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

// resolve merges the parsed YAML over built-in defaults via mergo (teacher's
// own merge idiom in pkg/config/loader.go's queue config resolution) and
// parses duration strings.
func resolve(configDir string, raw *YAMLConfig) (*Config, error) {
	server := DefaultServerConfig()
	if raw.Server != nil {
		if err := mergo.Merge(&server, *raw.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge server config: %w", err)
		}
	}

	engineSettings, err := resolveEngineSettings(raw.Engine)
	if err != nil {
		return nil, err
	}

	natsSettings, err := resolveNATSSettings(raw.NATS)
	if err != nil {
		return nil, err
	}

	auditSettings, err := resolveAuditSettings(raw.Audit)
	if err != nil {
		return nil, err
	}

	backupSettings, err := resolveBackupSettings(raw.Backup)
	if err != nil {
		return nil, err
	}

	tenants := make(map[ids.TenantID]tenant.Config, len(raw.Tenants))
	for key, t := range raw.Tenants {
		if t.TenantID == "" {
			t.TenantID = ids.TenantID(key)
		}
		tenants[t.TenantID] = t
	}

	agents := make(map[ids.AgentID]agentdef.AgentDefinition, len(raw.Agents))
	for key, a := range raw.Agents {
		if a.ID == "" {
			a.ID = ids.AgentID(key)
		}
		agents[a.ID] = a
	}

	return &Config{
		configDir: configDir,
		Server:    server,
		Engine:    engineSettings,
		NATS:      natsSettings,
		Audit:     auditSettings,
		Backup:    backupSettings,
		Tenants:   tenants,
		Agents:    agents,
	}, nil
}

func resolveEngineSettings(y *EngineYAMLConfig) (EngineSettings, error) {
	out := DefaultEngineSettings()
	if y == nil {
		return out, nil
	}
	if y.MaxConcurrentExecutions > 0 {
		out.MaxConcurrentExecutions = y.MaxConcurrentExecutions
	}
	if y.StreamBufferSize > 0 {
		out.StreamBufferSize = y.StreamBufferSize
	}
	var err error
	if out.ConnectionTimeout, err = parseDurationOrDefault(y.ConnectionTimeout, out.ConnectionTimeout); err != nil {
		return out, newValidationError("engine", "connection_timeout", err)
	}
	if out.ExecutionTimeout, err = parseDurationOrDefault(y.ExecutionTimeout, out.ExecutionTimeout); err != nil {
		return out, newValidationError("engine", "execution_timeout", err)
	}
	if out.CleanupInterval, err = parseDurationOrDefault(y.CleanupInterval, out.CleanupInterval); err != nil {
		return out, newValidationError("engine", "cleanup_interval", err)
	}
	return out, nil
}

func resolveNATSSettings(y *NATSYAMLConfig) (NATSSettings, error) {
	out := DefaultNATSSettings()
	if y == nil {
		return out, nil
	}
	if y.URL != "" {
		out.URL = y.URL
	}
	if y.History > 0 {
		out.History = y.History
	}
	if y.MaxBytes > 0 {
		out.MaxBytes = y.MaxBytes
	}
	if y.NumReplicas > 0 {
		out.NumReplicas = y.NumReplicas
	}
	var err error
	if out.MaxAge, err = parseDurationOrDefault(y.MaxAge, out.MaxAge); err != nil {
		return out, newValidationError("nats", "max_age", err)
	}
	return out, nil
}

func resolveAuditSettings(y *AuditYAMLConfig) (AuditSettings, error) {
	out := DefaultAuditSettings()
	if y == nil {
		return out, nil
	}
	out.Enabled = y.Enabled
	if y.Host != "" {
		out.Host = y.Host
	}
	if y.Port > 0 {
		out.Port = y.Port
	}
	if y.User != "" {
		out.User = y.User
	}
	if y.Password != "" {
		out.Password = y.Password
	}
	if y.Database != "" {
		out.Database = y.Database
	}
	if y.SSLMode != "" {
		out.SSLMode = y.SSLMode
	}
	if y.MaxOpenConns > 0 {
		out.MaxOpenConns = y.MaxOpenConns
	}
	if y.MaxIdleConns > 0 {
		out.MaxIdleConns = y.MaxIdleConns
	}
	var err error
	if out.ConnMaxLifetime, err = parseDurationOrDefault(y.ConnMaxLifetime, out.ConnMaxLifetime); err != nil {
		return out, newValidationError("audit", "conn_max_lifetime", err)
	}
	return out, nil
}

func resolveBackupSettings(y *BackupYAMLConfig) (BackupSettings, error) {
	out := DefaultBackupSettings()
	if y == nil {
		return out, nil
	}
	if y.Dir != "" {
		out.Dir = y.Dir
	}
	if y.RetentionCount > 0 {
		out.RetentionCount = y.RetentionCount
	}
	var err error
	if out.Interval, err = parseDurationOrDefault(y.Interval, out.Interval); err != nil {
		return out, newValidationError("backup", "interval", err)
	}
	return out, nil
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
