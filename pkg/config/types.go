// Package config loads and validates the process-wide engine.yaml: server
// bind address, engine tuning, the NATS KV backend, the optional Postgres
// audit log, backup scheduling, and the seed tenant/agent definitions.
package config

import (
	"github.com/castingclouds/agentengine/pkg/agentdef"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/tenant"
)

// YAMLConfig is the complete engine.yaml file structure, as parsed directly
// off disk — durations are still Go duration strings here, resolved by the
// loader into the Config below.
type YAMLConfig struct {
	Server  *ServerConfig                       `yaml:"server"`
	Engine  *EngineYAMLConfig                   `yaml:"engine"`
	NATS    *NATSYAMLConfig                     `yaml:"nats"`
	Audit   *AuditYAMLConfig                    `yaml:"audit"`
	Backup  *BackupYAMLConfig                   `yaml:"backup"`
	Tenants map[string]tenant.Config            `yaml:"tenants"`
	Agents  map[string]agentdef.AgentDefinition `yaml:"agents"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// EngineYAMLConfig mirrors engine.Config's YAML-facing shape. Durations are
// parsed from Go duration strings (e.g. "300s") by the loader, matching the
// teacher's own string-then-parse idiom for YAML durations
// (RunbooksYAMLConfig.CacheTTL in pkg/config/loader.go).
type EngineYAMLConfig struct {
	MaxConcurrentExecutions int    `yaml:"max_concurrent_executions"`
	StreamBufferSize        int    `yaml:"stream_buffer_size"`
	ConnectionTimeout       string `yaml:"connection_timeout"`
	ExecutionTimeout        string `yaml:"execution_timeout"`
	CleanupInterval         string `yaml:"cleanup_interval"`
}

// NATSYAMLConfig mirrors storage.NATSConfig.
type NATSYAMLConfig struct {
	URL         string `yaml:"url"`
	History     int    `yaml:"history"`
	MaxAge      string `yaml:"max_age"`
	MaxBytes    int64  `yaml:"max_bytes"`
	NumReplicas int    `yaml:"num_replicas"`
}

// AuditYAMLConfig mirrors audit.Config plus an Enabled flag.
type AuditYAMLConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	SSLMode         string `yaml:"sslmode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// BackupYAMLConfig mirrors storage.BackupConfig.
type BackupYAMLConfig struct {
	Dir            string `yaml:"dir"`
	Interval       string `yaml:"interval"`
	RetentionCount int    `yaml:"retention_count"`
}

// Config is the fully loaded, defaulted, and validated configuration —
// durations resolved to time.Duration, ids typed, ready to hand to the
// bootstrap in cmd/engine.
type Config struct {
	configDir string

	Server  ServerConfig
	Engine  EngineSettings
	NATS    NATSSettings
	Audit   AuditSettings
	Backup  BackupSettings
	Tenants map[ids.TenantID]tenant.Config
	Agents  map[ids.AgentID]agentdef.AgentDefinition
}

// Stats summarizes loaded configuration for a startup log line, matching the
// teacher's own Config.Stats() idiom.
type Stats struct {
	Tenants int
	Agents  int
}

func (c *Config) Stats() Stats {
	return Stats{Tenants: len(c.Tenants), Agents: len(c.Agents)}
}
