package config

import "time"

// EngineSettings is the resolved, duration-parsed form of EngineYAMLConfig.
type EngineSettings struct {
	MaxConcurrentExecutions int
	StreamBufferSize        int
	ConnectionTimeout       time.Duration
	ExecutionTimeout        time.Duration
	CleanupInterval         time.Duration
}

func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		MaxConcurrentExecutions: 50,
		StreamBufferSize:        1000,
		ConnectionTimeout:       30 * time.Second,
		ExecutionTimeout:        300 * time.Second,
		CleanupInterval:         60 * time.Second,
	}
}

// NATSSettings is the resolved form of NATSYAMLConfig.
type NATSSettings struct {
	URL         string
	History     int
	MaxAge      time.Duration
	MaxBytes    int64
	NumReplicas int
}

func DefaultNATSSettings() NATSSettings {
	return NATSSettings{
		URL:         "nats://127.0.0.1:4222",
		History:     1,
		MaxAge:      0,
		MaxBytes:    0,
		NumReplicas: 1,
	}
}

// AuditSettings is the resolved form of AuditYAMLConfig.
type AuditSettings struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultAuditSettings() AuditSettings {
	return AuditSettings{
		Enabled:         false,
		Host:            "127.0.0.1",
		Port:            5432,
		User:            "agentengine",
		Database:        "agentengine_audit",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// BackupSettings is the resolved form of BackupYAMLConfig.
type BackupSettings struct {
	Dir            string
	Interval       time.Duration
	RetentionCount int
}

func DefaultBackupSettings() BackupSettings {
	return BackupSettings{
		Dir:            "./backups",
		Interval:       24 * time.Hour,
		RetentionCount: 7,
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: ":8080"}
}
