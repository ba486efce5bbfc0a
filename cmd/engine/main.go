// Command engine is the agent-execution engine's process entry point: load
// configuration, connect to NATS, wire storage/bus/registry/server, and serve
// until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/castingclouds/agentengine/pkg/api"
	"github.com/castingclouds/agentengine/pkg/audit"
	"github.com/castingclouds/agentengine/pkg/config"
	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/provider"
	"github.com/castingclouds/agentengine/pkg/storage"
	"github.com/castingclouds/agentengine/pkg/streambus"
	"github.com/castingclouds/agentengine/pkg/tenant"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment", "path", envPath)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("configuration loaded", "tenants", stats.Tenants, "agents", stats.Agents)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := storage.NewNATSKVStore(ctx, storage.NATSConfig{
		URL:         cfg.NATS.URL,
		History:     uint8(cfg.NATS.History),
		MaxAge:      cfg.NATS.MaxAge,
		MaxBytes:    cfg.NATS.MaxBytes,
		NumReplicas: cfg.NATS.NumReplicas,
	})
	if err != nil {
		slog.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer kv.Close()
	slog.Info("connected to nats", "url", cfg.NATS.URL)

	store := storage.NewTenantStore(kv)

	// Seed the catalog: every configured agent is made available to every
	// configured tenant. The spec's C3 contract scopes agent storage per
	// tenant; this bootstrap treats engine.yaml's top-level "agents" block as
	// a shared catalog rather than requiring one copy per tenant in the file.
	for tenantID := range cfg.Tenants {
		for _, def := range cfg.Agents {
			if err := store.StoreAgent(ctx, tenantID, def); err != nil {
				slog.Error("failed to seed agent", "tenant_id", tenantID, "agent_id", def.ID, "error", err)
			}
		}
	}

	bus := streambus.New(cfg.Engine.StreamBufferSize)

	eng := engine.New(store, bus, provider.NewRegistry(), engine.Config{
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		StreamBufferSize:        cfg.Engine.StreamBufferSize,
		ConnectionTimeout:       cfg.Engine.ConnectionTimeout,
		ExecutionTimeout:        cfg.Engine.ExecutionTimeout,
		CleanupInterval:         cfg.Engine.CleanupInterval,
	})

	if cfg.Audit.Enabled {
		auditClient, err := audit.NewClient(ctx, audit.Config{
			Host:            cfg.Audit.Host,
			Port:            cfg.Audit.Port,
			User:            cfg.Audit.User,
			Password:        cfg.Audit.Password,
			Database:        cfg.Audit.Database,
			SSLMode:         cfg.Audit.SSLMode,
			MaxOpenConns:    cfg.Audit.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
		})
		if err != nil {
			slog.Error("failed to connect to audit database, continuing without audit log", "error", err)
		} else {
			defer auditClient.Close()
			eng.SetAuditLogger(auditClient)
			slog.Info("audit log enabled", "database", cfg.Audit.Database)
		}
	}

	registry := tenant.NewRegistry(eng)
	for id, t := range cfg.Tenants {
		t.TenantID = id
		registry.AddConfig(t)
	}

	var backupMgr *storage.BackupManager
	if cfg.Backup.Dir != "" {
		backupMgr = storage.NewBackupManager(kv, storage.BackupConfig{
			Dir:            cfg.Backup.Dir,
			Interval:       cfg.Backup.Interval,
			RetentionCount: cfg.Backup.RetentionCount,
		})
		go backupMgr.Run(ctx)
		slog.Info("backup manager started", "dir", cfg.Backup.Dir, "interval", cfg.Backup.Interval)
	}

	server := api.NewServer(registry, bus)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Addr)
		if err := server.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("agent engine stopped")
}
