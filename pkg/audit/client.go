// Package audit implements the execution audit log (§4.10): an optional,
// independently-enabled Postgres-backed secondary trail of terminal execution
// records, written alongside (never instead of) the KV-substrate source of
// truth in pkg/storage.
package audit

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/castingclouds/agentengine/pkg/ids"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the audit database's connection settings, matching the
// teacher's database.Config field-for-field.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	return cfg
}

// Record is one terminal execution's audit row.
type Record struct {
	ExecutionID  ids.ExecutionID
	TenantID     ids.TenantID
	AgentID      ids.AgentID
	Status       string
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string
}

// Logger appends terminal execution records to the audit trail. Writes are
// best-effort: a Logger implementation never returns an error that should
// change execution outcome, only one worth logging at the call site.
type Logger interface {
	Log(ctx context.Context, rec Record) error
}

// NoopLogger discards every record — the default when the audit log is
// disabled (§4.10: "independently-enabled").
type NoopLogger struct{}

func (NoopLogger) Log(context.Context, Record) error { return nil }

// Client is a Postgres-backed Logger.
type Client struct {
	db *stdsql.DB
}

// DB exposes the underlying pool, e.g. for a health check.
func (c *Client) DB() *stdsql.DB { return c.db }

// Close releases the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens the audit database, applies embedded migrations, and
// returns a ready Client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

func runMigrations(db *stdsql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Do not call m.Close() — it would close db via postgres.WithInstance's
	// shared *sql.DB. Close only the migration source.
	return sourceDriver.Close()
}

// Log upserts one terminal execution's row (idempotent on re-delivery).
func (c *Client) Log(ctx context.Context, rec Record) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO execution_audit_log
			(execution_id, tenant_id, agent_id, status, started_at, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message
	`, rec.ExecutionID.String(), string(rec.TenantID), rec.AgentID.String(),
		rec.Status, rec.StartedAt, rec.CompletedAt, rec.ErrorMessage)
	return err
}
