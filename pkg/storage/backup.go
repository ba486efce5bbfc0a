package storage

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BackupConfig controls the optional periodic snapshot writer.
type BackupConfig struct {
	Dir             string
	Interval        time.Duration // default 24h
	RetentionCount  int           // default 7
}

func (c BackupConfig) withDefaults() BackupConfig {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.RetentionCount <= 0 {
		c.RetentionCount = 7
	}
	return c
}

// snapshotLine is one row of the ndjson snapshot file.
type snapshotLine struct {
	Key     string `json:"key"`
	ValueB64 string `json:"value_b64"`
}

// BackupManager periodically snapshots every bucket to a gzip-compressed
// newline-delimited-JSON file, rotating old snapshots beyond RetentionCount.
// Failures are logged and retried on the next tick; they never block
// foreground reads/writes against kv.
type BackupManager struct {
	kv  KVStore
	cfg BackupConfig

	nowFn func() time.Time
}

// NewBackupManager constructs a manager over kv. nowFn defaults to time.Now
// and exists so tests can control snapshot filenames.
func NewBackupManager(kv KVStore, cfg BackupConfig) *BackupManager {
	return &BackupManager{kv: kv, cfg: cfg.withDefaults(), nowFn: time.Now}
}

// Run blocks, writing a full snapshot every Interval until ctx is cancelled.
func (b *BackupManager) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.SnapshotFull(ctx); err != nil {
				slog.Error("backup: snapshot failed, will retry next interval", "error", err)
			}
		}
	}
}

// SnapshotFull writes one snapshot file covering all tenants across both buckets.
func (b *BackupManager) SnapshotFull(ctx context.Context) error {
	return b.snapshot(ctx, "full")
}

// SnapshotTenant writes an incremental per-tenant snapshot: only entries whose
// key is prefixed "tenant:{tenant}:".
func (b *BackupManager) SnapshotTenant(ctx context.Context, tenant string) error {
	prefix := tenantPrefix + keySeparator + tenant + keySeparator
	return b.snapshotFiltered(ctx, "tenant-"+tenant, func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (b *BackupManager) snapshot(ctx context.Context, kind string) error {
	return b.snapshotFiltered(ctx, kind, func(string) bool { return true })
}

func (b *BackupManager) snapshotFiltered(ctx context.Context, kind string, keep func(key string) bool) error {
	if err := os.MkdirAll(b.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("backup: create dir: %w", err)
	}

	name := fmt.Sprintf("backup-%s-%s.ndjson.gz", b.nowFn().UTC().Format(time.RFC3339), kind)
	path := filepath.Join(b.cfg.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("backup: create file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	for _, bucket := range []Bucket{BucketAgents, BucketExecutions} {
		entries, err := b.kv.WatchAll(ctx, bucket)
		if err != nil {
			return fmt.Errorf("backup: watch %s: %w", bucket, err)
		}
		for _, e := range entries {
			if !keep(e.Key) {
				continue
			}
			line := snapshotLine{
				Key:      string(bucket) + keySeparator + e.Key,
				ValueB64: base64.StdEncoding.EncodeToString(e.Value),
			}
			b, err := json.Marshal(line)
			if err != nil {
				return fmt.Errorf("backup: marshal entry: %w", err)
			}
			if _, err := gz.Write(append(b, '\n')); err != nil {
				return fmt.Errorf("backup: write entry: %w", err)
			}
		}
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("backup: close gzip: %w", err)
	}

	return b.rotate()
}

// rotate deletes snapshots beyond RetentionCount, oldest first.
func (b *BackupManager) rotate() error {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return fmt.Errorf("backup: list dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // RFC3339 timestamps in the filename sort chronologically
	if len(names) <= b.cfg.RetentionCount {
		return nil
	}
	toRemove := names[:len(names)-b.cfg.RetentionCount]
	for _, n := range toRemove {
		if err := os.Remove(filepath.Join(b.cfg.Dir, n)); err != nil {
			slog.Warn("backup: failed to rotate old snapshot", "file", n, "error", err)
		}
	}
	return nil
}

// Restore replays every (key, value) pair from a snapshot file as a Put.
// Used for disaster recovery; never invoked automatically.
func Restore(ctx context.Context, kv KVStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("restore: open: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("restore: gzip reader: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	for dec.More() {
		var line snapshotLine
		if err := dec.Decode(&line); err != nil {
			return fmt.Errorf("restore: decode entry: %w", err)
		}
		value, err := base64.StdEncoding.DecodeString(line.ValueB64)
		if err != nil {
			return fmt.Errorf("restore: decode value: %w", err)
		}
		bucket, key, ok := strings.Cut(line.Key, keySeparator)
		if !ok {
			return fmt.Errorf("restore: malformed key %q", line.Key)
		}
		if err := kv.Put(ctx, Bucket(bucket), key, value); err != nil {
			return fmt.Errorf("restore: put %s: %w", line.Key, err)
		}
	}
	return nil
}
