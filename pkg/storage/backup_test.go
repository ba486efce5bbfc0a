package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backupFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "backup-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func TestSnapshotFullWritesAllBuckets(t *testing.T) {
	kv := NewMemoryKVStore()
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, BucketAgents, "tenant:t1:a1", []byte(`{"id":"a1"}`)))
	require.NoError(t, kv.Put(ctx, BucketExecutions, "tenant:t1:e1", []byte(`{"id":"e1"}`)))

	dir := t.TempDir()
	mgr := NewBackupManager(kv, BackupConfig{Dir: dir})
	require.NoError(t, mgr.SnapshotFull(ctx))

	files := backupFiles(t, dir)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "-full.ndjson.gz")
}

func TestSnapshotTenantOnlyIncludesThatTenantsKeys(t *testing.T) {
	kv := NewMemoryKVStore()
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, BucketAgents, "tenant:t1:a1", []byte(`{"id":"a1"}`)))
	require.NoError(t, kv.Put(ctx, BucketAgents, "tenant:t2:a2", []byte(`{"id":"a2"}`)))

	dir := t.TempDir()
	mgr := NewBackupManager(kv, BackupConfig{Dir: dir})
	require.NoError(t, mgr.SnapshotTenant(ctx, "t1"))

	files := backupFiles(t, dir)
	require.Len(t, files, 1)

	restoreKV := NewMemoryKVStore()
	require.NoError(t, Restore(ctx, restoreKV, filepath.Join(dir, files[0])))

	_, err := restoreKV.Get(ctx, BucketAgents, "tenant:t1:a1")
	require.NoError(t, err)
	_, err = restoreKV.Get(ctx, BucketAgents, "tenant:t2:a2")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBackupRotationKeepsOnlyRetentionCount(t *testing.T) {
	kv := NewMemoryKVStore()
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, BucketAgents, "k", []byte("v")))

	dir := t.TempDir()
	mgr := NewBackupManager(kv, BackupConfig{Dir: dir, RetentionCount: 2})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		mgr.nowFn = func() time.Time { return ts }
		require.NoError(t, mgr.SnapshotFull(ctx))
	}

	files := backupFiles(t, dir)
	require.Len(t, files, 2)
	assert.Contains(t, files[0], "2026-01-01T02:00:00Z")
	assert.Contains(t, files[1], "2026-01-01T03:00:00Z")
}

func TestRestoreRoundTripsExactBytes(t *testing.T) {
	kv := NewMemoryKVStore()
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, BucketAgents, "tenant:t1:a1", []byte(`{"id":"a1","name":"Agent One"}`)))
	require.NoError(t, kv.Put(ctx, BucketExecutions, "tenant:t1:e1", []byte(`{"id":"e1"}`)))

	dir := t.TempDir()
	mgr := NewBackupManager(kv, BackupConfig{Dir: dir})
	require.NoError(t, mgr.SnapshotFull(ctx))

	files := backupFiles(t, dir)
	require.Len(t, files, 1)

	restoreKV := NewMemoryKVStore()
	require.NoError(t, Restore(ctx, restoreKV, filepath.Join(dir, files[0])))

	agentVal, err := restoreKV.Get(ctx, BucketAgents, "tenant:t1:a1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a1","name":"Agent One"}`, string(agentVal))

	execVal, err := restoreKV.Get(ctx, BucketExecutions, "tenant:t1:e1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"e1"}`, string(execVal))
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	kv := NewMemoryKVStore()
	dir := t.TempDir()
	mgr := NewBackupManager(kv, BackupConfig{Dir: dir, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
