package storage

import (
	"context"
	"sync"
)

// MemoryKVStore is an in-process KVStore used for tests and for running the
// engine without a NATS cluster. It implements the same contract as
// NATSKVStore: snapshot-only WatchAll, no historical replay for late readers.
type MemoryKVStore struct {
	mu      sync.RWMutex
	buckets map[Bucket]map[string][]byte
}

// NewMemoryKVStore returns an empty store with both logical buckets
// pre-created, so every operation can take a single lock without ever
// needing to promote a read lock to a write lock mid-call.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{buckets: map[Bucket]map[string][]byte{
		BucketAgents:     make(map[string][]byte),
		BucketExecutions: make(map[string][]byte),
	}}
}

// bucketLocked returns the backing map for b, creating it on first use.
// Callers must hold mu for writing.
func (s *MemoryKVStore) bucketLocked(b Bucket) map[string][]byte {
	m, ok := s.buckets[b]
	if !ok {
		m = make(map[string][]byte)
		s.buckets[b] = m
	}
	return m
}

func (s *MemoryKVStore) Put(_ context.Context, bucket Bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.bucketLocked(bucket)[key] = cp
	return nil
}

func (s *MemoryKVStore) Get(_ context.Context, bucket Bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.buckets[bucket][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemoryKVStore) Delete(_ context.Context, bucket Bucket, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.bucketLocked(bucket)
	_, ok := m[key]
	delete(m, key)
	return ok, nil
}

func (s *MemoryKVStore) WatchAll(_ context.Context, bucket Bucket) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.buckets[bucket]
	entries := make([]Entry, 0, len(m))
	for k, v := range m {
		cp := make([]byte, len(v))
		copy(cp, v)
		entries = append(entries, Entry{Key: k, Value: cp})
	}
	return entries, nil
}
