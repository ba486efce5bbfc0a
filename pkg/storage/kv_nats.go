package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the connection and the bucket settings applied the
// first time a bucket is created; subsequent opens reuse whatever configuration
// is already on the server.
type NATSConfig struct {
	URL string

	// Bucket config, applied once on first creation.
	History     uint8
	MaxAge      time.Duration
	MaxBytes    int64
	NumReplicas int
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.History == 0 {
		c.History = 5
	}
	if c.NumReplicas == 0 {
		c.NumReplicas = 1
	}
	return c
}

// NATSKVStore implements KVStore over NATS JetStream key-value buckets.
//
// Connection semantics: retry-with-backoff on initial connect and after a
// connection loss, and a "disconnected" flag flipped by the client's own
// handlers. Reconnection itself is left to the NATS client; operations do not
// reconnect. A bucket handle that cannot be acquired is not cached, so the
// next operation on that bucket tries again.
type NATSKVStore struct {
	cfg NATSConfig

	mu        sync.Mutex
	conn      *nats.Conn
	js        jetstream.JetStream
	buckets   map[Bucket]jetstream.KeyValue
	connected atomic.Bool
}

// NewNATSKVStore connects to NATS with retry-on-failed-connect and the
// reconnect policy used throughout the example pack's own NATS clients
// (MaxReconnects(-1): retry forever; delay between attempts doubles from 1s,
// capped at 30s).
func NewNATSKVStore(ctx context.Context, cfg NATSConfig) (*NATSKVStore, error) {
	cfg = cfg.withDefaults()
	s := &NATSKVStore{cfg: cfg, buckets: make(map[Bucket]jetstream.KeyValue)}

	opts := []nats.Option{
		nats.Name("agentengine"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			delay := time.Second
			for i := 1; i < attempts && delay < 30*time.Second; i++ {
				delay *= 2
			}
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			return delay
		}),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.connected.Store(false)
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.connected.Store(true)
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.connected.Store(false)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			slog.Error("nats async error", "subject", subjectOf(sub), "error", err)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: open jetstream context: %w", err)
	}
	s.conn = conn
	s.js = js
	s.connected.Store(true)
	return s, nil
}

func subjectOf(sub *nats.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.Subject
}

// Close closes the underlying connection.
func (s *NATSKVStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// ensureBucket returns the cached handle, opening (or creating, on first use)
// the bucket if necessary. Bucket configuration is set once on creation.
func (s *NATSKVStore) ensureBucket(ctx context.Context, bucket Bucket) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kv, ok := s.buckets[bucket]; ok {
		return kv, nil
	}

	name := string(bucket)
	kv, err := s.js.KeyValue(ctx, name)
	if err != nil {
		kv, err = s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			History:     s.cfg.History,
			MaxAge:      s.cfg.MaxAge,
			MaxBytes:    s.cfg.MaxBytes,
			Storage:     jetstream.FileStorage,
			Replicas:    s.cfg.NumReplicas,
			Description: "agent execution engine: " + name,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: create bucket %s: %w", name, err)
		}
	}
	s.buckets[bucket] = kv
	return kv, nil
}

func (s *NATSKVStore) Put(ctx context.Context, bucket Bucket, key string, value []byte) error {
	kv, err := s.ensureBucket(ctx, bucket)
	if err != nil {
		return transientErr(err)
	}
	if _, err := kv.Put(ctx, key, value); err != nil {
		return transientErr(err)
	}
	return nil
}

func (s *NATSKVStore) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	kv, err := s.ensureBucket(ctx, bucket)
	if err != nil {
		return nil, transientErr(err)
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, transientErr(err)
	}
	return entry.Value(), nil
}

func (s *NATSKVStore) Delete(ctx context.Context, bucket Bucket, key string) (bool, error) {
	kv, err := s.ensureBucket(ctx, bucket)
	if err != nil {
		return false, transientErr(err)
	}
	if _, err := kv.Get(ctx, key); err != nil {
		if err == jetstream.ErrKeyNotFound {
			return false, nil
		}
		return false, transientErr(err)
	}
	if err := kv.Delete(ctx, key); err != nil {
		return false, transientErr(err)
	}
	return true, nil
}

// WatchAll drains a watch-all iterator over the bucket's current keys — a
// finite snapshot of "everything present right now", matching the spec's
// watch_all contract rather than a live subscription.
func (s *NATSKVStore) WatchAll(ctx context.Context, bucket Bucket) ([]Entry, error) {
	kv, err := s.ensureBucket(ctx, bucket)
	if err != nil {
		return nil, transientErr(err)
	}

	watcher, err := kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, transientErr(err)
	}
	defer watcher.Stop()

	var entries []Entry
	for update := range watcher.Updates() {
		if update == nil {
			// nil marks "caught up to the current state" for this watcher.
			break
		}
		entries = append(entries, Entry{Key: update.Key(), Value: update.Value()})
	}
	return entries, nil
}

func transientErr(err error) error {
	return fmt.Errorf("storage: transient: %w", err)
}
