package state

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store using NATS JetStream KV.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL is the bucket-level TTL for entries (0 = none).
	// NATS KV has no per-key TTL; records that need one carry their
	// own expiry timestamp and are validated on read.
	TTL time.Duration

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 64KB; the broker only stores small JSON records.
	MaxValueSize int32
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "broker-state",
		History:      1,
		MaxValueSize: 64 * 1024,
	}
}

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultNATSStoreConfig().Bucket
	}
	if cfg.History <= 0 {
		cfg.History = DefaultNATSStoreConfig().History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = DefaultNATSStoreConfig().MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
	}, nil
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	return entry.Value(), nil
}

// Put stores a value. The ttl argument is accepted for interface parity;
// NATS KV TTLs are bucket-level, so records carrying their own expiry
// timestamps are validated by readers instead.
func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}

	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && err != jetstream.ErrKeyNotFound {
		return fmt.Errorf("kv delete: %w", err)
	}

	return nil
}

// Watch watches for changes to keys matching a pattern.
func (s *NATSStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx := context.Background()

	// Convert our pattern to a NATS pattern
	natsPattern := pattern
	if pattern == "*" {
		natsPattern = ">"
	} else if strings.HasSuffix(pattern, "*") {
		natsPattern = strings.TrimSuffix(pattern, "*") + ">"
	}

	var watcher jetstream.KeyWatcher
	var err error

	if natsPattern == ">" {
		watcher, err = s.kv.WatchAll(ctx)
	} else {
		watcher, err = s.kv.Watch(ctx, natsPattern)
	}
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *KeyValue, 64)

	go s.watchLoop(watcher, ch, pattern)

	return ch, nil
}

// watchLoop processes watch updates.
func (s *NATSStore) watchLoop(watcher jetstream.KeyWatcher, ch chan *KeyValue, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for entry := range watcher.Updates() {
		if entry == nil {
			continue // Initial sync complete marker
		}

		// Filter by our pattern if the NATS pattern was broader
		if !MatchPattern(pattern, entry.Key()) {
			continue
		}

		kv := &KeyValue{
			Key:       entry.Key(),
			Value:     entry.Value(),
			Revision:  entry.Revision(),
			Operation: opFromNATS(entry.Operation()),
			Modified:  entry.Created(),
		}

		select {
		case ch <- kv:
		default:
			// Channel full, drop notification. Best effort.
		}

		if s.closed.Load() {
			return
		}
	}
}

// opFromNATS converts a NATS operation to our Operation type.
func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValuePut:
		return OpPut
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

// Close shuts down the store. The NATS connection is owned by the caller
// and stays open.
func (s *NATSStore) Close() error {
	s.closed.Swap(true)
	return nil
}
