package state

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
	ErrInvalidTTL = errors.New("invalid TTL")
)

// Operation represents the type of change to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value.
	Value []byte

	// Revision is a monotonic version number.
	Revision uint64

	// Operation indicates the type of change.
	Operation Operation

	// Modified is when the key was last modified.
	Modified time.Time
}

// Store is the shared key-value store visible to every execution context
// of the same deployment. It persists small JSON records (rate-limit state,
// the dispatch lease, credentials) across restarts.
//
// The store provides NO compare-and-swap: a read-then-write sequence can
// race with a sibling context. Callers that need mutual exclusion must
// build it lease-style on top (see the lease package) and accept the
// documented double-ownership window.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores a value with an optional TTL.
	// If ttl is 0, the key never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(key string) error

	// Watch watches for changes to keys matching a pattern.
	// Pattern supports a trailing * wildcard (e.g., "broker.*").
	// The channel is closed when the store closes. Notifications are
	// best effort and may be dropped under load.
	Watch(pattern string) (<-chan *KeyValue, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, " ") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports a trailing * wildcard (e.g., "broker.*" matches "broker.lease").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
