package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// Useful for tests and for running several logical contexts in one process.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	watchers []*watcher
	revision uint64
	closed   atomic.Bool

	// For TTL cleanup
	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	modified time.Time
	expires  time.Time // Zero means no expiry
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
	closed  atomic.Bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// cleanupLoop removes expired entries periodically.
func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired removes entries that have expired.
func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.data, key)
			s.notifyWatchers(key, nil, OpDelete)
		}
	}
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Check expiry lazily; the cleanup loop may not have run yet
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		return nil, ErrNotFound
	}

	// Return a copy to prevent mutation
	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, nil
}

// Put stores a value with optional TTL.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.revision++

	// Copy value to prevent external mutation
	val := make([]byte, len(value))
	copy(val, value)

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	s.data[key] = &entry{
		value:    val,
		revision: s.revision,
		modified: now,
		expires:  expires,
	}

	s.notifyWatchers(key, val, OpPut)
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.notifyWatchers(key, nil, OpDelete)
	}

	return nil
}

// Watch watches for changes to keys matching a pattern.
func (s *MemoryStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ch := make(chan *KeyValue, 64)
	w := &watcher{
		pattern: pattern,
		ch:      ch,
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	return ch, nil
}

// notifyWatchers sends notifications to matching watchers.
// Must be called with the write lock held.
func (s *MemoryStore) notifyWatchers(key string, value []byte, op Operation) {
	s.revision++
	kv := &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  s.revision,
		Operation: op,
		Modified:  time.Now(),
	}

	for _, w := range s.watchers {
		if w.closed.Load() {
			continue
		}
		if MatchPattern(w.pattern, key) {
			select {
			case w.ch <- kv:
			default:
				// Channel full, drop notification. Best effort.
			}
		}
	}
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	s.data = nil

	return nil
}
