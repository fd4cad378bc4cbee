package lease

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vinayprograms/brokerkit/logging"
	"github.com/vinayprograms/brokerkit/state"
)

// Common errors.
var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrAcquireTimeout = errors.New("lease not acquired before deadline")
	ErrClosed         = errors.New("lease closed")
)

// DefaultKey is the shared-store key for the dispatch lease record.
const DefaultKey = "broker.lease"

// recordVersion is the persisted schema version.
const recordVersion = 1

// Record is the persisted lease record (epoch milliseconds).
// At most one non-expired record logically exists; that is enforced
// optimistically, not atomically.
type Record struct {
	Version    int    `json:"version"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// expired reports whether the record's expiry has passed on the local clock.
func (r *Record) expired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAt
}

// Config configures a Lease.
type Config struct {
	// Store is the shared state store the record lives in. Required.
	Store state.Store

	// OwnerID identifies this context in the record. Required.
	OwnerID string

	// Key is the store key for the record.
	// Default: DefaultKey
	Key string

	// TTL is the lease duration written into each record.
	// Default: 10s
	TTL time.Duration

	// HeartbeatInterval is how often a held lease is renewed.
	// Default: TTL/3
	HeartbeatInterval time.Duration

	// Clock supplies time. Defaults to the real clock.
	Clock clockwork.Clock

	// OnLost is called (once per acquisition) when a store notification
	// reveals the record now belongs to someone else. Optional.
	OnLost func(newOwner string)

	// Logger for lease events. Defaults to a no-op logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil || c.OwnerID == "" {
		return ErrInvalidConfig
	}
	if c.TTL < 0 || c.HeartbeatInterval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Key: DefaultKey,
		TTL: 10 * time.Second,
	}
}

// Lease is an advisory, self-healing mutual-exclusion primitive built on a
// store with no compare-and-swap.
//
// Acquisition is read-then-write with a confirming re-read, which narrows
// but cannot close the window where two contexts both believe they own the
// lease. The short TTL plus heartbeat renewal bounds that window: without
// renewal a stale record expires within one TTL and any context can
// reclaim it. Callers must treat ownership as a strong hint, not a
// guarantee.
type Lease struct {
	config Config
	clock  clockwork.Clock
	log    *logging.Logger

	mu       sync.Mutex
	held     bool
	lostOnce bool
	closed   bool

	hbStop chan struct{}
	hbDone chan struct{}

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates a Lease and starts watching the record for foreign takeovers.
func New(cfg Config) (*Lease, error) {
	def := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = def.Key
	}
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = cfg.TTL / 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Lease{
		config: cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger.WithComponent("lease"),
	}

	if err := l.startWatch(); err != nil {
		return nil, err
	}

	return l, nil
}

// Held reports whether this context currently believes it owns the lease.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// TryAcquire makes a single non-blocking acquisition attempt.
// It succeeds when the record is absent, expired, or already ours; the
// write is confirmed by a re-read to catch the most common write race.
func (l *Lease) TryAcquire() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.held {
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()

	now := l.clock.Now()

	current, err := l.read()
	if err == nil && current.OwnerID != l.config.OwnerID && !current.expired(now) {
		return false // Valid foreign lease
	}

	if !l.write(now) {
		return false
	}

	// Confirming re-read: if a sibling wrote between our read and write,
	// whoever's write landed last wins and the other sees a foreign owner.
	confirmed, err := l.read()
	if err != nil || confirmed.OwnerID != l.config.OwnerID {
		return false
	}

	l.markAcquired()
	return true
}

// AcquireWithTimeout polls TryAcquire with small randomized delays until
// ctx expires or timeout elapses. At the deadline it force-acquires if the
// surviving record is expired; otherwise it fails with ErrAcquireTimeout.
func (l *Lease) AcquireWithTimeout(ctx context.Context, timeout time.Duration) error {
	deadline := l.clock.Now().Add(timeout)

	for {
		if l.TryAcquire() {
			return nil
		}

		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			break
		}

		// Randomized delay desynchronizes sibling contexts polling
		// for the same record.
		delay := 50*time.Millisecond + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
		if delay > remaining {
			delay = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
	}

	// Deadline reached: reclaim an expired record outright.
	now := l.clock.Now()
	if current, err := l.read(); err != nil || current.expired(now) {
		if l.write(now) {
			l.markAcquired()
			return nil
		}
	}

	return ErrAcquireTimeout
}

// Release gives up the lease and removes the record if it is still ours.
func (l *Lease) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.stopHeartbeatLocked()
	l.mu.Unlock()

	// Only delete a record we still own; a sibling may have taken over.
	if current, err := l.read(); err == nil && current.OwnerID == l.config.OwnerID {
		_ = l.config.Store.Delete(l.config.Key)
	}
}

// Close releases the lease and stops the watcher.
func (l *Lease) Close() error {
	l.Release()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel := l.watchCancel
	done := l.watchDone
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// read fetches and decodes the current record.
func (l *Lease) read() (*Record, error) {
	data, err := l.config.Store.Get(l.config.Key)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Version != recordVersion || rec.OwnerID == "" {
		return nil, errors.New("invalid lease record")
	}
	return &rec, nil
}

// write stores a fresh record for this owner. The record's expiry is
// always acquired-at plus TTL.
func (l *Lease) write(now time.Time) bool {
	rec := Record{
		Version:    recordVersion,
		OwnerID:    l.config.OwnerID,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(l.config.TTL).UnixMilli(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	if err := l.config.Store.Put(l.config.Key, data, 0); err != nil {
		l.log.Warn("write lease record", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	return true
}

// markAcquired flips to held and starts the heartbeat.
func (l *Lease) markAcquired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held || l.closed {
		return
	}
	l.held = true
	l.lostOnce = false
	l.log.LeaseAcquired(l.config.TTL)
	l.startHeartbeatLocked()
}

// startHeartbeatLocked launches the renewal loop. Caller holds mu.
func (l *Lease) startHeartbeatLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	l.hbStop = stop
	l.hbDone = done

	go func() {
		defer close(done)

		ticker := l.clock.NewTicker(l.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				l.mu.Lock()
				held := l.held
				l.mu.Unlock()
				if !held {
					return
				}
				l.write(l.clock.Now())
			}
		}
	}()
}

// stopHeartbeatLocked stops the renewal loop. Caller holds mu.
func (l *Lease) stopHeartbeatLocked() {
	if l.hbStop != nil {
		close(l.hbStop)
		l.hbStop = nil
		l.hbDone = nil
	}
}

// startWatch subscribes to record changes so a foreign takeover is
// noticed without polling.
func (l *Lease) startWatch() error {
	ch, err := l.config.Store.Watch(l.config.Key)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.watchCancel = cancel
	l.watchDone = done

	go func() {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case kv, ok := <-ch:
				if !ok {
					return
				}
				if kv.Operation != state.OpPut || kv.Value == nil {
					continue
				}
				var rec Record
				if err := json.Unmarshal(kv.Value, &rec); err != nil {
					continue
				}
				if rec.OwnerID == l.config.OwnerID {
					continue
				}
				l.handleForeignOwner(rec.OwnerID)
			}
		}
	}()

	return nil
}

// handleForeignOwner reacts to the record changing hands while held.
func (l *Lease) handleForeignOwner(newOwner string) {
	l.mu.Lock()
	if !l.held || l.lostOnce {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.lostOnce = true
	l.stopHeartbeatLocked()
	l.mu.Unlock()

	l.log.LeaseLost(newOwner)
	if l.config.OnLost != nil {
		l.config.OnLost(newOwner)
	}
}
