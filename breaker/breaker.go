package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vinayprograms/brokerkit/logging"
)

// ErrInvalidConfig indicates bad breaker configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// State is the breaker state.
type State int

const (
	// Closed allows requests through.
	Closed State = iota

	// Open rejects requests until the reset interval elapses.
	Open
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures that trips the
	// breaker.
	// Default: 5
	Threshold int

	// ResetInterval is how long the breaker stays open after tripping.
	// Default: 30s
	ResetInterval time.Duration

	// Clock supplies time. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger for breaker transitions. Defaults to a no-op logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Threshold < 1 || c.ResetInterval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		ResetInterval: 30 * time.Second,
	}
}

// Breaker is a two-state circuit breaker with lazy reset. There is no
// half-open state: once the reset interval passes, the next Allow check
// closes the circuit outright and full traffic resumes.
type Breaker struct {
	config Config
	clock  clockwork.Clock
	log    *logging.Logger

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// New creates a Breaker.
func New(cfg Config) (*Breaker, error) {
	def := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetInterval == 0 {
		cfg.ResetInterval = def.ResetInterval
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

	return &Breaker{
		config: cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger.WithComponent("breaker"),
	}, nil
}

// Allow reports whether a request may proceed, closing the circuit first
// if the reset interval has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

// allowLocked performs the lazy-close check. Caller holds mu.
func (b *Breaker) allowLocked() bool {
	if b.openUntil.IsZero() {
		return true
	}
	if b.clock.Now().Before(b.openUntil) {
		return false
	}
	// Reset interval elapsed: close and forget the failure streak.
	b.failures = 0
	b.openUntil = time.Time{}
	return true
}

// State returns the current state after the lazy-close check.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allowLocked() {
		return Closed
	}
	return Open
}

// ResetIn returns how long until an open circuit closes, or zero when
// closed.
func (b *Breaker) ResetIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allowLocked() {
		return 0
	}
	return b.openUntil.Sub(b.clock.Now())
}

// RecordSuccess resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure counts a terminal failure and trips the breaker at the
// threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.config.Threshold {
		return
	}

	b.openUntil = b.clock.Now().Add(b.config.ResetInterval)
	b.log.CircuitTripped(b.failures, b.config.ResetInterval)
}

// Reset force-closes the circuit and clears the failure counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
