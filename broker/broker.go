package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vinayprograms/brokerkit/breaker"
	"github.com/vinayprograms/brokerkit/bus"
	"github.com/vinayprograms/brokerkit/completion"
	errs "github.com/vinayprograms/brokerkit/errors"
	"github.com/vinayprograms/brokerkit/lease"
	"github.com/vinayprograms/brokerkit/logging"
	"github.com/vinayprograms/brokerkit/ratelimit"
	"github.com/vinayprograms/brokerkit/retry"
	"github.com/vinayprograms/brokerkit/state"
)

// Common errors.
var (
	ErrClosed        = errors.New("broker closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// credentialTransport is the optional surface a transport exposes for
// runtime credential and routing changes.
type credentialTransport interface {
	SetAPIKey(key string)
	ClearAPIKey()
	SetEndpoint(endpoint string) error
	SetModel(model string) error
}

// Store keys for persisted transport settings, shared across sibling
// contexts.
const (
	apiKeyStateKey   = "broker.api_key"
	endpointStateKey = "broker.endpoint"
	modelStateKey    = "broker.model"
)

// Config configures a Broker.
type Config struct {
	// Store is the shared state store. Required.
	Store state.Store

	// Channel is the cross-context broadcast channel. Optional; without
	// it sibling coordination relies on the store alone.
	Channel bus.Channel

	// Transport performs completion attempts. Required.
	Transport completion.Transport

	// ContextID identifies this execution context. Defaults to a random
	// UUID.
	ContextID string

	// MaxConcurrent caps in-flight requests.
	// Default: 2
	MaxConcurrent int

	// MinSpacing is the floor for the delay between dispatch starts.
	// Default: 100ms
	MinSpacing time.Duration

	// MaxSpacing caps the dynamic spacing.
	// Default: 60s
	MaxSpacing time.Duration

	// DecayFactor shrinks the dynamic spacing after successes.
	// Default: 0.9
	DecayFactor float64

	// MaxRetries is the retry budget per request.
	// Default: 3
	MaxRetries int

	// BaseDelay seeds the retry backoff.
	// Default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps the retry backoff.
	// Default: 30s
	MaxDelay time.Duration

	// AttemptTimeout bounds each transport attempt.
	// Default: 60s
	AttemptTimeout time.Duration

	// DefaultCooldown applies after a 429 without Retry-After.
	// Default: 5s
	DefaultCooldown time.Duration

	// BreakerThreshold trips the circuit after this many consecutive
	// terminal failures.
	// Default: 5
	BreakerThreshold int

	// BreakerReset is how long the circuit stays open.
	// Default: 30s
	BreakerReset time.Duration

	// LeaseTTL is the dispatch lease duration.
	// Default: 10s
	LeaseTTL time.Duration

	// HeartbeatInterval renews a held lease.
	// Default: LeaseTTL/3
	HeartbeatInterval time.Duration

	// LeaseRetryDelay is the pause before re-attempting a failed lease
	// acquisition.
	// Default: 250ms
	LeaseRetryDelay time.Duration

	// LeaseAcquireTimeout is how long the loop tolerates continuous
	// acquisition failure before failing queued requests with
	// LOCK_TIMEOUT.
	// Default: 30s
	LeaseAcquireTimeout time.Duration

	// CooldownWaitCap bounds a single cooldown wait in the dispatch
	// loop, so a tightened deadline is re-read instead of slept through.
	// Default: 1s
	CooldownWaitCap time.Duration

	// Clock supplies time everywhere the broker waits or measures.
	// Defaults to the real clock.
	Clock clockwork.Clock

	// Logger for broker events. Defaults to a no-op logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil || c.Transport == nil {
		return ErrInvalidConfig
	}
	if c.MaxConcurrent < 1 || c.MinSpacing < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       2,
		MinSpacing:          100 * time.Millisecond,
		MaxSpacing:          60 * time.Second,
		DecayFactor:         0.9,
		MaxRetries:          3,
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		AttemptTimeout:      60 * time.Second,
		DefaultCooldown:     5 * time.Second,
		BreakerThreshold:    5,
		BreakerReset:        30 * time.Second,
		LeaseTTL:            10 * time.Second,
		LeaseRetryDelay:     250 * time.Millisecond,
		LeaseAcquireTimeout: 30 * time.Second,
		CooldownWaitCap:     time.Second,
	}
}

// Options is a partial configuration applied at runtime. Nil fields keep
// their current values.
type Options struct {
	MaxConcurrent *int
	MinSpacing    *time.Duration
	MaxRetries    *int
}

// Statistics are monotonic counters over the broker's lifetime.
type Statistics struct {
	Total       uint64 `json:"total"`
	Success     uint64 `json:"success"`
	Failure     uint64 `json:"failure"`
	Retried     uint64 `json:"retried"`
	RateLimited uint64 `json:"rate_limited"`
	LastError   string `json:"last_error,omitempty"`
}

// Status is a point-in-time snapshot of the broker.
type Status struct {
	QueueLength       int           `json:"queue_length"`
	Active            int           `json:"active"`
	CircuitOpen       bool          `json:"circuit_open"`
	CircuitResetIn    time.Duration `json:"circuit_reset_in"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	Spacing           time.Duration `json:"spacing"`
	LeaseHeld         bool          `json:"lease_held"`
	Statistics        Statistics    `json:"statistics"`
}

// Broker mediates completion requests from this execution context against
// a provider quota shared with sibling contexts. Requests queue by
// priority; a single dispatch loop, active only while this context holds
// the shared lease, releases them subject to concurrency, cooldown and
// spacing gates.
type Broker struct {
	config  Config
	clock   clockwork.Clock
	log     *logging.Logger
	tracker *ratelimit.Tracker
	lease   *lease.Lease
	breaker *breaker.Breaker

	mu           sync.Mutex
	queue        *requestQueue
	inflight     int
	stats        Statistics
	executor     *retry.Executor
	maxConc      int
	minSpacing   time.Duration
	lastDispatch time.Time
	loopRunning  bool
	closed       bool
	leaseWait    time.Time
	idleWaiters  []chan struct{}

	wake chan struct{}
	stop chan struct{}
}

// New creates a Broker and its coordination components. The store and
// channel are borrowed, not owned: Close leaves them open for other users.
func New(cfg Config) (*Broker, error) {
	def := DefaultConfig()
	if cfg.ContextID == "" {
		cfg.ContextID = uuid.NewString()
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MinSpacing == 0 {
		cfg.MinSpacing = def.MinSpacing
	}
	if cfg.MaxSpacing == 0 {
		cfg.MaxSpacing = def.MaxSpacing
	}
	if cfg.DecayFactor == 0 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.DefaultCooldown == 0 {
		cfg.DefaultCooldown = def.DefaultCooldown
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerReset == 0 {
		cfg.BreakerReset = def.BreakerReset
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.LeaseRetryDelay == 0 {
		cfg.LeaseRetryDelay = def.LeaseRetryDelay
	}
	if cfg.LeaseAcquireTimeout == 0 {
		cfg.LeaseAcquireTimeout = def.LeaseAcquireTimeout
	}
	if cfg.CooldownWaitCap == 0 {
		cfg.CooldownWaitCap = def.CooldownWaitCap
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

	tracker, err := ratelimit.NewTracker(ratelimit.Config{
		Store:       cfg.Store,
		Channel:     cfg.Channel,
		Clock:       cfg.Clock,
		MinSpacing:  cfg.MinSpacing,
		MaxSpacing:  cfg.MaxSpacing,
		DecayFactor: cfg.DecayFactor,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	brk, err := breaker.New(breaker.Config{
		Threshold:     cfg.BreakerThreshold,
		ResetInterval: cfg.BreakerReset,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
	})
	if err != nil {
		tracker.Close()
		return nil, err
	}

	b := &Broker{
		config:     cfg,
		clock:      cfg.Clock,
		log:        cfg.Logger.WithComponent("broker").WithContextID(cfg.ContextID),
		tracker:    tracker,
		breaker:    brk,
		queue:      newRequestQueue(),
		maxConc:    cfg.MaxConcurrent,
		minSpacing: cfg.MinSpacing,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	b.lease, err = lease.New(lease.Config{
		Store:             cfg.Store,
		OwnerID:           cfg.ContextID,
		TTL:               cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		OnLost:            func(string) { b.wakeLoop() },
	})
	if err != nil {
		tracker.Close()
		return nil, err
	}

	b.executor = b.buildExecutor(cfg.MaxRetries)
	b.restoreTransportState()

	return b, nil
}

// restoreTransportState applies persisted credential and routing values
// left by a sibling context. Invalid persisted values are discarded.
func (b *Broker) restoreTransportState() {
	ct, ok := b.config.Transport.(credentialTransport)
	if !ok {
		return
	}
	if v, err := b.config.Store.Get(apiKeyStateKey); err == nil && len(v) > 0 {
		ct.SetAPIKey(string(v))
	}
	if v, err := b.config.Store.Get(endpointStateKey); err == nil && len(v) > 0 {
		if err := ct.SetEndpoint(string(v)); err != nil {
			b.config.Store.Delete(endpointStateKey)
		}
	}
	if v, err := b.config.Store.Get(modelStateKey); err == nil && len(v) > 0 {
		if err := ct.SetModel(string(v)); err != nil {
			b.config.Store.Delete(modelStateKey)
		}
	}
}

// persist writes a transport setting to the shared store so sibling
// contexts pick it up. Best effort.
func (b *Broker) persist(key, value string) {
	if err := b.config.Store.Put(key, []byte(value), 0); err != nil {
		b.log.Warn("failed to persist setting", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// buildExecutor assembles a retry executor wired into the broker's
// breaker, tracker and counters.
func (b *Broker) buildExecutor(maxRetries int) *retry.Executor {
	exec, err := retry.New(retry.Config{
		Transport:       b.config.Transport,
		Breaker:         b.breaker,
		RateLimit:       b.tracker,
		MaxRetries:      maxRetries,
		BaseDelay:       b.config.BaseDelay,
		MaxDelay:        b.config.MaxDelay,
		AttemptTimeout:  b.config.AttemptTimeout,
		DefaultCooldown: b.config.DefaultCooldown,
		Clock:           b.clock,
		Logger:          b.config.Logger,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			b.mu.Lock()
			b.stats.Retried++
			if errs.Is(err, errs.ErrCodeRateLimited) {
				b.stats.RateLimited++
			}
			b.mu.Unlock()
		},
	})
	if err != nil {
		// Inputs were validated at broker construction.
		panic(err)
	}
	return exec
}

// ContextID returns this broker's execution context identifier.
func (b *Broker) ContextID() string {
	return b.config.ContextID
}

// Enqueue adds a request at the given priority and returns its future.
// The context governs the request's execution: cancellation before
// dispatch abandons it, cancellation during dispatch stops retrying.
func (b *Broker) Enqueue(ctx context.Context, req *completion.Request, priority Priority) (*Pending, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errs.Validation("request has no messages")
	}
	if !priority.valid() {
		return nil, errs.Validation("unknown priority")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p := &Pending{
		id:         uuid.NewString(),
		priority:   priority,
		req:        req,
		ctx:        ctx,
		enqueuedAt: b.clock.Now(),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.queue.push(p)
	b.stats.Total++
	b.mu.Unlock()

	b.ensureLoop()
	b.wakeLoop()
	return p, nil
}

// Status returns a snapshot of queue, circuit and rate-limit state.
func (b *Broker) Status() Status {
	b.mu.Lock()
	queueLen := b.queue.len()
	active := b.inflight
	stats := b.stats
	b.mu.Unlock()

	return Status{
		QueueLength:       queueLen,
		Active:            active,
		CircuitOpen:       b.breaker.State() == breaker.Open,
		CircuitResetIn:    b.breaker.ResetIn(),
		CooldownRemaining: b.tracker.CooldownRemaining(),
		Spacing:           b.tracker.Spacing(),
		LeaseHeld:         b.lease.Held(),
		Statistics:        stats,
	}
}

// Clear rejects every queued request with QUEUE_CLEARED. In-flight
// requests are not interrupted.
func (b *Broker) Clear() {
	b.mu.Lock()
	drained := b.queue.drain()
	b.notifyIdleLocked()
	b.mu.Unlock()

	for _, p := range drained {
		p.settle(nil, errs.QueueCleared())
	}
	b.wakeLoop()
}

// Configure merges non-nil options into the live configuration.
func (b *Broker) Configure(opts Options) error {
	if opts.MaxConcurrent != nil && *opts.MaxConcurrent < 1 {
		return errs.Validation("max concurrent must be at least 1")
	}
	if opts.MinSpacing != nil && *opts.MinSpacing < 0 {
		return errs.Validation("min spacing must not be negative")
	}
	if opts.MaxRetries != nil && *opts.MaxRetries < 0 {
		return errs.Validation("max retries must not be negative")
	}

	b.mu.Lock()
	if opts.MaxConcurrent != nil {
		b.maxConc = *opts.MaxConcurrent
	}
	if opts.MinSpacing != nil {
		b.minSpacing = *opts.MinSpacing
	}
	if opts.MaxRetries != nil {
		b.executor = b.buildExecutor(*opts.MaxRetries)
	}
	b.mu.Unlock()

	b.wakeLoop()
	return nil
}

// WaitForIdle blocks until no requests are queued or in flight.
func (b *Broker) WaitForIdle(timeout time.Duration) error {
	b.mu.Lock()
	if b.idleLocked() {
		b.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.idleWaiters = append(b.idleWaiters, ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-b.clock.After(timeout):
		return errs.Timeout("broker not idle before deadline")
	}
}

// SetAPIKey installs a bearer token on the transport.
func (b *Broker) SetAPIKey(key string) error {
	ct, ok := b.config.Transport.(credentialTransport)
	if !ok {
		return errs.Validation("transport does not support credential management")
	}
	ct.SetAPIKey(key)
	b.persist(apiKeyStateKey, key)
	return nil
}

// ClearAPIKey removes the transport's bearer token.
func (b *Broker) ClearAPIKey() error {
	ct, ok := b.config.Transport.(credentialTransport)
	if !ok {
		return errs.Validation("transport does not support credential management")
	}
	ct.ClearAPIKey()
	if err := b.config.Store.Delete(apiKeyStateKey); err != nil && !errors.Is(err, state.ErrNotFound) {
		b.log.Warn("failed to clear persisted key", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// SetEndpoint points the transport at a new endpoint, subject to format
// validation.
func (b *Broker) SetEndpoint(endpoint string) error {
	ct, ok := b.config.Transport.(credentialTransport)
	if !ok {
		return errs.Validation("transport does not support credential management")
	}
	if err := ct.SetEndpoint(endpoint); err != nil {
		return err
	}
	b.persist(endpointStateKey, endpoint)
	return nil
}

// SetModel changes the transport's default model, subject to format
// validation.
func (b *Broker) SetModel(model string) error {
	ct, ok := b.config.Transport.(credentialTransport)
	if !ok {
		return errs.Validation("transport does not support credential management")
	}
	if err := ct.SetModel(model); err != nil {
		return err
	}
	b.persist(modelStateKey, model)
	return nil
}

// Close rejects queued requests, stops the dispatch loop and releases the
// coordination primitives. In-flight requests settle on their own.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	drained := b.queue.drain()
	b.notifyIdleLocked()
	b.mu.Unlock()

	close(b.stop)

	for _, p := range drained {
		p.settle(nil, errs.QueueCleared())
	}

	b.lease.Close()
	b.tracker.Close()
	return nil
}

// idleLocked reports whether nothing is queued or in flight. Caller holds
// mu.
func (b *Broker) idleLocked() bool {
	return b.queue.len() == 0 && b.inflight == 0
}

// notifyIdleLocked releases idle waiters when appropriate. Caller holds
// mu.
func (b *Broker) notifyIdleLocked() {
	if !b.idleLocked() {
		return
	}
	for _, ch := range b.idleWaiters {
		close(ch)
	}
	b.idleWaiters = nil
}

// wakeLoop nudges the dispatch loop without blocking.
func (b *Broker) wakeLoop() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
