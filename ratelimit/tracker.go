package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vinayprograms/brokerkit/bus"
	"github.com/vinayprograms/brokerkit/logging"
	"github.com/vinayprograms/brokerkit/state"
)

// Config configures a Tracker.
type Config struct {
	// Store is the shared state store for persistence. Required.
	Store state.Store

	// Channel is the broadcast channel for sibling hints. Optional;
	// without it state still persists, convergence is just slower.
	Channel bus.Channel

	// Clock supplies time. Defaults to the real clock.
	Clock clockwork.Clock

	// MinSpacing is the floor for the dynamic spacing.
	// Default: 100ms
	MinSpacing time.Duration

	// MaxSpacing caps the dynamic spacing.
	// Default: 60s
	MaxSpacing time.Duration

	// DecayFactor shrinks the spacing after each success (0-1).
	// Default: 0.9
	DecayFactor float64

	// Logger for rate limit events. Defaults to a no-op logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil {
		return ErrInvalidConfig
	}
	if c.DecayFactor < 0 || c.DecayFactor >= 1 {
		return ErrInvalidConfig
	}
	if c.MinSpacing < 0 || c.MaxSpacing < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinSpacing:  100 * time.Millisecond,
		MaxSpacing:  60 * time.Second,
		DecayFactor: 0.9,
	}
}

// Tracker holds a context's cached copy of the shared rate-limit state and
// keeps it reconciled with the store and with sibling broadcasts.
//
// Remote input is merged with a monotonic ratchet: a message can tighten
// the local limit but never relax it. Relaxation only happens through this
// context's own successes (decay) or a cooldown deadline passing.
type Tracker struct {
	config Config
	clock  clockwork.Clock
	log    *logging.Logger

	mu    sync.Mutex
	cur   State
	dirty bool

	sub    bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a Tracker, loads any persisted state, and starts
// listening for sibling broadcasts.
func NewTracker(cfg Config) (*Tracker, error) {
	def := DefaultConfig()
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = def.MinSpacing
	}
	if cfg.MaxSpacing <= 0 {
		cfg.MaxSpacing = def.MaxSpacing
	}
	if cfg.DecayFactor == 0 {
		cfg.DecayFactor = def.DecayFactor
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

	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		config: cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger.WithComponent("ratelimit"),
		cur:    State{Spacing: cfg.MinSpacing},
		ctx:    ctx,
		cancel: cancel,
	}

	t.load()

	if cfg.Channel != nil {
		sub, err := cfg.Channel.Subscribe(Subject)
		if err != nil {
			cancel()
			return nil, err
		}
		t.sub = sub

		t.wg.Add(1)
		go t.listen()
	}

	return t, nil
}

// load reconciles the cached state with the persisted record.
// Expired cooldowns are ignored and stored spacing is clamped, so a stale
// record can never wedge a freshly started context.
func (t *Tracker) load() {
	data, err := t.config.Store.Get(StateKey)
	if err != nil {
		return
	}

	loaded, err := decodeRecord(data)
	if err != nil {
		t.log.Warn("discarding unparseable rate limit record", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	now := t.clock.Now()
	if !loaded.CooldownUntil.After(now) {
		loaded.CooldownUntil = time.Time{}
	}
	loaded.Spacing = t.clamp(loaded.Spacing)

	t.mu.Lock()
	t.cur = Merge(t.cur, loaded)
	t.mu.Unlock()
}

// listen applies sibling broadcasts until the tracker closes.
func (t *Tracker) listen() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case msg, ok := <-t.sub.Messages():
			if !ok {
				return
			}
			remote, err := decodeEnvelope(msg.Data)
			if err != nil {
				continue // Ignore malformed messages
			}
			remote.Spacing = t.clamp(remote.Spacing)

			t.mu.Lock()
			t.cur = Merge(t.cur, remote)
			t.mu.Unlock()
		}
	}
}

// Current returns the cached state.
func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Spacing returns the currently enforced inter-dispatch delay.
func (t *Tracker) Spacing() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.Spacing
}

// CooldownRemaining returns how long until requests may be sent again,
// or zero if no cooldown is active.
func (t *Tracker) CooldownRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := t.cur.CooldownUntil.Sub(t.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordRateLimit registers a 429: the cooldown deadline moves to
// now+cooldown and the spacing doubles (capped). The new state is
// persisted and broadcast.
func (t *Tracker) RecordRateLimit(cooldown time.Duration) State {
	now := t.clock.Now()

	t.mu.Lock()
	next := State{
		CooldownUntil: now.Add(cooldown),
		Spacing:       t.clamp(t.cur.Spacing * 2),
	}
	t.cur = Merge(t.cur, next)
	cur := t.cur
	t.mu.Unlock()

	t.log.RateLimitHit(cooldown, cur.Spacing)
	t.publish(cur, now)
	return cur
}

// RecordSuccess decays the spacing toward the floor after a successful
// call and persists the relaxed state. Successes are local evidence, so
// unlike remote input they may loosen the limit.
func (t *Tracker) RecordSuccess() State {
	now := t.clock.Now()

	t.mu.Lock()
	decayed := time.Duration(float64(t.cur.Spacing) * t.config.DecayFactor)
	if decayed < t.config.MinSpacing {
		decayed = t.config.MinSpacing
	}
	t.cur.Spacing = decayed
	if !t.cur.CooldownUntil.After(now) {
		t.cur.CooldownUntil = time.Time{}
	}
	cur := t.cur
	t.mu.Unlock()

	t.publish(cur, now)
	return cur
}

// publish persists the state and hints siblings. Persistence is the
// safety mechanism; the broadcast only speeds convergence, so its
// failure is ignored.
func (t *Tracker) publish(s State, now time.Time) {
	if data, err := encodeRecord(s, now); err == nil {
		if err := t.config.Store.Put(StateKey, data, 0); err != nil {
			t.log.Warn("persist rate limit state", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if t.config.Channel != nil {
		if data, err := encodeEnvelope(s); err == nil {
			_ = t.config.Channel.Publish(Subject, data)
		}
	}
}

// clamp bounds a spacing value to [MinSpacing, MaxSpacing].
func (t *Tracker) clamp(d time.Duration) time.Duration {
	if d < t.config.MinSpacing {
		return t.config.MinSpacing
	}
	if d > t.config.MaxSpacing {
		return t.config.MaxSpacing
	}
	return d
}

// MinSpacing returns the configured spacing floor.
func (t *Tracker) MinSpacing() time.Duration {
	return t.config.MinSpacing
}

// Close stops the broadcast listener.
func (t *Tracker) Close() error {
	t.cancel()
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	t.wg.Wait()
	return nil
}
