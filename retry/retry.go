package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vinayprograms/brokerkit/breaker"
	"github.com/vinayprograms/brokerkit/completion"
	errs "github.com/vinayprograms/brokerkit/errors"
	"github.com/vinayprograms/brokerkit/logging"
	"github.com/vinayprograms/brokerkit/ratelimit"
)

// ErrInvalidConfig indicates bad executor configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// jitterFraction is the upper bound of the random slice added to every
// delay, as a fraction of the delay itself.
const jitterFraction = 0.3

// Config configures an Executor.
type Config struct {
	// Transport performs individual attempts. Required.
	Transport completion.Transport

	// Breaker guards the upstream. Optional; without it no fast-fail
	// happens.
	Breaker *breaker.Breaker

	// RateLimit receives 429 observations and success decay. Optional.
	RateLimit *ratelimit.Tracker

	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// BaseDelay seeds the exponential backoff.
	// Default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	// Default: 30s
	MaxDelay time.Duration

	// AttemptTimeout bounds each individual attempt. A timed-out attempt
	// counts as a transport failure.
	// Default: 60s
	AttemptTimeout time.Duration

	// DefaultCooldown applies after a 429 that carries no Retry-After.
	// Default: 5s
	DefaultCooldown time.Duration

	// OnRetry is called before each retry sleep. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Clock supplies time. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger for retry events. Defaults to a no-op logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return ErrInvalidConfig
	}
	if c.MaxRetries < 0 || c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return ErrInvalidConfig
	}
	if c.AttemptTimeout <= 0 || c.DefaultCooldown <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		AttemptTimeout:  60 * time.Second,
		DefaultCooldown: 5 * time.Second,
	}
}

// Executor runs completion attempts against a transport with jittered
// exponential backoff, consulting the circuit breaker before every attempt
// and feeding rate-limit observations back to the shared tracker.
type Executor struct {
	config Config
	clock  clockwork.Clock
	log    *logging.Logger
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	// MaxRetries is not defaulted: zero legitimately means a single
	// attempt with no retries.
	def := DefaultConfig()
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Executor{
		config: cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger.WithComponent("retry"),
	}, nil
}

// Execute runs a request to completion or to a terminal failure.
//
// The breaker is checked before every attempt; an open circuit fails fast
// with CIRCUIT_OPEN and records nothing. A terminal failure records one
// breaker failure and surfaces the last concrete error from the transport,
// never a synthetic summary.
func (e *Executor) Execute(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if e.config.Breaker != nil && !e.config.Breaker.Allow() {
			return nil, errs.CircuitOpen(e.config.Breaker.ResetIn())
		}

		resp, err := e.attempt(ctx, req)
		if err == nil {
			if e.config.Breaker != nil {
				e.config.Breaker.RecordSuccess()
			}
			if e.config.RateLimit != nil {
				e.config.RateLimit.RecordSuccess()
			}
			return resp, nil
		}
		lastErr = err

		// A canceled caller context ends the run without blaming the
		// upstream.
		if errs.Is(err, errs.ErrCodeCanceled) || ctx.Err() != nil {
			return nil, err
		}

		delay, retryable := e.classify(err, attempt)
		if !retryable || attempt == e.config.MaxRetries {
			break
		}

		if e.config.OnRetry != nil {
			e.config.OnRetry(attempt, delay, err)
		}
		e.log.RetryAttempt(attempt+1, delay, err)

		select {
		case <-ctx.Done():
			return nil, errs.Wrap(ctx.Err(), "retry wait interrupted")
		case <-e.clock.After(delay):
		}
	}

	if e.config.Breaker != nil {
		e.config.Breaker.RecordFailure()
	}
	return nil, lastErr
}

// attempt runs a single bounded attempt.
func (e *Executor) attempt(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()
	return e.config.Transport.Do(attemptCtx, req)
}

// classify inspects a failed attempt and returns the delay before the next
// one, plus whether a retry is worthwhile. Rate limits additionally feed
// the shared tracker so sibling contexts back off too.
func (e *Executor) classify(err error, attempt int) (time.Duration, bool) {
	if errs.Is(err, errs.ErrCodeRateLimited) {
		cooldown, hinted := completion.RetryAfter(err)
		if !hinted {
			cooldown = e.config.DefaultCooldown
		}
		if e.config.RateLimit != nil {
			e.config.RateLimit.RecordRateLimit(cooldown)
		}

		// The provider's own hint, when present, replaces the
		// exponential schedule.
		base := cooldown
		if !hinted && e.backoff(attempt) > base {
			base = e.backoff(attempt)
		}
		return jitter(base), true
	}

	if !errs.IsRetryable(err) {
		return 0, false
	}

	return jitter(e.backoff(attempt)), true
}

// backoff returns min(base * 2^attempt, max).
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.config.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= e.config.MaxDelay {
			return e.config.MaxDelay
		}
	}
	if delay > e.config.MaxDelay {
		return e.config.MaxDelay
	}
	return delay
}

// jitter adds a uniform random slice in [0, jitterFraction*d) so sibling
// contexts retrying the same outage spread out.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	span := int64(float64(d) * jitterFraction)
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(span))
}
