package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/brokerkit/logging"
)

// Common errors.
var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
)

// Handler is implemented by components that participate in graceful
// shutdown. A broker drains its queue, a store flushes, a connection
// closes. The context is cancelled when the shutdown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds the whole shutdown sequence.
	// Default: 15s
	Timeout time.Duration

	// Signals trigger shutdown when HandleSignals is active.
	// Default: SIGINT, SIGTERM
	Signals []os.Signal

	// Logger for shutdown progress. Defaults to a no-op logger.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 15 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

type entry struct {
	name    string
	phase   int
	handler Handler
}

// Coordinator tears down registered components in phases: lower phases
// run first, handlers within a phase run concurrently. The intended
// ordering for a broker process is intake first (stop accepting work,
// drain the queue), coordination primitives second, connections last.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	entries  []entry
	started  bool
	err      error
	done     chan struct{}
	sigCh    chan os.Signal
	sigOnce  sync.Once
	stopSigs func()
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = def.Signals
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Coordinator{
		config: cfg,
		log:    cfg.Logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler in phase 0.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, 0)
}

// RegisterWithPhase adds a handler to a specific phase.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{name: name, phase: phase, handler: handler})
}

// Shutdown runs every registered handler, phase by phase. It may be
// called once; later calls return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.started = true
	entries := append([]entry(nil), c.entries...)
	stopSigs := c.stopSigs
	c.mu.Unlock()

	if stopSigs != nil {
		stopSigs()
	}

	err := c.run(ctx, entries)

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
	return err
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeoutCause(context.Background(), c.config.Timeout, ErrTimeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers ShutdownWithTimeout on the configured signals.
func (c *Coordinator) HandleSignals() {
	c.sigOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, c.config.Signals...)

		c.mu.Lock()
		c.sigCh = ch
		c.stopSigs = func() { signal.Stop(ch) }
		c.mu.Unlock()

		go func() {
			sig, ok := <-ch
			if !ok {
				return
			}
			c.log.Info("signal received, shutting down", map[string]interface{}{
				"signal": sig.String(),
			})
			c.ShutdownWithTimeout()
		}()
	})
}

// Done returns a channel closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error. Valid once Done is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// run executes the phases in ascending order.
func (c *Coordinator) run(ctx context.Context, entries []entry) error {
	byPhase := map[int][]entry{}
	phases := []int{}
	for _, e := range entries {
		if _, seen := byPhase[e.phase]; !seen {
			phases = append(phases, e.phase)
		}
		byPhase[e.phase] = append(byPhase[e.phase], e)
	}
	sort.Ints(phases)

	var errs []error
	for _, phase := range phases {
		group := byPhase[phase]
		results := make(chan error, len(group))

		for _, e := range group {
			go func(e entry) {
				start := time.Now()
				err := e.handler.OnShutdown(ctx)
				if err != nil {
					c.log.Warn("handler failed", map[string]interface{}{
						"handler": e.name,
						"error":   err.Error(),
					})
				} else {
					c.log.Debug("handler done", map[string]interface{}{
						"handler": e.name,
						"took":    time.Since(start).String(),
					})
				}
				results <- err
			}(e)
		}

		for range group {
			select {
			case err := <-results:
				if err != nil {
					errs = append(errs, err)
				}
			case <-ctx.Done():
				return errors.Join(append(errs, context.Cause(ctx))...)
			}
		}
	}

	// A handler may have observed the deadline and returned its own
	// context error; surface the configured cause either way.
	if ctx.Err() != nil {
		errs = append(errs, context.Cause(ctx))
	}
	return errors.Join(errs...)
}
