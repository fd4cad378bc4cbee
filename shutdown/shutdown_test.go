package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPhasesRunInOrder(t *testing.T) {
	c := New(Config{Timeout: time.Second})

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.RegisterWithPhase("connections", record("connections"), 2)
	c.RegisterWithPhase("intake", record("intake"), 0)
	c.RegisterWithPhase("coordination", record("coordination"), 1)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"intake", "coordination", "connections"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	c := New(Config{Timeout: time.Second})

	barrier := make(chan struct{}, 2)
	both := make(chan struct{})
	handler := Func(func(ctx context.Context) error {
		barrier <- struct{}{}
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// Each handler blocks until both have started; sequential execution
	// would deadlock into the timeout instead.
	c.Register("a", handler)
	c.Register("b", handler)

	go func() {
		<-barrier
		<-barrier
		close(both)
	}()

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSecondShutdownRejected(t *testing.T) {
	c := New(Config{})
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Shutdown(context.Background()); !errors.Is(err, ErrAlreadyShutdown) {
		t.Errorf("second shutdown: err = %v, want ErrAlreadyShutdown", err)
	}
}

func TestHandlerErrorsSurface(t *testing.T) {
	c := New(Config{Timeout: time.Second})

	boom := errors.New("boom")
	c.Register("good", Func(func(ctx context.Context) error { return nil }))
	c.Register("bad", Func(func(ctx context.Context) error { return boom }))

	if err := c.Shutdown(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
	if c.Err() == nil {
		t.Error("Err should report the failure after Done")
	}
}

func TestTimeoutCutsStragglers(t *testing.T) {
	c := New(Config{Timeout: 30 * time.Millisecond})

	c.Register("straggler", Func(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := c.ShutdownWithTimeout()
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed after shutdown returns")
	}
}
