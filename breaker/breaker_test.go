package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestBreaker(t *testing.T, clock clockwork.Clock) *Breaker {
	t.Helper()
	b, err := New(Config{
		Threshold:     3,
		ResetInterval: 30 * time.Second,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestStartsClosed(t *testing.T) {
	b := newTestBreaker(t, clockwork.NewFakeClock())
	if !b.Allow() {
		t.Error("fresh breaker should allow requests")
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := newTestBreaker(t, clockwork.NewFakeClock())

	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Error("breaker should stay closed below the threshold")
	}

	b.RecordFailure()
	if b.Allow() {
		t.Error("breaker should be open at the threshold")
	}
	if b.State() != Open {
		t.Errorf("state = %v, want open", b.State())
	}
	if got := b.ResetIn(); got != 30*time.Second {
		t.Errorf("ResetIn = %v, want 30s", got)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b := newTestBreaker(t, clockwork.NewFakeClock())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if !b.Allow() {
		t.Error("interleaved success should have reset the streak")
	}
}

func TestLazyCloseAfterInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	clock.Advance(29 * time.Second)
	if b.Allow() {
		t.Error("breaker should still be open before the interval elapses")
	}

	clock.Advance(time.Second)
	if !b.Allow() {
		t.Error("breaker should close once the interval elapses")
	}
	if got := b.ResetIn(); got != 0 {
		t.Errorf("ResetIn after close = %v, want 0", got)
	}

	// The close also cleared the streak: two more failures do not trip.
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Error("failure streak should have been cleared by the lazy close")
	}
}

func TestReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.Reset()

	if !b.Allow() {
		t.Error("reset should close the circuit immediately")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{Threshold: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative threshold: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := New(Config{ResetInterval: -time.Second}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative interval: err = %v, want ErrInvalidConfig", err)
	}
}
