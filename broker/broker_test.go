package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/brokerkit/completion"
	errs "github.com/vinayprograms/brokerkit/errors"
	"github.com/vinayprograms/brokerkit/lease"
	"github.com/vinayprograms/brokerkit/state"
)

// fakeTransport serves scripted outcomes and can hold calls open until
// released, which lets tests pile up a queue deterministically.
type fakeTransport struct {
	mu      sync.Mutex
	outcome []func() (*completion.Response, error)
	calls   int
	order   []string
	gate    chan struct{}
}

func (f *fakeTransport) Do(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.outcome) {
		idx = len(f.outcome) - 1
	}
	f.calls++
	if len(req.Messages) > 0 {
		f.order = append(f.order, req.Messages[0].Content)
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errs.Wrap(ctx.Err(), "call interrupted")
		}
	}
	if len(f.outcome) == 0 {
		return &completion.Response{Content: "ok", Status: 200}, nil
	}
	return f.outcome[idx]()
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func succeed() func() (*completion.Response, error) {
	return func() (*completion.Response, error) {
		return &completion.Response{Content: "ok", Status: 200}, nil
	}
}

func reject(status int) func() (*completion.Response, error) {
	return func() (*completion.Response, error) {
		return nil, errs.Client(status, "rejected")
	}
}

func limit(retryAfterMs int) func() (*completion.Response, error) {
	return func() (*completion.Response, error) {
		return nil, errs.RateLimited("slow down",
			errs.WithMetadata("retry_after_ms", strconv.Itoa(retryAfterMs)))
	}
}

func newTestBroker(t *testing.T, tr completion.Transport) *Broker {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	b, err := New(Config{
		Store:            store,
		Transport:        tr,
		MaxConcurrent:    1,
		MinSpacing:       time.Millisecond,
		MaxRetries:       2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		AttemptTimeout:   time.Second,
		DefaultCooldown:  20 * time.Millisecond,
		BreakerThreshold: 100,
		CooldownWaitCap:  10 * time.Millisecond,
		LeaseRetryDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func message(content string) *completion.Request {
	return &completion.Request{
		Messages: []completion.Message{{Role: completion.RoleUser, Content: content}},
	}
}

func TestEnqueueAndComplete(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBroker(t, tr)

	p, err := b.Enqueue(context.Background(), message("hello"), Normal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}

	status := b.Status()
	if status.Statistics.Total != 1 || status.Statistics.Success != 1 {
		t.Errorf("stats = %+v, want total=1 success=1", status.Statistics)
	}
}

func TestEnqueueValidation(t *testing.T) {
	b := newTestBroker(t, &fakeTransport{})

	if _, err := b.Enqueue(context.Background(), nil, Normal); !errs.Is(err, errs.ErrCodeValidation) {
		t.Errorf("nil request: err = %v, want VALIDATION", err)
	}
	if _, err := b.Enqueue(context.Background(), &completion.Request{}, Normal); !errs.Is(err, errs.ErrCodeValidation) {
		t.Errorf("empty request: err = %v, want VALIDATION", err)
	}
	if _, err := b.Enqueue(context.Background(), message("x"), Priority(9)); !errs.Is(err, errs.ErrCodeValidation) {
		t.Errorf("bad priority: err = %v, want VALIDATION", err)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	b := newTestBroker(t, tr)

	// The first request occupies the loop (held open by the gate) while
	// the rest queue up in mixed priority order.
	futures := []*Pending{}
	first, err := b.Enqueue(context.Background(), message("first"), Normal)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	futures = append(futures, first)

	waitFor(t, func() bool { return tr.callCount() == 1 })

	for _, item := range []struct {
		content  string
		priority Priority
	}{
		{"low-1", Low},
		{"normal-1", Normal},
		{"high-1", High},
		{"low-2", Low},
		{"high-2", High},
	} {
		p, err := b.Enqueue(context.Background(), message(item.content), item.priority)
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", item.content, err)
		}
		futures = append(futures, p)
	}

	close(gate)
	for _, p := range futures {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		cancel()
	}

	want := []string{"first", "high-1", "high-2", "normal-1", "low-1", "low-2"}
	got := tr.callOrder()
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestClearRejectsQueuedOnly(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	b := newTestBroker(t, tr)

	inFlight, _ := b.Enqueue(context.Background(), message("in-flight"), Normal)
	waitFor(t, func() bool { return tr.callCount() == 1 })

	queued, _ := b.Enqueue(context.Background(), message("queued"), Normal)

	b.Clear()

	select {
	case <-queued.Done():
	case <-time.After(time.Second):
		t.Fatal("cleared request never settled")
	}
	if _, err := queued.Result(); !errs.Is(err, errs.ErrCodeQueueCleared) {
		t.Errorf("cleared err = %v, want QUEUE_CLEARED", err)
	}

	// The in-flight request is untouched and completes normally.
	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := inFlight.Wait(ctx); err != nil {
		t.Errorf("in-flight request should complete: %v", err)
	}
}

func TestRateLimitThenSuccess(t *testing.T) {
	tr := &fakeTransport{outcome: []func() (*completion.Response, error){
		limit(30), succeed(),
	}}
	b := newTestBroker(t, tr)

	start := time.Now()
	p, _ := b.Enqueue(context.Background(), message("x"), Normal)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("completed in %v, expected at least the 30ms Retry-After wait", elapsed)
	}

	stats := b.Status().Statistics
	if stats.Retried != 1 {
		t.Errorf("retried = %d, want 1", stats.Retried)
	}
	if stats.RateLimited != 1 {
		t.Errorf("rate limited = %d, want 1", stats.RateLimited)
	}
	if stats.Success != 1 {
		t.Errorf("success = %d, want 1", stats.Success)
	}
}

func TestTerminalFailureSurfacesInStatus(t *testing.T) {
	tr := &fakeTransport{outcome: []func() (*completion.Response, error){reject(401)}}
	b := newTestBroker(t, tr)

	p, _ := b.Enqueue(context.Background(), message("x"), Normal)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); !errs.Is(err, errs.ErrCodeClient) {
		t.Fatalf("err = %v, want CLIENT", err)
	}

	stats := b.Status().Statistics
	if stats.Failure != 1 {
		t.Errorf("failure = %d, want 1", stats.Failure)
	}
	if stats.LastError == "" {
		t.Error("last error should be recorded")
	}
}

func TestWaitForIdle(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBroker(t, tr)

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(context.Background(), message("x"), Normal); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := b.WaitForIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}

	status := b.Status()
	if status.QueueLength != 0 || status.Active != 0 {
		t.Errorf("status = %+v, want idle", status)
	}

	// Already idle: returns immediately.
	if err := b.WaitForIdle(time.Millisecond); err != nil {
		t.Errorf("WaitForIdle on idle broker: %v", err)
	}
}

func TestWaitForIdleTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &fakeTransport{gate: gate}
	b := newTestBroker(t, tr)

	b.Enqueue(context.Background(), message("stuck"), Normal)
	waitFor(t, func() bool { return tr.callCount() == 1 })

	if err := b.WaitForIdle(20 * time.Millisecond); !errs.Is(err, errs.ErrCodeTimeout) {
		t.Errorf("err = %v, want TIMEOUT", err)
	}
}

func TestCloseRejectsQueueAndStopsIntake(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &fakeTransport{gate: gate}
	b := newTestBroker(t, tr)

	b.Enqueue(context.Background(), message("in-flight"), Normal)
	waitFor(t, func() bool { return tr.callCount() == 1 })
	queued, _ := b.Enqueue(context.Background(), message("queued"), Normal)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-queued.Done():
	case <-time.After(time.Second):
		t.Fatal("queued request never settled on close")
	}
	if _, err := queued.Result(); !errs.Is(err, errs.ErrCodeQueueCleared) {
		t.Errorf("err = %v, want QUEUE_CLEARED", err)
	}

	if _, err := b.Enqueue(context.Background(), message("late"), Normal); err != ErrClosed {
		t.Errorf("enqueue after close: err = %v, want ErrClosed", err)
	}
}

func TestCanceledBeforeDispatch(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{gate: gate}
	b := newTestBroker(t, tr)

	b.Enqueue(context.Background(), message("in-flight"), Normal)
	waitFor(t, func() bool { return tr.callCount() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	queued, _ := b.Enqueue(ctx, message("abandoned"), Normal)
	cancel()
	close(gate)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if _, err := queued.Wait(waitCtx); err == nil {
		t.Error("abandoned request should fail")
	}
}

func TestConfigure(t *testing.T) {
	b := newTestBroker(t, &fakeTransport{})

	bad := -1
	if err := b.Configure(Options{MaxConcurrent: &bad}); !errs.Is(err, errs.ErrCodeValidation) {
		t.Errorf("bad max concurrent accepted: %v", err)
	}

	conc := 4
	spacing := 2 * time.Millisecond
	retries := 0
	if err := b.Configure(Options{
		MaxConcurrent: &conc,
		MinSpacing:    &spacing,
		MaxRetries:    &retries,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	b.mu.Lock()
	gotConc, gotSpacing := b.maxConc, b.minSpacing
	b.mu.Unlock()
	if gotConc != 4 || gotSpacing != 2*time.Millisecond {
		t.Errorf("live options = %d/%v, want 4/2ms", gotConc, gotSpacing)
	}
}

func TestCredentialSettersNeedCapableTransport(t *testing.T) {
	b := newTestBroker(t, &fakeTransport{})

	if err := b.SetAPIKey("sk-x"); !errs.Is(err, errs.ErrCodeValidation) {
		t.Errorf("SetAPIKey on bare transport: err = %v, want VALIDATION", err)
	}

	http, err := completion.NewHTTPTransport(completion.Config{
		Endpoint: "http://localhost:8080/v1/chat/completions",
		Model:    "test-model",
	})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	b2 := newTestBroker(t, http)

	if err := b2.SetAPIKey("sk-x"); err != nil {
		t.Errorf("SetAPIKey: %v", err)
	}
	if err := b2.SetModel("other-model"); err != nil {
		t.Errorf("SetModel: %v", err)
	}
	if err := b2.SetModel("bad model!"); !errs.Is(err, errs.ErrCodeValidation) {
		t.Errorf("invalid model accepted: %v", err)
	}
	if err := b2.SetEndpoint("https://api.example.com/v1/chat/completions"); err != nil {
		t.Errorf("SetEndpoint: %v", err)
	}
	if err := b2.ClearAPIKey(); err != nil {
		t.Errorf("ClearAPIKey: %v", err)
	}
}

func TestTransportSettingsPersistAcrossBrokers(t *testing.T) {
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	newHTTPBroker := func() (*Broker, *completion.HTTPTransport) {
		t.Helper()
		tr, err := completion.NewHTTPTransport(completion.Config{
			Endpoint: "http://localhost:8080/v1/chat/completions",
			Model:    "test-model",
		})
		if err != nil {
			t.Fatalf("NewHTTPTransport: %v", err)
		}
		b, err := New(Config{Store: store, Transport: tr})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		return b, tr
	}

	first, _ := newHTTPBroker()
	if err := first.SetEndpoint("https://api.example.com/v1/chat/completions"); err != nil {
		t.Fatalf("SetEndpoint: %v", err)
	}
	if err := first.SetModel("shared-model"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if err := first.SetAPIKey("sk-shared"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}

	// A sibling constructed against the same store picks the values up.
	_, tr2 := newHTTPBroker()
	if got := tr2.Endpoint(); got != "https://api.example.com/v1/chat/completions" {
		t.Errorf("sibling endpoint = %q", got)
	}
	if got := tr2.Model(); got != "shared-model" {
		t.Errorf("sibling model = %q", got)
	}
	if v, err := store.Get(apiKeyStateKey); err != nil || string(v) != "sk-shared" {
		t.Errorf("persisted key = %q, err = %v", v, err)
	}

	if err := first.ClearAPIKey(); err != nil {
		t.Fatalf("ClearAPIKey: %v", err)
	}
	if _, err := store.Get(apiKeyStateKey); err != state.ErrNotFound {
		t.Errorf("key still persisted after clear: err = %v", err)
	}
}

func TestLeaseReleasedWhenIdle(t *testing.T) {
	tr := &fakeTransport{}
	b := newTestBroker(t, tr)

	p, _ := b.Enqueue(context.Background(), message("x"), Normal)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// Once the loop drains and exits it gives the lease back.
	waitFor(t, func() bool { return !b.Status().LeaseHeld })
}

func TestLockTimeoutFailsQueue(t *testing.T) {
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	// A foreign context holds the lease for the foreseeable future.
	record, _ := json.Marshal(map[string]interface{}{
		"version":     1,
		"owner_id":    "someone-else",
		"acquired_at": time.Now().UnixMilli(),
		"expires_at":  time.Now().Add(time.Hour).UnixMilli(),
	})
	store.Put(lease.DefaultKey, record, 0)

	b, err := New(Config{
		Store:               store,
		Transport:           &fakeTransport{},
		MinSpacing:          time.Millisecond,
		LeaseRetryDelay:     5 * time.Millisecond,
		LeaseAcquireTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	p, _ := b.Enqueue(context.Background(), message("starved"), Normal)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("starved request never settled")
	}
	if _, err := p.Result(); !errs.Is(err, errs.ErrCodeLockTimeout) {
		t.Errorf("err = %v, want LOCK_TIMEOUT", err)
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
