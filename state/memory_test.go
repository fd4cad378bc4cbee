package state

import (
	"testing"
	"time"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Put("broker.rate_limit", []byte(`{"v":1}`), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, err := s.Get("broker.rate_limit")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != `{"v":1}` {
		t.Errorf("got %q", val)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if _, err := s.Get("nope"); err != ErrNotFound {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Put("ephemeral", []byte("x"), 20*time.Millisecond)

	if _, err := s.Get("ephemeral"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := s.Get("ephemeral"); err != ErrNotFound {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Put("k", []byte("v"), 0)
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("k"); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	// Deleting a missing key is not an error
	if err := s.Delete("k"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestMemoryStoreWatch(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ch, err := s.Watch("broker.*")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	s.Put("broker.lease", []byte("owner"), 0)
	s.Put("other.key", []byte("ignored"), 0)

	select {
	case kv := <-ch:
		if kv.Key != "broker.lease" {
			t.Errorf("got key %q, want broker.lease", kv.Key)
		}
		if kv.Operation != OpPut {
			t.Errorf("got op %v, want put", kv.Operation)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}

	// The non-matching key must not arrive
	select {
	case kv := <-ch:
		t.Errorf("unexpected event for key %q", kv.Key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreWatchDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Put("broker.lease", []byte("owner"), 0)

	ch, _ := s.Watch("broker.lease")
	s.Delete("broker.lease")

	select {
	case kv := <-ch:
		if kv.Operation != OpDelete {
			t.Errorf("got op %v, want delete", kv.Operation)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestMemoryStoreValueIsolation(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	orig := []byte("abc")
	s.Put("k", orig, 0)
	orig[0] = 'z'

	val, _ := s.Get("k")
	if string(val) != "abc" {
		t.Errorf("stored value was mutated through the caller's slice")
	}

	val[0] = 'z'
	again, _ := s.Get("k")
	if string(again) != "abc" {
		t.Errorf("stored value was mutated through the returned slice")
	}
}

func TestMemoryStoreClose(t *testing.T) {
	s := NewMemoryStore()
	ch, _ := s.Watch("*")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Error("watch channel should be closed after Close")
	}
	if _, err := s.Get("k"); err != ErrClosed {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := s.Put("k", nil, 0); err != ErrClosed {
		t.Errorf("Put after Close = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	bad := []string{"", "has space", ".leading", "trailing.", string(make([]byte, 1025))}
	for _, k := range bad {
		if err := ValidateKey(k); err != ErrInvalidKey {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", k, err)
		}
	}
	if err := ValidateKey("broker.rate_limit"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"broker.*", "broker.lease", true},
		{"broker.*", "other.lease", false},
		{"broker.lease", "broker.lease", true},
		{"broker.lease", "broker.lease2", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}
