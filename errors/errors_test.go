package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "attempt timed out", CategoryTransient},
		{"transport", ErrCodeTransport, "connection reset", CategoryTransient},
		{"server", ErrCodeServer, "upstream exploded", CategoryTransient},
		{"rate_limited", ErrCodeRateLimited, "too many requests", CategoryResource},
		{"circuit_open", ErrCodeCircuitOpen, "breaker open", CategoryResource},
		{"client", ErrCodeClient, "bad request", CategoryPermanent},
		{"queue_cleared", ErrCodeQueueCleared, "cleared", CategoryPermanent},
		{"lock_timeout", ErrCodeLockTimeout, "no lease", CategoryPermanent},
		{"validation", ErrCodeValidation, "bad endpoint", CategoryPermanent},
		{"internal", ErrCodeInternal, "bug", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		wantRetry bool
	}{
		{"timeout is retryable", ErrCodeTimeout, true},
		{"transport is retryable", ErrCodeTransport, true},
		{"server is retryable", ErrCodeServer, true},
		{"rate_limited is retryable", ErrCodeRateLimited, true},
		{"circuit_open is not retryable", ErrCodeCircuitOpen, false},
		{"client is not retryable", ErrCodeClient, false},
		{"queue_cleared is not retryable", ErrCodeQueueCleared, false},
		{"validation is not retryable", ErrCodeValidation, false},
		{"internal is not retryable", ErrCodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "test")
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
		})
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(ErrCodeServer, "poison request", WithRetryable(false))
	if err.Retryable() {
		t.Error("explicit WithRetryable(false) should win over the code default")
	}
}

func TestStatusConstructors(t *testing.T) {
	if got := Server(503, "unavailable").Status(); got != 503 {
		t.Errorf("Server status = %d, want 503", got)
	}
	if got := Client(404, "nope").Status(); got != 404 {
		t.Errorf("Client status = %d, want 404", got)
	}
	if got := RateLimited("slow down").Status(); got != 429 {
		t.Errorf("RateLimited status = %d, want 429", got)
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := RateLimited("quota exhausted", WithMetadata("retry_after", "2"))
	wrapped := Wrap(inner, "dispatching request")

	if wrapped.Code() != ErrCodeRateLimited {
		t.Errorf("Code() = %v, want %v", wrapped.Code(), ErrCodeRateLimited)
	}
	if !wrapped.Retryable() {
		t.Error("wrapped rate limit error should stay retryable")
	}
	if wrapped.Status() != 429 {
		t.Errorf("Status() = %d, want 429", wrapped.Status())
	}
	if wrapped.Metadata()["retry_after"] != "2" {
		t.Error("metadata should survive wrapping")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestWrapContextErrors(t *testing.T) {
	err := Wrap(context.DeadlineExceeded, "attempt")
	if err.Code() != ErrCodeTimeout {
		t.Errorf("deadline exceeded should map to TIMEOUT, got %v", err.Code())
	}

	err = Wrap(context.Canceled, "attempt")
	if err.Code() != ErrCodeCanceled {
		t.Errorf("canceled should map to CANCELED, got %v", err.Code())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapUnknown(t *testing.T) {
	err := Wrap(fmt.Errorf("mystery"), "doing a thing")
	if err.Code() != ErrCodeInternal {
		t.Errorf("unknown cause should map to INTERNAL, got %v", err.Code())
	}
	if err.Retryable() {
		t.Error("unknown errors should not be retryable")
	}
}

func TestIsHelpers(t *testing.T) {
	err := Timeout("too slow")

	if !Is(err, ErrCodeTimeout) {
		t.Error("Is should match TIMEOUT")
	}
	if Is(err, ErrCodeClient) {
		t.Error("Is should not match CLIENT")
	}
	if !IsCategory(err, CategoryTransient) {
		t.Error("IsCategory should match transient")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable should be true for timeouts")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors should not be retryable")
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code on a plain error should be empty")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := Server(502, "bad gateway",
		WithMetadata("endpoint", "https://api.example.com"),
		WithContextID("ctx-1"),
	)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Code() != ErrCodeServer {
		t.Errorf("Code() = %v, want %v", decoded.Code(), ErrCodeServer)
	}
	if decoded.Status() != 502 {
		t.Errorf("Status() = %d, want 502", decoded.Status())
	}
	if decoded.ContextID() != "ctx-1" {
		t.Errorf("ContextID() = %q, want ctx-1", decoded.ContextID())
	}
	if !decoded.Retryable() {
		t.Error("retryable flag should survive the round trip")
	}
	if decoded.Metadata()["endpoint"] != "https://api.example.com" {
		t.Error("metadata should survive the round trip")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	wrapped := Wrap(Wrap(WrapWithCode(root, ErrCodeTransport, "dial"), "attempt"), "request")
	if Cause(wrapped) != root {
		t.Errorf("Cause() = %v, want root", Cause(wrapped))
	}
}
