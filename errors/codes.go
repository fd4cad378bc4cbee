package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: network timeouts, connection resets, 5xx responses.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed requests, rejected configuration, 4xx responses.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates quota or capacity exhaustion.
	// Examples: provider rate limiting, open circuit breaker.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for broker failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout   ErrorCode = "TIMEOUT"   // Attempt exceeded its deadline
	ErrCodeTransport ErrorCode = "TRANSPORT" // Network-level failure
	ErrCodeServer    ErrorCode = "SERVER"    // Provider returned 5xx

	// Resource errors
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED" // Provider returned 429
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN" // Breaker is fast-failing

	// Permanent errors
	ErrCodeClient       ErrorCode = "CLIENT"        // Provider returned non-retryable 4xx
	ErrCodeQueueCleared ErrorCode = "QUEUE_CLEARED" // Pending request discarded by Clear
	ErrCodeLockTimeout  ErrorCode = "LOCK_TIMEOUT"  // Dispatch lease not acquired in time
	ErrCodeValidation   ErrorCode = "VALIDATION"    // Endpoint/model rejected
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Caller canceled the operation

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransport, ErrCodeServer:
		return CategoryTransient

	case ErrCodeRateLimited, ErrCodeCircuitOpen:
		return CategoryResource

	case ErrCodeClient, ErrCodeQueueCleared, ErrCodeLockTimeout,
		ErrCodeValidation, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeInternal:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
// CIRCUIT_OPEN is resource-category but must never be retried by the
// executor: the breaker is already refusing work.
func (c ErrorCode) DefaultRetryable() bool {
	if c == ErrCodeCircuitOpen {
		return false
	}
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "attempt timed out",
	ErrCodeTransport:    "network transport failure",
	ErrCodeServer:       "provider server error",
	ErrCodeRateLimited:  "provider rate limit exceeded",
	ErrCodeCircuitOpen:  "circuit breaker open",
	ErrCodeClient:       "request rejected by provider",
	ErrCodeQueueCleared: "request queue cleared",
	ErrCodeLockTimeout:  "dispatch lease not acquired in time",
	ErrCodeValidation:   "configuration rejected",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeInternal:     "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
