package errors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// BrokerError is the interface for all structured errors in brokerkit.
// It extends the standard error interface with the context needed for
// retry decisions and cross-context reporting.
type BrokerError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Status returns the HTTP status associated with the failure, or 0.
	Status() int

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of BrokerError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on code
	status    int   // HTTP status, if the failure came off the wire
	timestamp time.Time
	contextID string // source execution context, if applicable
}

// Ensure Error implements BrokerError and json.Marshaler/Unmarshaler.
var (
	_ BrokerError      = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.code.DefaultRetryable()
}

// Status returns the HTTP status associated with the failure, or 0.
func (e *Error) Status() int {
	return e.status
}

// Metadata returns the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	// Return a copy to prevent modification
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// ContextID returns the source execution context ID, if set.
func (e *Error) ContextID() string {
	return e.contextID
}

// errorJSON is the JSON representation of an Error.
type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Status    int               `json:"status,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	ContextID string            `json:"context_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Status:    e.status,
		ContextID: e.contextID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.status = j.Status
	e.contextID = j.ContextID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithStatus sets the HTTP status associated with the failure.
func WithStatus(status int) Option {
	return func(e *Error) {
		e.status = status
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithContextID sets the source execution context ID.
func WithContextID(id string) Option {
	return func(e *Error) {
		e.contextID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Transport creates a network transport error.
func Transport(message string, opts ...Option) *Error {
	return New(ErrCodeTransport, message, opts...)
}

// Server creates a provider 5xx error.
func Server(status int, message string, opts ...Option) *Error {
	opts = append([]Option{WithStatus(status)}, opts...)
	return New(ErrCodeServer, message, opts...)
}

// RateLimited creates a rate limit error.
func RateLimited(message string, opts ...Option) *Error {
	opts = append([]Option{WithStatus(429)}, opts...)
	return New(ErrCodeRateLimited, message, opts...)
}

// Client creates a non-retryable provider 4xx error.
func Client(status int, message string, opts ...Option) *Error {
	opts = append([]Option{WithStatus(status)}, opts...)
	return New(ErrCodeClient, message, opts...)
}

// CircuitOpen creates a circuit breaker error.
// resetIn is how long until the breaker may close again.
func CircuitOpen(resetIn time.Duration, opts ...Option) *Error {
	opts = append([]Option{
		WithMetadata("reset_in_ms", strconv.FormatInt(resetIn.Milliseconds(), 10)),
	}, opts...)
	return New(ErrCodeCircuitOpen, "circuit breaker open", opts...)
}

// QueueCleared creates a queue-cleared error.
func QueueCleared(opts ...Option) *Error {
	return New(ErrCodeQueueCleared, "request queue cleared", opts...)
}

// LockTimeout creates a lease acquisition timeout error.
func LockTimeout(message string, opts ...Option) *Error {
	return New(ErrCodeLockTimeout, message, opts...)
}

// Validation creates a configuration validation error.
func Validation(message string, opts ...Option) *Error {
	return New(ErrCodeValidation, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
