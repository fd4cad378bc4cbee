package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a BrokerError, it wraps it with the new message and keeps
// the original code, category, and retry semantics.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		wrapped := &Error{
			code:      brokerErr.code,
			category:  brokerErr.category,
			message:   message,
			cause:     err,
			metadata:  brokerErr.Metadata(),
			retryable: brokerErr.retryable,
			status:    brokerErr.status,
			contextID: brokerErr.contextID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Context errors map onto the taxonomy directly
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsBrokerError attempts to extract a BrokerError from an error chain.
// Returns nil if no BrokerError is found.
func AsBrokerError(err error) BrokerError {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Retryable()
	}
	// Default to not retryable for unknown errors
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not a BrokerError.
func Code(err error) ErrorCode {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.code
	}
	return ""
}

// Status extracts the HTTP status from an error, if available.
// Returns 0 if err is not a BrokerError or carries no status.
func Status(err error) int {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.status
	}
	return 0
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
// Uses errors.Join from the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
