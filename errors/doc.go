// Package errors provides a structured error taxonomy for the request
// broker. It defines the error codes and categories that drive retry
// decisions, circuit breaker accounting, and caller-visible failures.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (timeouts, 5xx)
//   - Permanent: Failures where retry will not help (4xx, rejected config)
//   - Resource: Quota exhaustion (provider rate limits, open breaker)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Error Codes
//
// Each error has a specific code that identifies the type of failure:
//
//   - TIMEOUT: Attempt exceeded its deadline
//   - TRANSPORT: Network-level failure
//   - RATE_LIMITED: Provider returned 429 and retries were exhausted
//   - SERVER: Provider returned 5xx and retries were exhausted
//   - CLIENT: Non-retryable 4xx
//   - CIRCUIT_OPEN: Breaker is fast-failing
//   - QUEUE_CLEARED: Pending request discarded by Clear
//   - LOCK_TIMEOUT: Dispatch lease not acquired in time
//   - VALIDATION: Endpoint/model configuration rejected
//
// # Usage
//
// Create a new error:
//
//	err := errors.RateLimited("quota exhausted", errors.WithMetadata("retry_after", "2"))
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "dispatching request")
//
// Check if an error is retryable:
//
//	if errors.IsRetryable(err) {
//	    // retry logic
//	}
//
// # JSON Serialization
//
// All errors support JSON serialization so failures can be reported across
// execution contexts:
//
//	data, err := json.Marshal(brokerErr)
package errors
