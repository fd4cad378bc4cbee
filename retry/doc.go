// Package retry executes completion attempts with jittered exponential
// backoff.
//
// The executor owns the full attempt lifecycle: it consults the circuit
// breaker before every attempt (an open circuit fails fast and records
// nothing), bounds each attempt with an absolute timeout, classifies the
// outcome through the broker error taxonomy, and sleeps between attempts.
// Rate-limit responses feed the shared tracker so sibling contexts back
// off before they hit the same wall, and a provider Retry-After hint
// replaces the exponential schedule for that wait.
//
// Delays follow min(base*2^attempt, max) plus a uniform jitter slice of up
// to 30%, which keeps siblings that failed together from retrying
// together.
package retry
