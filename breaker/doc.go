// Package breaker implements a two-state circuit breaker for the outbound
// completion transport.
//
// The breaker trips open after a configurable number of consecutive
// terminal failures and stays open for a fixed reset interval. Closing is
// lazy: no timer fires, the first Allow check after the interval elapses
// closes the circuit and clears the failure streak. There is no half-open
// probing state; after a reset the full request stream resumes and a still
// broken upstream simply re-trips the breaker after another streak.
package breaker
