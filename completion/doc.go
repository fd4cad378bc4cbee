// Package completion is the outbound transport for OpenAI-compatible chat
// completion endpoints.
//
// The transport performs exactly one HTTP attempt per call and maps every
// outcome onto the broker error taxonomy: network failures become TRANSPORT
// or TIMEOUT, a 429 becomes RATE_LIMITED carrying any Retry-After hint,
// 5xx becomes SERVER and other 4xx becomes CLIENT. Retry policy, backoff
// and circuit breaking live with the caller; keeping the transport to a
// single attempt is what lets the broker own those decisions.
//
// The package also hosts the format validators for endpoints and model
// identifiers, shared by the transport and the broker's runtime setters.
package completion
