// Package bus provides the best-effort broadcast channel sibling execution
// contexts use to hint each other about shared rate-limit changes.
//
// # Overview
//
// The Channel interface is deliberately weak: publish to a subject, receive
// on a subscription, nothing more. Messages may be dropped (subscriber
// buffers are bounded), may arrive late, and there may be no subscribers at
// all. Every safety property of the broker must therefore hold with the
// channel removed entirely; it exists only to make cross-context convergence
// faster than waiting on state-store reads.
//
// # Available Implementations
//
//   - NATSChannel: cross-process broadcast using NATS core pub/sub
//   - MemoryChannel: in-process implementation for tests and single-process use
//
// # Usage
//
//	ch := bus.NewMemoryChannel(bus.DefaultConfig())
//	sub, _ := ch.Subscribe("broker.rate_limit")
//	ch.Publish("broker.rate_limit", data)
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
package bus
