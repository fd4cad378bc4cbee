// Package broker mediates completion requests from sibling execution
// contexts against one shared, rate-limited provider quota.
//
// Callers enqueue requests at a priority and receive a future that
// settles exactly once. A single dispatch loop per context drains the
// queue, but only while the context holds the shared dispatch lease, so
// across cooperating contexts roughly one dispatcher is active at a time.
// Each dispatch passes four gates in order: the in-flight cap, the lease,
// the shared cooldown after a 429, and the dynamic spacing between
// dispatch starts. Execution itself goes through the retry executor,
// which owns backoff, the circuit breaker and rate-limit bookkeeping.
//
// Coordination state (rate limit, lease) lives in a shared state store
// and is hinted over a broadcast channel; both are injected, so a single
// process uses the in-memory implementations and cooperating processes
// use the NATS-backed ones. The clock is injected too, which is what
// makes the timing behavior testable without real waits.
//
// # Usage
//
//	transport, _ := completion.NewHTTPTransport(completion.Config{
//	    Endpoint: "https://api.example.com/v1/chat/completions",
//	    Model:    "gpt-4o-mini",
//	    APIKey:   key,
//	})
//	b, _ := broker.New(broker.Config{
//	    Store:     store,
//	    Channel:   channel,
//	    Transport: transport,
//	})
//	defer b.Close()
//
//	pending, _ := b.Enqueue(ctx, req, broker.Normal)
//	resp, err := pending.Wait(ctx)
package broker
