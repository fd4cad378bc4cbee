// Package state provides the shared key-value store sibling execution
// contexts use to persist broker state across restarts and coordinate
// through.
//
// The Store interface covers exactly what the broker needs: Get, Put with
// optional TTL, Delete, and Watch on a key pattern. It deliberately offers
// no compare-and-swap; the deployment targets include stores that cannot
// provide one. Mutual exclusion is layered on top as an expiring lease
// (see the lease package) with a documented, self-healing race window.
//
// # Available Implementations
//
//   - NATSStore: NATS JetStream KV for cross-process deployments
//   - MemoryStore: in-memory store for tests and single-process use
//
// # Usage
//
//	store := state.NewMemoryStore()
//	store.Put("broker.rate_limit", record, 0)
//	val, _ := store.Get("broker.rate_limit")
//
//	ch, _ := store.Watch("broker.*")
//	for kv := range ch {
//	    // react to sibling updates
//	}
//
// Watch notifications are best effort: the broker treats them as hints and
// re-reads authoritative state from the store when it matters.
package state
