// Package lease provides an advisory distributed lock over the shared
// state store, used to pick a single dispatching context among siblings.
//
// The store offers plain get/put/delete with no compare-and-swap, so the
// lock is a lease record acquired by read-then-write with a confirming
// re-read. Two contexts racing the same acquisition can briefly both
// believe they hold the lease; the design accepts that window because the
// protected work (dispatching requests) tolerates rare duplication, and
// the short TTL plus heartbeat renewal keeps the window small and
// self-healing. A context that crashes while holding the lease simply
// stops renewing, and the record expires within one TTL.
//
// # Usage
//
//	l, _ := lease.New(lease.Config{
//	    Store:   store,
//	    OwnerID: uuid.NewString(),
//	    TTL:     10 * time.Second,
//	    OnLost:  func(newOwner string) { /* stop dispatching */ },
//	})
//	defer l.Close()
//
//	if l.TryAcquire() {
//	    // this context dispatches
//	}
package lease
