// Package ratelimit tracks the rate-limit state one provider quota imposes
// on every execution context sharing it.
//
// The state is two values: a cooldown deadline set after a 429, and a
// dynamic spacing between dispatch starts that doubles on rate-limit hits
// and decays after successes. Each context caches its own copy, persists
// updates to the shared state store, and hints live siblings over the
// broadcast channel.
//
// # Ratchet merge
//
// Incoming remote state — from the persisted record at startup or from a
// broadcast — is merged by taking the later cooldown and the larger
// spacing. The merge only tightens, never loosens: a dropped, duplicated,
// or late message can therefore never cause a context to under-react to a
// limit one of its siblings observed. Relaxation happens only through
// locally observed successes.
//
// # Usage
//
//	tracker, _ := ratelimit.NewTracker(ratelimit.Config{
//	    Store:   store,
//	    Channel: channel,
//	})
//	defer tracker.Close()
//
//	// After a 429 with Retry-After: 2
//	tracker.RecordRateLimit(2 * time.Second)
//
//	// Before dispatching
//	if wait := tracker.CooldownRemaining(); wait > 0 {
//	    // hold off
//	}
package ratelimit
