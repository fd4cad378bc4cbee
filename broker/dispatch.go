package broker

import (
	"time"

	errs "github.com/vinayprograms/brokerkit/errors"
	"github.com/vinayprograms/brokerkit/retry"
)

// ensureLoop starts the dispatch loop if it is not already running.
func (b *Broker) ensureLoop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loopRunning || b.closed {
		return
	}
	b.loopRunning = true
	go b.runLoop()
}

// runLoop is the single dispatch loop. Each iteration passes the gates in
// order — concurrency, lease, cooldown, spacing — and dispatches one
// request, or waits for whichever gate blocked it to open. The loop exits,
// releasing the lease, once nothing is queued or in flight.
func (b *Broker) runLoop() {
	defer func() {
		b.mu.Lock()
		b.loopRunning = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-b.stop:
			return
		default:
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		if b.idleLocked() {
			b.mu.Unlock()
			b.lease.Release()
			return
		}
		queued := b.queue.len()
		inflight := b.inflight
		maxConc := b.maxConc
		minSpacing := b.minSpacing
		lastDispatch := b.lastDispatch
		b.mu.Unlock()

		// Everything queued is already running, or the queue drained
		// while work is still in flight.
		if queued == 0 || inflight >= maxConc {
			b.waitFor(0)
			continue
		}

		// Only the lease holder dispatches. Sustained acquisition
		// failure eventually fails the queue rather than starving it
		// silently.
		if !b.lease.Held() && !b.lease.TryAcquire() {
			now := b.clock.Now()
			b.mu.Lock()
			if b.leaseWait.IsZero() {
				b.leaseWait = now
			}
			expired := now.Sub(b.leaseWait) >= b.config.LeaseAcquireTimeout
			var starved []*Pending
			if expired {
				starved = b.queue.drain()
				b.leaseWait = time.Time{}
				b.notifyIdleLocked()
			}
			b.mu.Unlock()

			if expired {
				b.log.Warn("lease unavailable, failing queued requests", map[string]interface{}{
					"count": len(starved),
				})
				for _, p := range starved {
					p.settle(nil, errs.LockTimeout("dispatch lease not acquired in time"))
				}
			}
			b.waitFor(b.config.LeaseRetryDelay)
			continue
		}
		b.mu.Lock()
		b.leaseWait = time.Time{}
		b.mu.Unlock()

		// Respect an active cooldown, re-reading it at least once per
		// cap interval in case a sibling tightened or it expired early.
		if cooldown := b.tracker.CooldownRemaining(); cooldown > 0 {
			if cooldown > b.config.CooldownWaitCap {
				cooldown = b.config.CooldownWaitCap
			}
			b.waitFor(cooldown)
			continue
		}

		// Enforce spacing between dispatch starts.
		spacing := b.tracker.Spacing()
		if minSpacing > spacing {
			spacing = minSpacing
		}
		if !lastDispatch.IsZero() {
			if elapsed := b.clock.Now().Sub(lastDispatch); elapsed < spacing {
				b.waitFor(spacing - elapsed)
				continue
			}
		}

		b.dispatchNext()
	}
}

// waitFor blocks until the delay passes, the loop is woken, or the broker
// stops. A zero delay waits for a wake alone.
func (b *Broker) waitFor(delay time.Duration) {
	if delay <= 0 {
		select {
		case <-b.wake:
		case <-b.stop:
		}
		return
	}
	select {
	case <-b.wake:
	case <-b.stop:
	case <-b.clock.After(delay):
	}
}

// dispatchNext pops the highest-priority request and runs it
// asynchronously.
func (b *Broker) dispatchNext() {
	b.mu.Lock()
	p := b.queue.pop()
	if p == nil {
		b.mu.Unlock()
		return
	}
	b.inflight++
	b.lastDispatch = b.clock.Now()
	exec := b.executor
	queued := b.queue.len()
	inflight := b.inflight
	b.mu.Unlock()

	b.log.Dispatch(p.priority.String(), queued, inflight)
	go b.run(p, exec)
}

// run executes one request to settlement.
func (b *Broker) run(p *Pending, exec *retry.Executor) {
	var err error
	if ctxErr := p.ctx.Err(); ctxErr != nil {
		// The caller gave up while the request was queued.
		err = errs.Wrap(ctxErr, "request abandoned before dispatch")
		p.settle(nil, err)
	} else {
		resp, execErr := exec.Execute(p.ctx, p.req)
		err = execErr
		p.settle(resp, execErr)
	}

	b.mu.Lock()
	b.inflight--
	if err == nil {
		b.stats.Success++
	} else {
		b.stats.Failure++
		b.stats.LastError = err.Error()
		if errs.Is(err, errs.ErrCodeRateLimited) {
			b.stats.RateLimited++
		}
	}
	b.notifyIdleLocked()
	b.mu.Unlock()

	b.wakeLoop()
}
