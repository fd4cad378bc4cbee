package broker

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/brokerkit/completion"
)

// Priority orders queued requests. Lower values dispatch first.
type Priority int

const (
	// High priority requests jump ahead of everything else.
	High Priority = 1

	// Normal is the default priority.
	Normal Priority = 2

	// Low priority requests run when nothing else is waiting.
	Low Priority = 3
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// valid reports whether p is a known priority.
func (p Priority) valid() bool {
	return p >= High && p <= Low
}

// Pending is the future for an enqueued request. It settles exactly once,
// with either a response or an error; later settlement attempts are
// silently dropped.
type Pending struct {
	id         string
	priority   Priority
	req        *completion.Request
	ctx        context.Context
	enqueuedAt time.Time

	once sync.Once
	done chan struct{}
	resp *completion.Response
	err  error
}

// ID returns the request's unique identifier.
func (p *Pending) ID() string {
	return p.id
}

// Priority returns the priority the request was enqueued with.
func (p *Pending) Priority() Priority {
	return p.priority
}

// Done returns a channel closed when the request settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (p *Pending) Result() (*completion.Response, error) {
	return p.resp, p.err
}

// Wait blocks until the request settles or ctx expires.
func (p *Pending) Wait(ctx context.Context) (*completion.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle resolves the future. Only the first call takes effect.
func (p *Pending) settle(resp *completion.Response, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// requestQueue holds pending requests in one FIFO list per priority, so
// ordering within a priority is structural rather than a property of some
// sort's stability.
type requestQueue struct {
	lists map[Priority][]*Pending
	size  int
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		lists: map[Priority][]*Pending{},
	}
}

// push appends a request to its priority's list.
func (q *requestQueue) push(p *Pending) {
	q.lists[p.priority] = append(q.lists[p.priority], p)
	q.size++
}

// pop removes the oldest request from the highest non-empty priority.
func (q *requestQueue) pop() *Pending {
	for _, priority := range []Priority{High, Normal, Low} {
		list := q.lists[priority]
		if len(list) == 0 {
			continue
		}
		p := list[0]
		q.lists[priority] = list[1:]
		q.size--
		return p
	}
	return nil
}

// len returns the number of queued requests.
func (q *requestQueue) len() int {
	return q.size
}

// drain removes and returns every queued request in dispatch order.
func (q *requestQueue) drain() []*Pending {
	out := make([]*Pending, 0, q.size)
	for p := q.pop(); p != nil; p = q.pop() {
		out = append(out, p)
	}
	return out
}
