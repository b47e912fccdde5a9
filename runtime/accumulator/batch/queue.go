// Package batch holds the per-generation accumulation state of a session: the
// FIFO of delivered but not yet validated items and the validated batch with
// its session-wide dedup set.
package batch

import (
	"sync"

	"goa.design/accumulator/runtime/accumulator/api"
)

// Queue is an unbounded FIFO of delivered items. Enqueue never blocks and is
// safe for concurrent use; DrainAll removes everything atomically.
type Queue struct {
	mu    sync.Mutex
	items []api.Item
}

// NewQueue returns a queue seeded with items in order.
func NewQueue(items ...api.Item) *Queue {
	q := &Queue{}
	q.items = append(q.items, items...)
	return q
}

// Enqueue appends item at the tail.
func (q *Queue) Enqueue(item api.Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// PushFront inserts items at the head, keeping their relative order ahead of
// anything already queued.
func (q *Queue) PushFront(items ...api.Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]api.Item, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
}

// DrainAll returns every queued item in arrival order and leaves the queue
// empty.
func (q *Queue) DrainAll() []api.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
