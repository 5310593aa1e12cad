// Package memory provides the in-process work queue shared by the worker pool.
package memory

import (
	"errors"
	"sync"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// ErrClosed is returned when enqueueing onto a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of work items safe for many producers and
// consumers. Dequeue never blocks: an empty queue reports no item so workers
// can exit once the backlog is drained.
type Queue struct {
	mu     sync.Mutex
	items  []crawler.WorkItem
	closed bool
}

// NewQueue constructs a queue preloaded with items.
func NewQueue(items ...crawler.WorkItem) *Queue {
	q := &Queue{items: make([]crawler.WorkItem, 0, len(items))}
	q.items = append(q.items, items...)
	return q
}

// Enqueue appends an item.
func (q *Queue) Enqueue(item crawler.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	return nil
}

// TryDequeue removes and returns the oldest item. It reports false when the
// queue is empty.
func (q *Queue) TryDequeue() (crawler.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// DequeueUnless is TryDequeue gated on stop. The stop check and the removal
// happen under one lock, so once stop is closed no further item leaves the
// queue.
func (q *Queue) DequeueUnless(stop <-chan struct{}) (crawler.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-stop:
		return crawler.WorkItem{}, false
	default:
	}
	return q.pop()
}

func (q *Queue) pop() (crawler.WorkItem, bool) {
	if len(q.items) == 0 {
		return crawler.WorkItem{}, false
	}
	item := q.items[0]
	q.items[0] = crawler.WorkItem{}
	q.items = q.items[1:]
	return item, true
}

// Len reports how many items are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a snapshot of the items never dequeued.
func (q *Queue) Pending() []crawler.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]crawler.WorkItem, len(q.items))
	copy(out, q.items)
	return out
}

// Close rejects further enqueues. Items already queued stay dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
