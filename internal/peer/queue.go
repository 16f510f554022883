package peer

import (
	"sync"

	bberrors "github.com/bitboxsync/bitbox/internal/errors"
)

// OrderedQueue is a thread-safe set that preserves insertion order and
// supports a blocking Take. Duplicate inserts are suppressed, which
// naturally dedups re-announced messages waiting in a peer's outbound
// queue. Close unblocks any waiting Take.
type OrderedQueue[T comparable] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	index  map[T]struct{}
	closed bool
}

// NewOrderedQueue creates an empty queue.
func NewOrderedQueue[T comparable]() *OrderedQueue[T] {
	q := &OrderedQueue[T]{
		index: make(map[T]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Add appends an item, returning false if it is already queued or the
// queue is closed.
func (q *OrderedQueue[T]) Add(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if _, dup := q.index[item]; dup {
		return false
	}

	q.items = append(q.items, item)
	q.index[item] = struct{}{}
	q.cond.Signal()

	return true
}

// Remove deletes an item, returning whether it was present.
func (q *OrderedQueue[T]) Remove(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[item]; !ok {
		return false
	}

	delete(q.index, item)
	for i, existing := range q.items {
		if existing == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}

	return true
}

// RemoveIf deletes every item matching pred, returning whether any were
// removed.
func (q *OrderedQueue[T]) RemoveIf(pred func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := false

	for _, item := range q.items {
		if pred(item) {
			delete(q.index, item)
			removed = true
			continue
		}
		kept = append(kept, item)
	}

	q.items = kept

	return removed
}

// Take blocks until an item is available or the queue is closed, then
// removes and returns the oldest item.
func (q *OrderedQueue[T]) Take() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if q.closed {
		return zero, bberrors.ErrQueueClosed
	}

	item := q.items[0]
	q.items = q.items[1:]
	delete(q.index, item)

	return item, nil
}

// Len returns the number of queued items.
func (q *OrderedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Close marks the queue closed and wakes all waiters. Further Adds are
// rejected; queued items are discarded.
func (q *OrderedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	q.index = make(map[T]struct{})
	q.cond.Broadcast()
}
