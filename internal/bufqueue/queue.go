// Package bufqueue provides the FIFO used to hand buffers between the
// codec component's callback goroutine and the session.
package bufqueue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Push never blocks, so it is safe to call from
// component callbacks.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	// avail holds a token while items is non-empty.
	avail chan struct{}
}

// New creates an empty queue with room for capacity items before growing.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0, capacity),
		avail: make(chan struct{}, 1),
	}
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// TryPop removes the head if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Pop blocks until an item is available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		select {
		case <-q.avail:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready receives when an item may be available. A receive consumes the
// wake-up, so callers must follow it with TryPop.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.avail
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Another waiter may have consumed our token.
		q.signal()
	}
	return v, true
}

func (q *Queue[T]) signal() {
	select {
	case q.avail <- struct{}{}:
	default:
	}
}
