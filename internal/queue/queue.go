// Package queue provides a bounded FIFO used for record requests.
package queue

import "context"

// Queue is a bounded, strictly FIFO queue safe for concurrent use.
type Queue[T any] struct {
	items chan T
}

// New creates a queue that holds at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// TryPush appends v without blocking. It reports false when the queue is full.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.items <- v:
		return true
	default:
		return false
	}
}

// Push appends v, blocking until there is room or ctx is done.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case q.items <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.items:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }
