package bus

import (
	"context"
	"sync"
)

// queue is a FIFO with an optional capacity bound. Zero capacity means unbounded.
//
// readable and writable are one-slot wake channels. Whoever takes the last
// free slot or the last item re-arms the wake for the next waiter.
type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int

	readable chan struct{}
	writable chan struct{}
}

func newQueue[T any](capacity int) *queue[T] {
	if capacity < 0 {
		capacity = 0
	}

	return &queue[T]{
		capacity: capacity,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

// push appends item, suspending while the queue is full.
func (q *queue[T]) push(ctx context.Context, done <-chan struct{}, item T) error {
	for {
		q.mu.Lock()
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, item)
			if q.capacity == 0 || len(q.items) < q.capacity {
				wake(q.writable)
			}
			q.mu.Unlock()
			wake(q.readable)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrClosed
		case <-q.writable:
		}
	}
}

// pop removes the oldest item, suspending while the queue is empty.
func (q *queue[T]) pop(ctx context.Context, done <-chan struct{}) (T, error) {
	for {
		if item, ok := q.tryPop(); ok {
			return item, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-done:
			var zero T
			return zero, ErrClosed
		case <-q.readable:
		}
	}
}

func (q *queue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		wake(q.readable)
	}
	wake(q.writable)

	return item, true
}

// clear removes every queued item and returns how many were removed.
func (q *queue[T]) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	if n > 0 {
		wake(q.writable)
	}

	return n
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
