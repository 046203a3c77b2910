// Package queue is the bounded intake queue of session ids and the fixed
// worker pool that drains it.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull = errors.New("intake queue full")
	ErrClosed    = errors.New("intake queue closed")
)

// Queue is a bounded FIFO of session ids. New and resumed sessions both enter
// at the back.
type Queue struct {
	items chan string
	done  chan struct{}
	once  sync.Once

	// outstanding counts ids submitted but not yet fully handled.
	outstanding atomic.Int64
}

// New returns a queue holding at most capacity ids.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make(chan string, capacity),
		done:  make(chan struct{}),
	}
}

// Submit enqueues id, blocking while the queue is full until ctx is done.
func (q *Queue) Submit(ctx context.Context, id string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	q.outstanding.Add(1)
	select {
	case q.items <- id:
		return nil
	case <-q.done:
		q.outstanding.Add(-1)
		return ErrClosed
	case <-ctx.Done():
		q.outstanding.Add(-1)
		return ctx.Err()
	}
}

// TrySubmit enqueues id or fails immediately with ErrQueueFull.
func (q *Queue) TrySubmit(id string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	q.outstanding.Add(1)
	select {
	case q.items <- id:
		return nil
	default:
		q.outstanding.Add(-1)
		return ErrQueueFull
	}
}

// Len is the number of ids waiting to be picked up.
func (q *Queue) Len() int { return len(q.items) }

// Cap is the queue capacity.
func (q *Queue) Cap() int { return cap(q.items) }

// Outstanding is the number of ids queued or being handled.
func (q *Queue) Outstanding() int64 { return q.outstanding.Load() }

// Close stops accepting submissions and releases idle workers. Ids still in
// the queue are abandoned; persisted state lets Recover pick them up.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// next blocks for the next id. ok is false once ctx is done or the queue closed.
func (q *Queue) next(ctx context.Context) (id string, ok bool) {
	select {
	case <-ctx.Done():
		return "", false
	case <-q.done:
		return "", false
	case id := <-q.items:
		return id, true
	}
}

func (q *Queue) finish() { q.outstanding.Add(-1) }
