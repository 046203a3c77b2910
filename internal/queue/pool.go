package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler processes one dequeued session id. It must return promptly once the
// session suspends; waiting on humans happens elsewhere.
type Handler func(ctx context.Context, id string)

// Pool runs a fixed number of workers over a Queue.
type Pool struct {
	queue   *Queue
	workers int
	handle  Handler
	log     zerolog.Logger

	active  atomic.Int32
	handled atomic.Int64
}

// NewPool builds a pool of workers (at least one) feeding handle from q.
func NewPool(q *Queue, workers int, handle Handler, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   q,
		workers: workers,
		handle:  handle,
		log:     logger.With().Str("component", "pool").Logger(),
	}
}

// Run starts the workers and blocks until ctx is done or the queue is closed
// and every in-flight handler has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.work(ctx, n)
		}(i)
	}
	p.log.Info().Int("workers", p.workers).Int("capacity", p.queue.Cap()).Msg("worker pool started")
	wg.Wait()
	p.log.Info().Int64("handled", p.handled.Load()).Msg("worker pool stopped")
}

func (p *Pool) work(ctx context.Context, n int) {
	for {
		id, ok := p.queue.next(ctx)
		if !ok {
			return
		}
		p.active.Add(1)
		p.safeHandle(ctx, n, id)
		p.active.Add(-1)
		p.handled.Add(1)
		p.queue.finish()
	}
}

// A panicking handler must not take the worker down with it.
func (p *Pool) safeHandle(ctx context.Context, n int, id string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Bool("invariant", true).
				Int("worker", n).
				Str("session_id", id).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("session handler panicked")
		}
	}()
	p.handle(ctx, id)
}

// Workers is the pool size.
func (p *Pool) Workers() int { return p.workers }

// Active is the number of handlers currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Idle is the number of workers waiting for work.
func (p *Pool) Idle() int { return p.workers - p.Active() }

// Drained reports that nothing is queued and no handler is running.
func (p *Pool) Drained() bool { return p.queue.Outstanding() == 0 }
