// Package callback provides the executors completion callbacks are
// delivered on. A Queue runs its tasks one at a time, in submission order,
// on a single goroutine; state touched only from inside a Queue needs no
// further locking.
package callback

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Do once the queue has been closed.
var ErrClosed = errors.New("callback queue closed")

// Executor runs submitted functions on its designated context.
type Executor interface {
	Post(fn func()) bool
}

// Inline runs every function immediately on the caller's goroutine.
type Inline struct{}

func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// Queue is an unbounded FIFO serial executor.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// NewQueue starts the queue's worker goroutine.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Post enqueues fn. It never blocks; it reports false when the queue is
// closed and fn was dropped.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the queue and waits for it to finish. Calling Do from a
// task already running on q deadlocks.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !q.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, drains what is already queued and waits for
// the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
