package pipeline

import (
	"context"
	"errors"
	"sync"
)

// errQueueStopped indicates the session's execution context was shut down.
var errQueueStopped = errors.New("session queue stopped")

// taskQueue serializes all network and persistence work for one
// session through a single goroutine. This is what preserves
// batch-number ordering and the flush-pending-before-new invariant.
// Different sessions run fully in parallel on independent queues.
type taskQueue struct {
	tasks chan func()
	stop  chan struct{}
	once  sync.Once
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{
		tasks: make(chan func(), 16),
		stop:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *taskQueue) run() {
	for {
		select {
		case <-q.stop:
			return
		case fn := <-q.tasks:
			fn()
		}
	}
}

// do runs fn on the queue goroutine and waits for it to finish.
// Returning early on context cancellation does not abandon the task:
// fn observes the same context and stops trying, but anything it
// already persisted stays on disk.
func (q *taskQueue) do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn(ctx)
	}

	select {
	case q.tasks <- wrapped:
	case <-q.stop:
		return errQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-q.stop:
		return errQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *taskQueue) close() {
	q.once.Do(func() { close(q.stop) })
}
