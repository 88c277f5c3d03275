// Package recovery implements the background durability worker: it
// guarantees eventual delivery of anything still on disk after the
// capturing process terminates.
//
// The worker runs on its own execution context with no shared lock
// with the foreground pipeline. That independence is a hard
// requirement, not an optimization: serializing both paths behind one
// lock causes foreground timeouts.
package recovery

import (
	"context"
	"sync"
)

// Task is one unit of durable background work.
type Task func(ctx context.Context)

// Scheduler abstracts the platform task scheduler. Two kinds of work
// are registered: one unit keyed uniquely per session, where
// re-registering replaces (not duplicates) outstanding work for that
// session, and one reserved recovery unit that runs at next launch.
type Scheduler interface {
	// ScheduleSessionWork registers durable work for a session,
	// replacing any outstanding work registered under the same id.
	ScheduleSessionWork(sessionID string, task Task)

	// ScheduleRecovery registers the reserved recovery unit.
	ScheduleRecovery(task Task)

	// Stop cancels all outstanding work and waits for running tasks.
	Stop()
}

// GoScheduler is the built-in Scheduler: every task runs on its own
// goroutine under the scheduler's root context.
type GoScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	session map[string]context.CancelFunc
}

// NewGoScheduler creates a scheduler rooted in the given context.
func NewGoScheduler(ctx context.Context) *GoScheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &GoScheduler{
		ctx:     ctx,
		cancel:  cancel,
		session: make(map[string]context.CancelFunc),
	}
}

// ScheduleSessionWork implements Scheduler. Outstanding work for the
// same session is cancelled and replaced.
func (s *GoScheduler) ScheduleSessionWork(sessionID string, task Task) {
	s.mu.Lock()
	if cancel, ok := s.session[sessionID]; ok {
		cancel()
	}
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.session[sessionID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		task(taskCtx)
	}()
}

// ScheduleRecovery implements Scheduler.
func (s *GoScheduler) ScheduleRecovery(task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task(s.ctx)
	}()
}

// Stop implements Scheduler.
func (s *GoScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
