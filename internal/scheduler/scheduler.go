// Package scheduler consolidates the many independent setInterval-style
// background timers scattered across the teacher's exchange clients
// (reconnect probes, ping loops, mock-tick generators) into one
// Every/After primitive with deterministic shutdown (spec.md §9 REDESIGN
// FLAGS).
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Cancel stops the one task it was returned for. Calling it more than
// once is a no-op.
type Cancel func()

// Scheduler runs named periodic (Every) and one-shot (After) tasks on
// their own goroutine, and stops them all deterministically on Close.
type Scheduler struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	closed bool
}

// New creates a Scheduler bound to a background context; Close cancels
// that context and waits for all tasks to observe it.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Every runs task every d until Close or the returned Cancel fires. The
// first invocation happens after one interval has elapsed, not
// immediately.
func (s *Scheduler) Every(name string, d time.Duration, task func(ctx context.Context)) Cancel {
	taskCtx, taskCancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		taskCancel()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				task(taskCtx)
			}
		}
	}()

	return Cancel(taskCancel)
}

// After runs task once, after d has elapsed, unless cancelled first.
func (s *Scheduler) After(name string, d time.Duration, task func(ctx context.Context)) Cancel {
	taskCtx, taskCancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		taskCancel()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-taskCtx.Done():
			return
		case <-timer.C:
			task(taskCtx)
		}
	}()

	return Cancel(taskCancel)
}

// Close cancels every scheduled task and blocks until they have all
// returned.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
