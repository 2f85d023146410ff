// Package scheduler defines the task-orchestration boundary. The core's
// index and review tasks are idempotent on (repo, commit) and
// (repo, pr, head) respectively, so any at-least-once queue can back this.
package scheduler

import (
	"context"
	"sync"

	"reposcope/internal/logging"
)

// Handler processes one task payload.
type Handler func(ctx context.Context, payload map[string]string) error

// Scheduler enqueues named tasks for asynchronous execution.
type Scheduler interface {
	Enqueue(task string, payload map[string]string) error
}

// Local is an in-process scheduler backed by a bounded worker pool. It
// exists for the CLI and for tests; production deployments hand the
// interface to a real queue.
type Local struct {
	mu       sync.Mutex
	handlers map[string]Handler
	tasks    chan job
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

type job struct {
	task    string
	payload map[string]string
}

// NewLocal starts a local scheduler with the given number of workers.
func NewLocal(workers int) *Local {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Local{
		handlers: make(map[string]Handler),
		tasks:    make(chan job, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Register binds a handler to a task name.
func (s *Local) Register(task string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[task] = handler
}

// Enqueue implements Scheduler.
func (s *Local) Enqueue(task string, payload map[string]string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	s.mu.Unlock()

	select {
	case s.tasks <- job{task: task, payload: payload}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Local) worker() {
	defer s.wg.Done()
	for {
		select {
		case j, ok := <-s.tasks:
			if !ok {
				return
			}
			s.mu.Lock()
			handler := s.handlers[j.task]
			s.mu.Unlock()
			if handler == nil {
				logging.Get(logging.CategoryPipeline).Warn("No handler for task %q", j.task)
				continue
			}
			if err := handler(s.ctx, j.payload); err != nil {
				logging.Get(logging.CategoryPipeline).Error("Task %q failed: %v", j.task, err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close stops the workers and waits for in-flight tasks.
func (s *Local) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.tasks)
	s.wg.Wait()
	s.cancel()
}
