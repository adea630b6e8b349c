// Package tasks runs best-effort bookkeeping off the request path.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultSize    = 1024
	DefaultWorkers = 2
	taskTimeout    = 10 * time.Second
)

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Queue is a bounded FIFO drained by a fixed set of workers. Submit never
// blocks: when the buffer is full the task is dropped. Failed tasks are
// logged and never retried.
type Queue struct {
	tasks   chan task
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
	closed  atomic.Bool
	logger  *slog.Logger
}

// New starts a queue holding up to size pending tasks.
func New(size, workers int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		tasks:  make(chan task, size),
		stop:   make(chan struct{}),
		logger: logger.With("component", "tasks"),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

// Submit enqueues fn. It reports false when the task was dropped.
func (q *Queue) Submit(name string, fn func(ctx context.Context) error) bool {
	if q.closed.Load() {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.tasks <- task{name: name, fn: fn}:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("task queue full, dropping task", "task", name)
		return false
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			// drain what is already queued
			for {
				select {
				case t := <-q.tasks:
					q.exec(t)
				default:
					return
				}
			}
		case t := <-q.tasks:
			q.exec(t)
		}
	}
}

func (q *Queue) exec(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "task", t.name, "panic", r)
		}
	}()
	if err := t.fn(ctx); err != nil {
		q.logger.Warn("task failed", "task", t.name, "error", err)
	}
}

// Dropped returns how many tasks were rejected.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the workers, or until ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.stop)
	})
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
