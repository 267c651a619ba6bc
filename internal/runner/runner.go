// Package runner is a task executor backed by one dedicated worker
// goroutine.
//
// Tasks run strictly in submission order, outside the submitter's call
// stack. Spawn never blocks. Spawning on a closed runner panics: deferred
// work is never dropped silently.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/bagua/internal/metrics"
	"github.com/roach88/bagua/internal/txn"
)

// ErrClosed is the panic value of Spawn on a closed runner.
var ErrClosed = errors.New("runner: spawn on closed runner")

// Runner implements txn.Executor.
type Runner struct {
	name      string
	queueWarn int

	queue  *taskQueue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Option configures a Runner.
type Option func(*Runner)

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(r *Runner) { r.name = name }
}

// WithQueueWarn logs a warning whenever the backlog reaches n tasks.
// Zero disables the warning.
func WithQueueWarn(n int) Option {
	return func(r *Runner) { r.queueWarn = n }
}

// WithContext sets the parent of the context tasks run with.
func WithContext(ctx context.Context) Option {
	return func(r *Runner) { r.ctx = ctx }
}

// New starts a runner and its worker goroutine.
func New(opts ...Option) *Runner {
	r := &Runner{
		name:  "tasks",
		queue: newTaskQueue(),
		ctx:   context.Background(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	go r.loop()
	return r
}

// Spawn queues t to run on the worker goroutine.
// Panics with ErrClosed if the runner has been closed.
func (r *Runner) Spawn(t txn.Task) {
	if !r.queue.enqueue(t) {
		panic(ErrClosed)
	}
	depth := r.queue.len()
	metrics.RunnerQueueDepth.Set(float64(depth))
	if r.queueWarn > 0 && depth >= r.queueWarn && depth%r.queueWarn == 0 {
		slog.Warn("task runner backlog", "runner", r.name, "depth", depth)
	}
}

// Len returns the number of tasks waiting to run.
func (r *Runner) Len() int {
	return r.queue.len()
}

// loop is the worker. It drains the queue until the queue is closed and
// empty, or the runner context is cancelled.
func (r *Runner) loop() {
	defer close(r.done)
	slog.Debug("task runner starting", "runner", r.name)

	for {
		if err := r.ctx.Err(); err != nil {
			r.stopCancelled()
			return
		}
		if t, ok := r.queue.tryDequeue(); ok {
			metrics.RunnerQueueDepth.Set(float64(r.queue.len()))
			r.run(t)
			continue
		}

		select {
		case <-r.ctx.Done():
			r.stopCancelled()
			return
		case <-r.queue.wait():
			if r.queue.isClosed() && r.queue.len() == 0 {
				slog.Debug("task runner stopping: closed", "runner", r.name)
				return
			}
		}
	}
}

// stopCancelled reports the tasks still queued when the runner context
// ends. They never run.
func (r *Runner) stopCancelled() {
	dropped := r.queue.len()
	if dropped == 0 {
		slog.Debug("task runner stopping: context cancelled", "runner", r.name)
		return
	}
	metrics.RunnerTasks.WithLabelValues("dropped").Add(float64(dropped))
	slog.Warn("task runner stopping: context cancelled; queued tasks dropped", "runner", r.name, "dropped", dropped)
}

// run executes one task, containing a panic so the worker survives.
func (r *Runner) run(t txn.Task) {
	slog.Debug("task start", "runner", r.name)
	defer func() {
		if p := recover(); p != nil {
			metrics.RunnerTasks.WithLabelValues("panicked").Inc()
			slog.Error("task panicked", "runner", r.name, "panic", p)
			return
		}
		metrics.RunnerTasks.WithLabelValues("ok").Inc()
		slog.Debug("task done", "runner", r.name)
	}()
	t.Run(r.ctx)
}

// Close stops accepting tasks. Already queued tasks still run; Close does
// not wait for them.
func (r *Runner) Close() {
	r.queue.close()
}

// Shutdown closes the runner and waits for the queued tasks to finish.
// If ctx ends first, the remaining tasks are abandoned, the task context
// is cancelled and ctx's error is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.Close()
	select {
	case <-r.done:
		r.once.Do(r.cancel)
		return nil
	case <-ctx.Done():
		r.once.Do(r.cancel)
		<-r.done
		return ctx.Err()
	}
}

// Done is closed when the worker goroutine has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}
