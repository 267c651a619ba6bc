package runner

import (
	"sync"

	"github.com/roach88/bagua/internal/txn"
)

// taskQueue is a thread-safe unbounded FIFO of tasks.
//
// Unbounded so that Spawn never blocks the commit path that feeds it.
// A buffered signal channel lets the worker wait with context awareness.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []txn.Task
	closed bool
	signal chan struct{} // buffered, size 1
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]txn.Task, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends t. Returns false if the queue is closed.
func (q *taskQueue) enqueue(t txn.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue removes the front task without blocking.
func (q *taskQueue) tryDequeue() (txn.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	// Clear the slot so the backing array does not retain the task.
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// wait returns a channel signalled when tasks may be available. It is
// closed when the queue is closed.
func (q *taskQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// close stops further enqueues and wakes the worker.
func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
