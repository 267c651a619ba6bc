package testutil

import (
	"context"
	"sync"

	"github.com/roach88/bagua/internal/txn"
)

// ManualExecutor collects spawned tasks and runs them only when told to.
// It lets tests observe exactly what was submitted and when.
type ManualExecutor struct {
	mu    sync.Mutex
	tasks []txn.Task
	total int
}

// Spawn implements txn.Executor. It never runs the task.
func (e *ManualExecutor) Spawn(t txn.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, t)
	e.total++
}

// Len returns the number of tasks waiting to run.
func (e *ManualExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Spawned returns the total number of tasks ever submitted.
func (e *ManualExecutor) Spawned() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// RunAll runs queued tasks in submission order, including tasks spawned
// while running, and returns how many ran.
func (e *ManualExecutor) RunAll(ctx context.Context) int {
	n := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return n
		}
		t := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		t.Run(ctx)
		n++
	}
}
