package txn

import (
	"log/slog"
	"sync"

	"github.com/roach88/bagua/internal/metrics"
)

// Scheduler defers tasks until the transaction it is registered on
// resolves. Committed hands every pending task to the executor in push
// order; RolledBack discards them.
type Scheduler struct {
	exec Executor

	mu       sync.Mutex
	tasks    []Task
	resolved bool
	outcome  Outcome
}

// NewScheduler creates a scheduler and registers it on reg.
func NewScheduler(reg Registrar, exec Executor) *Scheduler {
	s := &Scheduler{exec: exec}
	reg.RegisterCallback(s)
	return s
}

// PushTask queues task for after commit. Nothing runs immediately.
//
// A task pushed after resolution follows the known outcome: spawned at once
// after a commit, discarded after a rollback. Both cases log a warning.
func (s *Scheduler) PushTask(task Task) {
	s.mu.Lock()
	if !s.resolved {
		s.tasks = append(s.tasks, task)
		s.mu.Unlock()
		return
	}
	outcome := s.outcome
	s.mu.Unlock()

	slog.Warn("task pushed after transaction resolution", "outcome", outcome.String())
	if outcome == OutcomeCommitted {
		s.spawn(task, 0, 1)
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// OnResolved implements Callback.
func (s *Scheduler) OnResolved(outcome Outcome) {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.resolved = true
	s.outcome = outcome
	s.mu.Unlock()

	if outcome != OutcomeCommitted {
		if len(tasks) > 0 {
			slog.Debug("transaction rolled back; discarding deferred tasks", "tasks", len(tasks))
		}
		return
	}
	for i, t := range tasks {
		s.spawn(t, i, len(tasks))
	}
}

// spawn hands t to the executor. An executor that panics (a closed runner)
// loses only t: the loss is logged and counted and later tasks are still
// submitted.
func (s *Scheduler) spawn(t Task, index, total int) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TxnTasksLost.Inc()
			slog.Error("deferred task could not be submitted; task lost",
				"task", index+1, "of", total, "panic", r)
		}
	}()
	s.exec.Spawn(t)
}
