package txn

import (
	"context"
	"fmt"
)

// State is the lifecycle state of a coordinator.
type State uint8

const (
	NotInTransaction State = iota
	Begun
	Committed
	RolledBack
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NotInTransaction:
		return "not_in_transaction"
	case Begun:
		return "begun"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether s is Committed or RolledBack.
func (s State) Terminal() bool {
	return s == Committed || s == RolledBack
}

// Outcome is what callbacks observe once a transaction is resolved.
type Outcome uint8

const (
	OutcomeCommitted Outcome = iota + 1
	OutcomeRolledBack
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// outcomeOf maps a state to the outcome callbacks observe. A transaction
// that never got past Begun counts as rolled back.
func outcomeOf(s State) Outcome {
	if s == Committed {
		return OutcomeCommitted
	}
	return OutcomeRolledBack
}

// Connection is a storage connection able to run one transaction at a time.
// Any driver can satisfy it; the coordinator is agnostic to the query
// language. Connections that also implement io.Closer are closed when the
// coordinator is finalized.
type Connection interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pool hands out connections. Coordinators acquire lazily, on first need,
// and keep the same connection for the whole transaction.
type Pool[C Connection] interface {
	Conn(ctx context.Context) (C, error)
}

// Callback observes the outcome of a transaction exactly once.
type Callback interface {
	OnResolved(Outcome)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(Outcome)

// OnResolved implements Callback.
func (f CallbackFunc) OnResolved(o Outcome) { f(o) }

// Registrar accepts resolution callbacks. *Coordinator implements it.
type Registrar interface {
	RegisterCallback(Callback)
}

// Task is a unit of deferred work.
type Task interface {
	Run(ctx context.Context)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context)

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context) { f(ctx) }

// Executor runs tasks off the caller's stack. Spawn must not block on the
// task and must not run it synchronously; it fails loudly rather than drop
// a task.
type Executor interface {
	Spawn(Task)
}
