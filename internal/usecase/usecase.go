// Package usecase defines the business operation contract and runs
// operations inside a transaction.
package usecase

import (
	"context"
	"log/slog"

	"github.com/roach88/bagua/internal/store"
	"github.com/roach88/bagua/internal/txn"
)

// UseCase is one business operation. Business failures come back in the
// result; the error is reserved for system failures.
type UseCase[P, T, E any] interface {
	Execute(ctx context.Context, params P) (txn.BizResult[T, E], error)
}

// Func adapts a function to UseCase.
type Func[P, T, E any] func(ctx context.Context, params P) (txn.BizResult[T, E], error)

// Execute implements UseCase.
func (f Func[P, T, E]) Execute(ctx context.Context, params P) (txn.BizResult[T, E], error) {
	return f(ctx, params)
}

// Tx is the transaction a transactional use case runs in.
type Tx struct {
	coord *txn.Coordinator[*store.Conn]
	sched *txn.Scheduler
}

// Conn returns the transaction's connection. Statements run on it are
// part of the transaction.
func (t *Tx) Conn(ctx context.Context) (*store.Conn, error) {
	return t.coord.Conn(ctx)
}

// Scheduler returns the scheduler whose tasks run after commit.
func (t *Tx) Scheduler() *txn.Scheduler {
	return t.sched
}

// AfterCommit defers task until the transaction commits. It is discarded
// on rollback.
func (t *Tx) AfterCommit(task txn.Task) {
	t.sched.PushTask(task)
}

// OnResolved registers cb to observe the transaction's outcome.
func (t *Tx) OnResolved(cb txn.Callback) {
	t.coord.RegisterCallback(cb)
}

// TxFunc is a use case body that runs inside a transaction.
type TxFunc[P, T, E any] func(ctx context.Context, tx *Tx, params P) (txn.BizResult[T, E], error)

type transactional[P, T, E any] struct {
	name string
	pool txn.Pool[*store.Conn]
	exec txn.Executor
	fn   TxFunc[P, T, E]
}

// Transactional wraps fn so each Execute runs in a fresh transaction drawn
// from pool: committed on business success, rolled back otherwise. Tasks
// deferred with AfterCommit are handed to exec once committed. The
// coordinator is released before Execute returns.
func Transactional[P, T, E any](name string, pool txn.Pool[*store.Conn], exec txn.Executor, fn TxFunc[P, T, E]) UseCase[P, T, E] {
	return &transactional[P, T, E]{name: name, pool: pool, exec: exec, fn: fn}
}

func (u *transactional[P, T, E]) Execute(ctx context.Context, params P) (txn.BizResult[T, E], error) {
	coord := txn.New(u.pool)
	defer coord.Release()
	tx := &Tx{coord: coord, sched: txn.NewScheduler(coord, u.exec)}

	res, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[T, E], error) {
		return u.fn(ctx, tx, params)
	})
	switch {
	case err != nil:
		slog.Error("use case failed", "usecase", u.name, "error", err)
	case !res.IsOk():
		failure, _ := res.Failure()
		slog.Info("use case rejected", "usecase", u.name, "failure", failure)
	default:
		slog.Debug("use case committed", "usecase", u.name)
	}
	return res, err
}
