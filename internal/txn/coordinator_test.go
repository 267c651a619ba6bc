package txn_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bagua/internal/testutil"
	"github.com/roach88/bagua/internal/txn"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []txn.Outcome
}

func (r *outcomeRecorder) OnResolved(o txn.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *outcomeRecorder) got() []txn.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]txn.Outcome(nil), r.outcomes...)
}

func newCoordinator(conn *testutil.FakeConn) (*txn.Coordinator[*testutil.FakeConn], *testutil.FakePool) {
	pool := testutil.NewFakePool(conn)
	return txn.New[*testutil.FakeConn](pool), pool
}

func okBody(v int) func(context.Context) (txn.BizResult[int, string], error) {
	return func(context.Context) (txn.BizResult[int, string], error) {
		return txn.Ok[int, string](v), nil
	}
}

func TestRun_CommitsBusinessSuccess(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	exec := &testutil.ManualExecutor{}
	sched := txn.NewScheduler(coord, exec)
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	res, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		sched.PushTask(txn.TaskFunc(func(context.Context) {}))
		return txn.Ok[int, string](42), nil
	})

	require.NoError(t, err)
	v, ok := res.Value()
	require.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Equal(t, txn.Committed, coord.State())
	assert.Equal(t, []string{"begin", "commit"}, conn.Calls())
	assert.Equal(t, []txn.Outcome{txn.OutcomeCommitted}, rec.got())
	assert.Equal(t, 1, exec.Spawned())
}

func TestRun_RollsBackBusinessFailure(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	exec := &testutil.ManualExecutor{}
	sched := txn.NewScheduler(coord, exec)
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	res, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		sched.PushTask(txn.TaskFunc(func(context.Context) {}))
		return txn.Fail[int]("dup"), nil
	})

	require.NoError(t, err)
	failure, isFailure := res.Failure()
	require.True(t, isFailure)
	assert.Equal(t, "dup", failure)
	assert.Equal(t, txn.RolledBack, coord.State())
	assert.Equal(t, []string{"begin", "rollback"}, conn.Calls())
	assert.Equal(t, []txn.Outcome{txn.OutcomeRolledBack}, rec.got())
	assert.Zero(t, exec.Spawned())
}

func TestRun_CommitFailureIsSystemError(t *testing.T) {
	conn := &testutil.FakeConn{CommitErr: errors.New("disk full")}
	coord, _ := newCoordinator(conn)

	exec := &testutil.ManualExecutor{}
	sched := txn.NewScheduler(coord, exec)
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	res, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		sched.PushTask(txn.TaskFunc(func(context.Context) {}))
		return txn.Ok[int, string](42), nil
	})

	require.Error(t, err)
	assert.True(t, txn.IsCommitError(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, res.IsOk(), "business value must be discarded")
	assert.Equal(t, txn.Begun, coord.State(), "indeterminate after commit failure")
	assert.Equal(t, []txn.Outcome{txn.OutcomeRolledBack}, rec.got())
	assert.Zero(t, exec.Spawned())

	// Finalizing does not issue a rollback on an indeterminate transaction.
	coord.Release()
	assert.Equal(t, []string{"begin", "commit", "close"}, conn.Calls())
	assert.Len(t, rec.got(), 1)
}

func TestRun_SystemErrorRollsBack(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	defer coord.Release()
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	sysErr := errors.New("query failed")
	_, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		return txn.BizResult[int, string]{}, sysErr
	})

	assert.ErrorIs(t, err, sysErr)
	assert.Equal(t, txn.RolledBack, coord.State())
	assert.Equal(t, []txn.Outcome{txn.OutcomeRolledBack}, rec.got())
}

func TestRun_SystemErrorJoinedWithRollbackFailure(t *testing.T) {
	conn := &testutil.FakeConn{RollbackErr: errors.New("rollback refused")}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	sysErr := errors.New("query failed")
	_, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		return txn.BizResult[int, string]{}, sysErr
	})

	assert.ErrorIs(t, err, sysErr)
	assert.True(t, txn.IsRollbackError(err))
	assert.False(t, txn.IsBrokenConnection(err))
}

func TestRun_PanicRollsBack(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	defer coord.Release()
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	_, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		panic("boom")
	})

	require.Error(t, err)
	assert.True(t, txn.IsPanic(err))

	var pe *txn.PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	assert.Equal(t, txn.RolledBack, coord.State())
	assert.Equal(t, []txn.Outcome{txn.OutcomeRolledBack}, rec.got())
}

func TestRun_CancelledDuringBodyRollsBack(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	ctx, cancel := context.WithCancel(context.Background())
	res, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		cancel()
		return txn.Ok[int, string](1), nil
	})

	require.Error(t, err)
	assert.True(t, txn.IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.IsOk())
	assert.Equal(t, txn.RolledBack, coord.State())
	assert.Equal(t, []string{"begin", "rollback"}, conn.Calls())
}

func TestRun_CancelledDuringBodyKeepsBusinessFailure(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	ctx, cancel := context.WithCancel(context.Background())
	res, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		cancel()
		return txn.Fail[int]("dup"), nil
	})

	require.NoError(t, err)
	failure, ok := res.Failure()
	require.True(t, ok)
	assert.Equal(t, "dup", failure)
	assert.Equal(t, txn.RolledBack, coord.State())
	assert.Equal(t, []string{"begin", "rollback"}, conn.Calls())
}

func TestRun_CancelledBeforeBeginDoesNotTouchStorage(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, pool := newCoordinator(conn)
	defer coord.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		called = true
		return txn.Ok[int, string](1), nil
	})

	assert.True(t, txn.IsCancelled(err))
	assert.False(t, called)
	assert.Empty(t, pool.Acquired())
	assert.Equal(t, txn.NotInTransaction, coord.State())
}

func TestRun_ConnectionFailure(t *testing.T) {
	pool := testutil.NewFakePool()
	pool.Err = errors.New("too many clients")
	coord := txn.New[*testutil.FakeConn](pool)
	defer coord.Release()

	_, err := txn.Run(context.Background(), coord, okBody(1))

	require.Error(t, err)
	assert.True(t, txn.IsConnectionError(err))
	assert.Contains(t, err.Error(), "too many clients")
	assert.Equal(t, txn.NotInTransaction, coord.State())
}

func TestRun_BeginFailure(t *testing.T) {
	conn := &testutil.FakeConn{BeginErr: errors.New("read-only")}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	_, err := txn.Run(context.Background(), coord, okBody(1))

	var te *txn.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, txn.CodeBeginFailed, te.Code)
}

func TestRun_BrokenRollbackSurfacesDistinctly(t *testing.T) {
	conn := &testutil.FakeConn{RollbackErr: fmt.Errorf("driver: %w", txn.ErrBrokenConnection)}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	res, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		return txn.Fail[int]("dup"), nil
	})

	require.Error(t, err)
	assert.True(t, txn.IsBrokenConnection(err))
	assert.True(t, txn.IsRollbackError(err))
	assert.False(t, res.IsOk())
	_, isFailure := res.Failure()
	assert.True(t, isFailure, "zero result carries no business value")
}

func TestRun_OrdinaryRollbackFailureKeepsBusinessError(t *testing.T) {
	conn := &testutil.FakeConn{RollbackErr: errors.New("timeout")}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	res, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		return txn.Fail[int]("dup"), nil
	})

	require.NoError(t, err)
	failure, _ := res.Failure()
	assert.Equal(t, "dup", failure)
	assert.Equal(t, txn.RolledBack, coord.State())
}

func TestRun_AlreadyResolved(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()

	_, err := txn.Run(context.Background(), coord, okBody(1))
	require.NoError(t, err)

	_, err = txn.Run(context.Background(), coord, okBody(2))
	var te *txn.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, txn.CodeAlreadyResolved, te.Code)
}

func TestRun_AfterExplicitBegin(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	defer coord.Release()

	require.NoError(t, coord.Begin(context.Background()))
	_, err := txn.Run(context.Background(), coord, okBody(1))
	require.NoError(t, err)

	assert.Equal(t, 1, conn.Count("begin"))
	assert.Equal(t, txn.Committed, coord.State())
}

func TestCoordinator_LazyConnectionReused(t *testing.T) {
	pool := testutil.NewFakePool()
	coord := txn.New[*testutil.FakeConn](pool)
	defer coord.Release()

	assert.Empty(t, pool.Acquired())

	_, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		a, err := coord.Conn(ctx)
		require.NoError(t, err)
		b, err := coord.Clone().Conn(ctx)
		require.NoError(t, err)
		assert.Same(t, a, b)
		return txn.Ok[int, string](1), nil
	})
	require.NoError(t, err)
	assert.Len(t, pool.Acquired(), 1)
}

func TestCoordinator_ReleaseWithoutRunIsImplicitRollback(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	require.NoError(t, coord.Begin(context.Background()))
	coord.Release()

	assert.Equal(t, []txn.Outcome{txn.OutcomeRolledBack}, rec.got())
	assert.Equal(t, []string{"begin", "rollback", "close"}, conn.Calls())
	assert.Equal(t, txn.RolledBack, coord.State())
}

func TestCoordinator_ClonesShareStateAndLastReleaseFinalizes(t *testing.T) {
	conn := &testutil.FakeConn{}
	coord, _ := newCoordinator(conn)
	clone := coord.Clone()
	assert.True(t, coord.Same(clone))

	rec := &outcomeRecorder{}
	clone.RegisterCallback(rec)
	require.NoError(t, coord.Begin(context.Background()))
	assert.Equal(t, txn.Begun, clone.State())

	coord.Release()
	coord.Release() // ignored: same handle
	assert.Empty(t, rec.got(), "a live clone keeps the transaction open")

	clone.Release()
	assert.Equal(t, []txn.Outcome{txn.OutcomeRolledBack}, rec.got())
	assert.Panics(t, func() { clone.Clone() })
}

func TestCoordinator_CallbacksInvokedOnceAcrossRunAndRelease(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	_, err := txn.Run(context.Background(), coord, okBody(1))
	require.NoError(t, err)
	coord.InvokeCallbacks()
	coord.Release()

	assert.Equal(t, []txn.Outcome{txn.OutcomeCommitted}, rec.got())
}

func TestCoordinator_LateRegistrationRunsImmediately(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()

	_, err := txn.Run(context.Background(), coord, okBody(1))
	require.NoError(t, err)

	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)
	assert.Equal(t, []txn.Outcome{txn.OutcomeCommitted}, rec.got())
}

func TestCoordinator_InvokeWithoutTransactionDiscards(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	coord.InvokeCallbacks()
	coord.Release()

	assert.Empty(t, rec.got())
}

func TestCoordinator_CallbackPanicDoesNotStopOthers(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()

	coord.RegisterCallback(txn.CallbackFunc(func(txn.Outcome) { panic("bad callback") }))
	rec := &outcomeRecorder{}
	coord.RegisterCallback(rec)

	_, err := txn.Run(context.Background(), coord, okBody(1))
	require.NoError(t, err)
	assert.Equal(t, []txn.Outcome{txn.OutcomeCommitted}, rec.got())
}

func TestCoordinator_ConcurrentRegistrationObservedExactlyOnce(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})

	const n = 64
	var counts [n]atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		h := coord.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer h.Release()
			<-start
			h.RegisterCallback(txn.CallbackFunc(func(o txn.Outcome) {
				assert.Equal(t, txn.OutcomeCommitted, o)
				counts[i].Add(1)
			}))
		}()
	}

	_, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		close(start)
		return txn.Ok[int, string](1), nil
	})
	require.NoError(t, err)
	wg.Wait()
	coord.Release()

	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "callback %d", i)
	}
}

func TestErrorHelpers_WalkJoinedErrors(t *testing.T) {
	commit := &txn.Error{Code: txn.CodeCommitFailed, Op: "commit"}
	broken := &txn.Error{Code: txn.CodeConnectionBroken, Op: "rollback"}
	err := fmt.Errorf("use case: %w", errors.Join(errors.New("other"), commit, broken))

	assert.True(t, txn.IsCommitError(err))
	assert.True(t, txn.IsBrokenConnection(err))
	assert.True(t, txn.IsRollbackError(err))
	assert.False(t, txn.IsConnectionError(err))
	assert.False(t, txn.IsCommitError(nil))
	assert.Equal(t, "txn commit: COMMIT_FAILED", commit.Error())
}
