package txn_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bagua/internal/metrics"
	"github.com/roach88/bagua/internal/runner"
	"github.com/roach88/bagua/internal/testutil"
	"github.com/roach88/bagua/internal/txn"
)

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestScheduler_SpawnsInPushOrderAfterCommit(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()
	exec := &testutil.ManualExecutor{}
	sched := txn.NewScheduler(coord, exec)

	var order []string
	push := func(name string) {
		sched.PushTask(txn.TaskFunc(func(context.Context) { order = append(order, name) }))
	}

	_, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		push("a")
		push("b")
		push("c")
		assert.Zero(t, exec.Spawned(), "nothing runs before resolution")
		assert.Equal(t, 3, sched.Pending())
		return txn.Ok[int, string](1), nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, exec.Spawned())
	assert.Zero(t, sched.Pending())
	assert.Empty(t, order, "spawned tasks run on the executor, not the caller")

	exec.RunAll(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestScheduler_DiscardsOnRollback(t *testing.T) {
	for name, body := range map[string]func(context.Context) (txn.BizResult[int, string], error){
		"business failure": func(context.Context) (txn.BizResult[int, string], error) {
			return txn.Fail[int]("nope"), nil
		},
		"system error": func(context.Context) (txn.BizResult[int, string], error) {
			return txn.BizResult[int, string]{}, errors.New("db down")
		},
		"panic": func(context.Context) (txn.BizResult[int, string], error) {
			panic("boom")
		},
	} {
		t.Run(name, func(t *testing.T) {
			coord, _ := newCoordinator(&testutil.FakeConn{})
			defer coord.Release()
			exec := &testutil.ManualExecutor{}
			sched := txn.NewScheduler(coord, exec)

			_, _ = txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
				sched.PushTask(txn.TaskFunc(func(context.Context) { t.Error("task must not run") }))
				return body(ctx)
			})

			assert.Zero(t, exec.Spawned())
			assert.Zero(t, sched.Pending())
		})
	}
}

func TestScheduler_DiscardsWhenReleasedUnresolved(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	exec := &testutil.ManualExecutor{}
	sched := txn.NewScheduler(coord, exec)

	require.NoError(t, coord.Begin(context.Background()))
	sched.PushTask(txn.TaskFunc(func(context.Context) {}))
	coord.Release()

	assert.Zero(t, exec.Spawned())
}

func TestScheduler_LatePushFollowsOutcome(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()
	exec := &testutil.ManualExecutor{}
	sched := txn.NewScheduler(coord, exec)

	_, err := txn.Run(context.Background(), coord, okBody(1))
	require.NoError(t, err)

	sched.PushTask(txn.TaskFunc(func(context.Context) {}))
	assert.Equal(t, 1, exec.Spawned())

	rolled, _ := newCoordinator(&testutil.FakeConn{})
	defer rolled.Release()
	exec2 := &testutil.ManualExecutor{}
	sched2 := txn.NewScheduler(rolled, exec2)
	_, _ = txn.Run(context.Background(), rolled, func(context.Context) (txn.BizResult[int, string], error) {
		return txn.Fail[int]("x"), nil
	})

	sched2.PushTask(txn.TaskFunc(func(context.Context) {}))
	assert.Zero(t, exec2.Spawned())
}

func TestScheduler_RegisteredAfterResolution(t *testing.T) {
	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()
	_, err := txn.Run(context.Background(), coord, okBody(1))
	require.NoError(t, err)

	exec := &testutil.ManualExecutor{}
	sched := txn.NewScheduler(coord, exec)
	sched.PushTask(txn.TaskFunc(func(context.Context) {}))

	assert.Equal(t, 1, exec.Spawned())
}

func TestScheduler_ClosedRunnerReportsEveryLostTask(t *testing.T) {
	logs := captureLogs(t)
	lostBefore := promtest.ToFloat64(metrics.TxnTasksLost)

	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()
	r := runner.New(runner.WithName("closed"))
	sched := txn.NewScheduler(coord, r)
	r.Close()

	res, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		sched.PushTask(txn.TaskFunc(func(context.Context) {}))
		sched.PushTask(txn.TaskFunc(func(context.Context) {}))
		return txn.Ok[int, string](1), nil
	})
	require.NoError(t, err)
	v, ok := res.Value()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, txn.Committed, coord.State())

	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.TxnTasksLost)-lostBefore)
	out := logs.String()
	assert.Equal(t, 2, strings.Count(out, "task lost"))
	assert.Contains(t, out, "task=1 of=2")
	assert.Contains(t, out, "task=2 of=2")
	assert.Contains(t, out, runner.ErrClosed.Error())
	assert.NotContains(t, out, "transaction callback panicked")
}

func TestScheduler_PanickingExecutorKeepsSubmitting(t *testing.T) {
	captureLogs(t)
	coord, _ := newCoordinator(&testutil.FakeConn{})
	defer coord.Release()
	exec := &refusingExecutor{refuse: 1}
	sched := txn.NewScheduler(coord, exec)

	_, err := txn.Run(context.Background(), coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		for range 3 {
			sched.PushTask(txn.TaskFunc(func(context.Context) {}))
		}
		return txn.Ok[int, string](1), nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, exec.attempts)
	assert.Equal(t, 2, exec.accepted)
}

// refusingExecutor panics on the attempt numbered refuse (zero-based).
type refusingExecutor struct {
	refuse   int
	attempts int
	accepted int
}

func (e *refusingExecutor) Spawn(txn.Task) {
	n := e.attempts
	e.attempts++
	if n == e.refuse {
		panic("executor full")
	}
	e.accepted++
}
