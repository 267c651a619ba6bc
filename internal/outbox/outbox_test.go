package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/runner"
	"github.com/roach88/bagua/internal/store"
	"github.com/roach88/bagua/internal/testutil"
	"github.com/roach88/bagua/internal/txn"
)

// recorder is a Publisher that remembers what it delivered and can be
// told to fail.
type recorder struct {
	mu   sync.Mutex
	got  []Message
	fail error
}

func (r *recorder) Publish(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, m)
	return nil
}

func (r *recorder) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, m := range r.got {
		out[i] = m.Topic
	}
	return out
}

type fixture struct {
	pool  *store.Pool
	ob    *Outbox
	pub   *recorder
	exec  *testutil.ManualExecutor
	clock *testutil.DeterministicClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := store.Open(context.Background(), store.Config{
		DSN:          filepath.Join(t.TempDir(), "outbox.db"),
		MaxOpenConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	f := &fixture{
		pool:  pool,
		pub:   &recorder{},
		exec:  &testutil.ManualExecutor{},
		clock: testutil.NewDeterministicClock(),
	}
	f.ob = New(pool, f.pub,
		WithClock(f.clock),
		WithIDs(entity.NewFixedIDs("m1", "m2", "m3", "m4")),
	)
	return f
}

// send runs one transaction that sends the given topics and then returns
// ok or a business failure.
func (f *fixture) send(t *testing.T, commit bool, topics ...string) error {
	t.Helper()
	ctx := context.Background()
	coord := txn.New[*store.Conn](f.pool)
	defer coord.Release()
	w := f.ob.Writer(txn.NewScheduler(coord, f.exec))

	_, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		conn, err := coord.Conn(ctx)
		if err != nil {
			return txn.BizResult[int, string]{}, err
		}
		for _, topic := range topics {
			if _, err := w.Send(ctx, conn, topic, map[string]string{"topic": topic}); err != nil {
				return txn.BizResult[int, string]{}, err
			}
		}
		if !commit {
			return txn.Fail[int]("rejected"), nil
		}
		return txn.Ok[int, string](len(topics)), nil
	})
	return err
}

func TestSend_PublishesAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.send(t, true, "account.created", "account.renamed"))

	pending, err := f.ob.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2, "rows are durable before publication")
	assert.Empty(t, f.pub.topics(), "nothing published on the caller's stack")
	assert.Equal(t, 2, f.exec.Len())

	f.exec.RunAll(ctx)
	assert.Equal(t, []string{"account.created", "account.renamed"}, f.pub.topics())

	pending, err = f.ob.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	m, ok, err := f.ob.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"topic":"account.created"}`, string(m.Payload))
	assert.Equal(t, PayloadHash("account.created", m.Payload), m.Hash)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC), m.CreatedAt)
	require.NotNil(t, m.PublishedAt)
	assert.True(t, m.PublishedAt.After(m.CreatedAt))
}

func TestSend_RolledBackTransactionLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.send(t, false, "account.created"))

	assert.Zero(t, f.exec.Spawned())
	pending, err := f.ob.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, ok, err := f.ob.Get(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	w := f.ob.Writer(txn.NewScheduler(txn.New[*store.Conn](f.pool), f.exec))

	_, err := w.Send(context.Background(), f.pool.DB(), "", 1)
	assert.ErrorContains(t, err, "empty topic")

	_, err = w.Send(context.Background(), f.pool.DB(), "t", make(chan int))
	assert.Error(t, err)
}

func TestPublishFailure_LeftForRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.setFail(errors.New("broker unavailable"))

	require.NoError(t, f.send(t, true, "a", "b"))
	f.exec.RunAll(ctx)

	pending, err := f.ob.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker unavailable", pending[0].LastError)
	assert.Nil(t, pending[0].PublishedAt)

	relay := NewRelay(f.ob, 1)
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "still failing")

	f.pub.setFail(nil)
	n, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, f.pub.topics(), "oldest first")

	m, _, err := f.ob.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Attempts)
	assert.Empty(t, m.LastError)
}

func TestRelay_PicksUpUnpublishedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Committed, but the process died before the tasks ran.
	require.NoError(t, f.send(t, true, "x", "y", "z"))

	n, err := NewRelay(f.ob, 0).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The late tasks find their rows already published.
	f.exec.RunAll(ctx)
	assert.Equal(t, []string{"x", "y", "z", "x", "y", "z"}, f.pub.topics(), "delivery is at-least-once")
	for _, id := range []entity.ID{"m1", "m2", "m3"} {
		m, _, err := f.ob.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, m.Attempts, "published rows are not updated again")
	}
}

func TestRelay_DrainTriesEachRowOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.send(t, true, "stuck", "b", "c", "d"))

	var tried []string
	ob := New(f.pool, PublisherFunc(func(_ context.Context, m Message) error {
		tried = append(tried, m.Topic)
		if m.Topic == "stuck" {
			return errors.New("rejected")
		}
		return nil
	}))

	n, err := NewRelay(ob, 2).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"stuck", "b", "c", "d"}, tried)

	m, _, err := f.ob.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, "rejected", m.LastError)

	pending, err := f.ob.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entity.ID("m1"), pending[0].ID)
}

func TestRelay_RunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, true, "x"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRelay(f.ob, 10).Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(f.pub.topics()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestOutbox_WithRunner(t *testing.T) {
	f := newFixture(t)
	r := runner.New(runner.WithName("outbox-test"))
	ctx := context.Background()

	coord := txn.New[*store.Conn](f.pool)
	w := f.ob.Writer(txn.NewScheduler(coord, r))
	_, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
		conn, err := coord.Conn(ctx)
		if err != nil {
			return txn.BizResult[int, string]{}, err
		}
		_, err = w.Send(ctx, conn, "account.created", map[string]any{"id": "a1"})
		return txn.Ok[int, string](1), err
	})
	require.NoError(t, err)
	coord.Release()

	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, []string{"account.created"}, f.pub.topics())
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, LogPublisher{}.Publish(context.Background(), Message{ID: "m1", Topic: "t"}))
}
