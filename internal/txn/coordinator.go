package txn

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/bagua/internal/metrics"
)

// shared is the single cell every handle of one coordinator points at.
type shared[C Connection] struct {
	mu sync.Mutex

	pool    Pool[C]
	conn    C
	hasConn bool

	state State
	// indeterminate is set when commit failed: the driver may or may not
	// have persisted the transaction, so finalize does not roll back.
	indeterminate bool

	callbacks []Callback
	// drained is set once callbacks were invoked with a real outcome.
	drained bool

	refs      int
	finalized bool
}

// Coordinator is a handle on one unit of work.
//
// Handles are cheap; Clone returns another view of the same transaction.
// Every handle must be released exactly once. Extra Release calls on the
// same handle are ignored.
type Coordinator[C Connection] struct {
	s        *shared[C]
	released atomic.Bool
}

// New creates a coordinator that acquires its connection from pool on
// first need. The returned handle holds the first reference.
func New[C Connection](pool Pool[C]) *Coordinator[C] {
	return &Coordinator[C]{s: &shared[C]{pool: pool, refs: 1}}
}

// Clone returns a new handle on the same transaction.
// Panics if the transaction has already been finalized.
func (c *Coordinator[C]) Clone() *Coordinator[C] {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.s.finalized {
		panic("txn: Clone of finalized coordinator")
	}
	c.s.refs++
	return &Coordinator[C]{s: c.s}
}

// Same reports whether two handles refer to the same transaction.
func (c *Coordinator[C]) Same(other *Coordinator[C]) bool {
	return c.s == other.s
}

// State returns the current lifecycle state.
func (c *Coordinator[C]) State() State {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.state
}

// Conn returns the transaction's connection, acquiring it on first call.
func (c *Coordinator[C]) Conn(ctx context.Context) (C, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.connLocked(ctx)
}

func (s *shared[C]) connLocked(ctx context.Context) (C, error) {
	if s.hasConn {
		return s.conn, nil
	}
	var zero C
	if s.finalized {
		return zero, &Error{Code: CodeAlreadyResolved, Op: "conn"}
	}
	conn, err := s.pool.Conn(ctx)
	if err != nil {
		return zero, &Error{Code: CodeConnectionFailed, Op: "conn", Err: err}
	}
	s.conn = conn
	s.hasConn = true
	return conn, nil
}

// Begin acquires the connection if needed and issues begin.
// Begin on a coordinator that is already Begun is a no-op.
func (c *Coordinator[C]) Begin(ctx context.Context) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	switch c.s.state {
	case Begun:
		return nil
	case Committed, RolledBack:
		return &Error{Code: CodeAlreadyResolved, Op: "begin"}
	}

	conn, err := c.s.connLocked(ctx)
	if err != nil {
		return err
	}
	if err := conn.Begin(ctx); err != nil {
		return &Error{Code: CodeBeginFailed, Op: "begin", Err: err}
	}
	c.s.state = Begun
	slog.Debug("transaction begun")
	return nil
}

// commit issues commit. On failure the state stays Begun and is marked
// indeterminate.
func (c *Coordinator[C]) commit(ctx context.Context) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.s.conn.Commit(ctx); err != nil {
		c.s.indeterminate = true
		metrics.TxnResolutions.WithLabelValues("commit_failed").Inc()
		return &Error{Code: CodeCommitFailed, Op: "commit", Err: err}
	}
	c.s.state = Committed
	metrics.TxnResolutions.WithLabelValues("committed").Inc()
	slog.Debug("transaction committed")
	return nil
}

// rollback issues rollback. The state becomes RolledBack whatever the
// driver reports: an uncommitted transaction never becomes durable.
func (c *Coordinator[C]) rollback(ctx context.Context) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.rollbackLocked(ctx)
}

func (s *shared[C]) rollbackLocked(ctx context.Context) error {
	err := s.conn.Rollback(ctx)
	s.state = RolledBack
	metrics.TxnResolutions.WithLabelValues("rolled_back").Inc()
	if err != nil {
		return rollbackError(err)
	}
	slog.Debug("transaction rolled back")
	return nil
}

// RegisterCallback appends cb to the pending list.
//
// Once callbacks have been invoked, a late registration is run immediately
// with the known outcome and a warning is logged; it is never dropped.
func (c *Coordinator[C]) RegisterCallback(cb Callback) {
	c.s.mu.Lock()
	if !c.s.drained {
		c.s.callbacks = append(c.s.callbacks, cb)
		c.s.mu.Unlock()
		return
	}
	outcome := outcomeOf(c.s.state)
	c.s.mu.Unlock()

	slog.Warn("callback registered after transaction resolution; running immediately",
		"outcome", outcome.String())
	invoke(cb, outcome)
}

// InvokeCallbacks drains the callback list and invokes each callback in
// registration order with the transaction's outcome. It is idempotent.
//
// Begun maps to RolledBack. If no transaction was ever begun there is no
// outcome to report: pending callbacks are discarded with a warning.
func (c *Coordinator[C]) InvokeCallbacks() {
	c.s.mu.Lock()
	state := c.s.state
	if state == NotInTransaction {
		n := len(c.s.callbacks)
		c.s.callbacks = nil
		c.s.mu.Unlock()
		if n > 0 {
			slog.Warn("discarding callbacks of a coordinator that never began a transaction",
				"callbacks", n)
		}
		return
	}
	cbs := c.s.callbacks
	c.s.callbacks = nil
	c.s.drained = true
	c.s.mu.Unlock()

	outcome := outcomeOf(state)
	for _, cb := range cbs {
		invoke(cb, outcome)
	}
}

// invoke runs one callback, containing a panic so later callbacks still run.
func invoke(cb Callback, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transaction callback panicked", "outcome", outcome.String(), "panic", r)
		}
	}()
	metrics.TxnCallbacks.WithLabelValues(outcome.String()).Inc()
	cb.OnResolved(outcome)
}

// Release drops this handle. The last release finalizes the transaction:
// a transaction still Begun (and not left indeterminate by a failed commit)
// is rolled back, pending callbacks are invoked, and the connection is
// closed if it implements io.Closer.
func (c *Coordinator[C]) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}

	c.s.mu.Lock()
	c.s.refs--
	if c.s.refs > 0 {
		c.s.mu.Unlock()
		return
	}
	c.s.finalized = true
	if c.s.state == Begun && !c.s.indeterminate {
		slog.Warn("coordinator released with an open transaction; rolling back")
		if err := c.s.rollbackLocked(context.Background()); err != nil {
			slog.Error("implicit rollback failed", "error", err)
		}
	}
	c.s.mu.Unlock()

	c.InvokeCallbacks()

	c.s.mu.Lock()
	conn, hasConn := c.s.conn, c.s.hasConn
	var zero C
	c.s.conn, c.s.hasConn = zero, false
	c.s.mu.Unlock()

	if closer, ok := any(conn).(io.Closer); hasConn && ok {
		if err := closer.Close(); err != nil {
			slog.Warn("closing connection", "error", err)
		}
	}
}
