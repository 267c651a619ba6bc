package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/roach88/bagua/internal/txn"
)

// Querier runs statements. *sql.DB, *sql.Tx and *Conn all implement it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier         = (*Conn)(nil)
	_ Querier         = (*sql.DB)(nil)
	_ txn.Connection  = (*Conn)(nil)
	_ txn.Pool[*Conn] = (*Pool)(nil)
)

// Conn is one pooled connection with at most one open transaction.
//
// Statements issued while a transaction is open run inside it. Conn is
// not safe for concurrent use; a coordinator owns it for one unit of work.
type Conn struct {
	conn *sql.Conn
	tx   *sql.Tx
}

// InTx reports whether a transaction is open.
func (c *Conn) InTx() bool {
	return c.tx != nil
}

// Begin opens a transaction.
//
// The transaction is bound to a context detached from ctx's cancellation:
// database/sql would otherwise roll it back behind the coordinator's back
// when ctx ends.
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return errors.New("begin: transaction already open")
	}
	tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return classify(err)
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(context.Context) error {
	if c.tx == nil {
		return errors.New("commit: no open transaction")
	}
	tx := c.tx
	c.tx = nil
	return classify(tx.Commit())
}

// Rollback rolls back the open transaction.
func (c *Conn) Rollback(context.Context) error {
	if c.tx == nil {
		return errors.New("rollback: no open transaction")
	}
	tx := c.tx
	c.tx = nil
	return classify(tx.Rollback())
}

// Close returns the connection to the pool, rolling back a transaction
// left open.
func (c *Conn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.conn.Close()
}

// ExecContext implements Querier.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext implements Querier.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if c.tx != nil {
		return c.tx.QueryRowContext(ctx, query, args...)
	}
	return c.conn.QueryRowContext(ctx, query, args...)
}

// classify marks driver errors that leave the connection unusable with
// txn.ErrBrokenConnection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", txn.ErrBrokenConnection, err)
	}
	return err
}
