// Package testutil provides scripted fakes for exercising transaction
// coordination without a database.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// FakeConn is a scripted txn.Connection that records every call.
//
// Setting BeginErr, CommitErr, RollbackErr or CloseErr makes the matching
// call fail. Thread-safety: all methods are safe for concurrent use.
type FakeConn struct {
	Name string

	mu          sync.Mutex
	calls       []string
	BeginErr    error
	CommitErr   error
	RollbackErr error
	CloseErr    error
}

// Begin implements txn.Connection.
func (c *FakeConn) Begin(ctx context.Context) error {
	return c.record("begin", c.BeginErr)
}

// Commit implements txn.Connection.
func (c *FakeConn) Commit(ctx context.Context) error {
	return c.record("commit", c.CommitErr)
}

// Rollback implements txn.Connection.
func (c *FakeConn) Rollback(ctx context.Context) error {
	return c.record("rollback", c.RollbackErr)
}

// Close releases the fake back to nowhere.
func (c *FakeConn) Close() error {
	return c.record("close", c.CloseErr)
}

func (c *FakeConn) record(call string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return err
}

// Calls returns the recorded calls in order.
func (c *FakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Count returns how many times call was made.
func (c *FakeConn) Count(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.calls {
		if got == call {
			n++
		}
	}
	return n
}

// ErrPoolExhausted is returned by FakePool when Err is not set and no
// connection is left to hand out.
var ErrPoolExhausted = errors.New("fake pool exhausted")

// FakePool hands out FakeConns.
//
// With Conns set, connections are handed out in order; otherwise a fresh
// FakeConn is created per acquisition. Err makes every acquisition fail.
type FakePool struct {
	mu       sync.Mutex
	Conns    []*FakeConn
	Err      error
	acquired []*FakeConn
	fixed    bool
}

// NewFakePool returns a pool handing out conns in order. With no conns it
// creates one per acquisition.
func NewFakePool(conns ...*FakeConn) *FakePool {
	return &FakePool{Conns: conns, fixed: len(conns) > 0}
}

// Conn implements txn.Pool.
func (p *FakePool) Conn(ctx context.Context) (*FakeConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c *FakeConn
	if p.fixed {
		if len(p.acquired) >= len(p.Conns) {
			return nil, ErrPoolExhausted
		}
		c = p.Conns[len(p.acquired)]
	} else {
		c = &FakeConn{Name: fmt.Sprintf("conn-%d", len(p.acquired)+1)}
	}
	p.acquired = append(p.acquired, c)
	return c, nil
}

// Acquired returns every connection handed out so far.
func (p *FakePool) Acquired() []*FakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeConn(nil), p.acquired...)
}
