package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/bagua/internal/testutil"
	"github.com/roach88/bagua/internal/txn"
)

// Harness holds the fakes of one scenario execution.
type Harness struct {
	sc     *Scenario
	result *Result
	pool   *tracedPool
	exec   *tracedExecutor
	sched  *txn.Scheduler
	ran    int
}

// Run executes a scenario and returns its result. The error is reserved
// for scenarios that cannot be executed at all; failed expectations and
// assertions are reported in the result.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := validateScenario(sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	h := &Harness{sc: sc, result: NewResult()}
	h.pool = &tracedPool{fake: testutil.NewFakePool(), h: h}
	if f := sc.Connection.Acquire; f != nil {
		h.pool.fake.Err = f.err()
	}
	h.exec = &tracedExecutor{h: h}

	coord := txn.New[*tracedConn](h.pool)
	h.sched = txn.NewScheduler(coord, h.exec)
	h.apply(coord, sc.Before)

	switch sc.Mode {
	case "", ModeRun:
		h.run(ctx, coord)
	case ModeBeginRelease:
		if err := coord.Begin(ctx); err != nil {
			h.result.add(KindRun, CaseError, codeOf(err))
		} else {
			h.apply(coord, sc.Body.Steps)
		}
	}
	coord.Release()
	state := coord.State()

	h.apply(coord, sc.After)
	h.exec.manual.RunAll(ctx)

	h.result.State = map[string]any{
		"state":    state.String(),
		"spawned":  h.exec.manual.Spawned(),
		"ran":      h.ran,
		"pending":  h.sched.Pending(),
		"acquired": len(h.pool.fake.Acquired()),
	}
	for _, msg := range EvaluateAssertions(h.result, sc.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) run(ctx context.Context, coord *txn.Coordinator[*tracedConn]) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[any, string], error) {
		h.apply(coord, h.sc.Body.Steps)
		b := h.sc.Body
		switch b.Return {
		case ReturnFail:
			return txn.Fail[any](b.Failure), nil
		case ReturnError:
			return txn.BizResult[any, string]{}, errors.New(b.Message)
		case ReturnPanic:
			panic(b.Message)
		case ReturnCancel:
			cancel()
		}
		return txn.Ok[any, string](b.Value), nil
	})

	var got ExpectClause
	switch {
	case err != nil:
		got = ExpectClause{Case: CaseError, Code: codeOf(err), Error: err.Error()}
		h.result.add(KindRun, CaseError, got.Code)
	case res.IsOk():
		v, _ := res.Value()
		got = ExpectClause{Case: CaseOK, Value: v}
		h.result.add(KindRun, CaseOK, fmt.Sprint(v))
	default:
		f, _ := res.Failure()
		got = ExpectClause{Case: CaseFail, Failure: f}
		h.result.add(KindRun, CaseFail, f)
	}
	h.check(got)
}

// check compares what Run returned with the expect clause.
func (h *Harness) check(got ExpectClause) {
	want := h.sc.Expect
	if got.Case != want.Case {
		h.result.AddError(fmt.Sprintf("expect: case %s, got %s (%s)", want.Case, got.Case, describe(got)))
		return
	}
	switch got.Case {
	case CaseOK:
		if want.Value != nil && !valuesEqual(want.Value, got.Value) {
			h.result.AddError(fmt.Sprintf("expect: value %v, got %v", want.Value, got.Value))
		}
	case CaseFail:
		if want.Failure != got.Failure {
			h.result.AddError(fmt.Sprintf("expect: failure %q, got %q", want.Failure, got.Failure))
		}
	case CaseError:
		if want.Code != "" && want.Code != got.Code {
			h.result.AddError(fmt.Sprintf("expect: code %s, got %s (%s)", want.Code, got.Code, got.Error))
		}
		if want.Error != "" && !strings.Contains(got.Error, want.Error) {
			h.result.AddError(fmt.Sprintf("expect: error containing %q, got %q", want.Error, got.Error))
		}
	}
}

func describe(c ExpectClause) string {
	switch c.Case {
	case CaseOK:
		return fmt.Sprint(c.Value)
	case CaseFail:
		return c.Failure
	default:
		return c.Error
	}
}

// apply performs registration steps against coord.
func (h *Harness) apply(coord *txn.Coordinator[*tracedConn], steps []Step) {
	for _, st := range steps {
		target := coord
		if st.Clone {
			target = coord.Clone()
		}
		switch {
		case st.Callback != "":
			name := st.Callback
			target.RegisterCallback(txn.CallbackFunc(func(o txn.Outcome) {
				h.result.add(KindCallback, name, o.String())
			}))
		case st.Task != "":
			h.sched.PushTask(&namedTask{name: st.Task, h: h})
		}
		if st.Clone {
			target.Release()
		}
	}
}

// codeOf returns the txn error code of err, or SYSTEM for other errors.
func codeOf(err error) string {
	var te *txn.Error
	if errors.As(err, &te) {
		return string(te.Code)
	}
	return "SYSTEM"
}

type namedTask struct {
	name string
	h    *Harness
}

func (t *namedTask) Run(context.Context) {
	t.h.ran++
	t.h.result.add(KindTask, t.name, "")
}

// tracedExecutor queues tasks on a manual executor and traces submissions.
type tracedExecutor struct {
	manual testutil.ManualExecutor
	h      *Harness
}

func (e *tracedExecutor) Spawn(t txn.Task) {
	name := "anonymous"
	if nt, ok := t.(*namedTask); ok {
		name = nt.name
	}
	e.h.result.add(KindSpawn, name, "")
	e.manual.Spawn(t)
}

// tracedPool hands out scripted fake connections.
type tracedPool struct {
	fake *testutil.FakePool
	h    *Harness
}

func (p *tracedPool) Conn(ctx context.Context) (*tracedConn, error) {
	c, err := p.fake.Conn(ctx)
	if err != nil {
		p.h.result.add(KindPool, "acquire", err.Error())
		return nil, err
	}
	p.h.result.add(KindPool, "acquire", c.Name)
	script := p.h.sc.Connection
	c.BeginErr = script.Begin.err()
	c.CommitErr = script.Commit.err()
	c.RollbackErr = script.Rollback.err()
	return &tracedConn{fake: c, h: p.h}, nil
}

// tracedConn traces every driver primitive of a fake connection.
type tracedConn struct {
	fake *testutil.FakeConn
	h    *Harness
}

func (c *tracedConn) Begin(ctx context.Context) error {
	return c.trace("begin", c.fake.Begin(ctx))
}

func (c *tracedConn) Commit(ctx context.Context) error {
	return c.trace("commit", c.fake.Commit(ctx))
}

func (c *tracedConn) Rollback(ctx context.Context) error {
	return c.trace("rollback", c.fake.Rollback(ctx))
}

func (c *tracedConn) Close() error {
	return c.trace("close", c.fake.Close())
}

func (c *tracedConn) trace(call string, err error) error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	c.h.result.add(KindConn, call, detail)
	return err
}
