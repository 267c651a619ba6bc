package txn

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
)

// Run executes fn inside the coordinator's transaction.
//
//  1. Begin, unless the coordinator is already Begun.
//  2. Call fn synchronously.
//  3. Business success: commit. A commit failure is returned as a
//     CodeCommitFailed system error and the success value is discarded.
//  4. Business failure: roll back and return the failure with a nil error.
//     An ordinary rollback failure is logged; a broken connection is
//     returned as a CodeConnectionBroken error instead.
//  5. System error, panic, or ctx ended before a success was committed: roll
//     back and return the system error, joined with any rollback error.
//     A business failure is returned as is even when ctx has ended.
//
// Callbacks are invoked exactly once after resolution, on every path.
// Commit and rollback run with cancellation detached from ctx so that once
// issued they run to completion.
func Run[C Connection, T, E any](
	ctx context.Context,
	c *Coordinator[C],
	fn func(ctx context.Context) (BizResult[T, E], error),
) (BizResult[T, E], error) {
	var zero BizResult[T, E]
	defer c.InvokeCallbacks()

	if st := c.State(); st.Terminal() {
		return zero, &Error{Code: CodeAlreadyResolved, Op: "run"}
	}
	if err := ctx.Err(); err != nil {
		return zero, &Error{Code: CodeCancelled, Op: "begin", Err: err}
	}
	if err := c.Begin(ctx); err != nil {
		return zero, err
	}

	res, sysErr := call(ctx, fn)
	if sysErr == nil && res.IsOk() && ctx.Err() != nil {
		sysErr = &Error{Code: CodeCancelled, Op: "run", Err: context.Cause(ctx)}
	}

	resolveCtx := context.WithoutCancel(ctx)

	if sysErr != nil {
		if rbErr := c.rollback(resolveCtx); rbErr != nil {
			return zero, errors.Join(sysErr, rbErr)
		}
		return zero, sysErr
	}

	if res.IsOk() {
		if err := c.commit(resolveCtx); err != nil {
			return zero, err
		}
		return res, nil
	}

	if rbErr := c.rollback(resolveCtx); rbErr != nil {
		if IsBrokenConnection(rbErr) {
			return zero, rbErr
		}
		failure, _ := res.Failure()
		slog.Warn("rollback after business failure failed", "failure", failure, "error", rbErr)
	}
	return res, nil
}

// call invokes fn, converting a panic into a CodePanicked error.
func call[T, E any](ctx context.Context, fn func(ctx context.Context) (BizResult[T, E], error)) (res BizResult[T, E], err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transaction body panicked", "panic", r)
			err = &Error{Code: CodePanicked, Op: "run", Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	return fn(ctx)
}
