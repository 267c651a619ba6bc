package txn

import (
	"errors"
	"fmt"
)

// ErrBrokenConnection marks driver failures that leave the connection or
// transaction manager unusable. Drivers wrap it; recovery needs a new
// connection rather than a retry.
var ErrBrokenConnection = errors.New("connection broken")

// Code categorizes coordinator failures.
type Code string

const (
	// CodeConnectionFailed indicates no connection could be obtained.
	CodeConnectionFailed Code = "CONNECTION_FAILED"

	// CodeBeginFailed indicates the begin primitive failed.
	CodeBeginFailed Code = "BEGIN_FAILED"

	// CodeCommitFailed indicates commit failed after business success.
	// The persisted state is indeterminate.
	CodeCommitFailed Code = "COMMIT_FAILED"

	// CodeRollbackFailed indicates an ordinary rollback failure.
	CodeRollbackFailed Code = "ROLLBACK_FAILED"

	// CodeConnectionBroken indicates rollback failed because the connection
	// is in a broken state.
	CodeConnectionBroken Code = "CONNECTION_BROKEN"

	// CodeCancelled indicates the context ended before the business
	// function's result could be committed.
	CodeCancelled Code = "CANCELLED"

	// CodePanicked indicates the business function panicked.
	CodePanicked Code = "PANICKED"

	// CodeAlreadyResolved indicates Run on a coordinator that is already
	// committed or rolled back.
	CodeAlreadyResolved Code = "ALREADY_RESOLVED"
)

// Error is a system-level coordinator failure. Business failures are never
// reported as *Error; they come back inside BizResult.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op is the step that failed: "conn", "begin", "run", "commit" or "rollback".
	Op string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("txn %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("txn %s: %s", e.Op, e.Code)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking business function.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panic value that was itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// IsConnectionError returns true if no connection could be obtained.
func IsConnectionError(err error) bool {
	return hasCode(err, CodeConnectionFailed)
}

// IsCommitError returns true if commit failed after business success.
func IsCommitError(err error) bool {
	return hasCode(err, CodeCommitFailed)
}

// IsRollbackError returns true for any rollback failure, broken or not.
func IsRollbackError(err error) bool {
	return hasCode(err, CodeRollbackFailed) || hasCode(err, CodeConnectionBroken)
}

// IsBrokenConnection returns true if recovery needs a new connection.
func IsBrokenConnection(err error) bool {
	return hasCode(err, CodeConnectionBroken) || errors.Is(err, ErrBrokenConnection)
}

// IsCancelled returns true if the transaction was abandoned because its
// context ended.
func IsCancelled(err error) bool {
	return hasCode(err, CodeCancelled)
}

// IsPanic returns true if the business function panicked.
func IsPanic(err error) bool {
	return hasCode(err, CodePanicked)
}

// hasCode walks wrapped and joined errors looking for an *Error with code.
func hasCode(err error, code Code) bool {
	for err != nil {
		if te, ok := err.(*Error); ok && te.Code == code {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range x.Unwrap() {
				if hasCode(e, code) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		default:
			return false
		}
	}
	return false
}

func rollbackError(err error) *Error {
	if errors.Is(err, ErrBrokenConnection) {
		return &Error{Code: CodeConnectionBroken, Op: "rollback", Err: err}
	}
	return &Error{Code: CodeRollbackFailed, Op: "rollback", Err: err}
}
