package txn

import "fmt"

// BizResult is the business-level result of a unit of work: a success value
// or a business failure. System failures travel separately as error.
type BizResult[T, E any] struct {
	value   T
	failure E
	ok      bool
}

// Ok returns a successful result.
func Ok[T, E any](v T) BizResult[T, E] {
	return BizResult[T, E]{value: v, ok: true}
}

// Fail returns a business failure.
func Fail[T, E any](e E) BizResult[T, E] {
	return BizResult[T, E]{failure: e}
}

// IsOk reports whether the result is a success.
func (r BizResult[T, E]) IsOk() bool {
	return r.ok
}

// Value returns the success value and whether the result is a success.
func (r BizResult[T, E]) Value() (T, bool) {
	return r.value, r.ok
}

// Failure returns the business failure and whether the result is one.
func (r BizResult[T, E]) Failure() (E, bool) {
	return r.failure, !r.ok
}

// String formats the result as Ok(v) or Fail(e).
func (r BizResult[T, E]) String() string {
	if r.ok {
		return fmt.Sprintf("Ok(%v)", r.value)
	}
	return fmt.Sprintf("Fail(%v)", r.failure)
}
