package entity

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrNotLoaded is matched (via errors.Is) by every *NotLoadedError.
var ErrNotLoaded = errors.New("not loaded")

// NotLoadedError reports a read of an attribute that was never fetched.
//
// It is a defect signal, not a retryable condition: accessors that cannot
// return an error panic with a *NotLoadedError value.
type NotLoadedError struct {
	// Type is the Go type of the attribute that was read.
	Type string

	// What names the access that failed (e.g. "field", "relation origin").
	What string
}

// Error implements the error interface.
func (e *NotLoadedError) Error() string {
	what := e.What
	if what == "" {
		what = "field"
	}
	return fmt.Sprintf("%s is not loaded (type=%s)", what, e.Type)
}

// Is makes errors.Is(err, ErrNotLoaded) succeed.
func (e *NotLoadedError) Is(target error) bool {
	return target == ErrNotLoaded
}

// IsNotLoaded reports whether v is a not-loaded failure.
// v may be an error or a value recovered from a panic.
func IsNotLoaded(v any) bool {
	err, ok := v.(error)
	if !ok {
		return false
	}
	return errors.Is(err, ErrNotLoaded)
}

func notLoaded[T any](what string) *NotLoadedError {
	return &NotLoadedError{Type: typeName[T](), What: what}
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
