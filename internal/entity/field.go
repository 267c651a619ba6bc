package entity

import "fmt"

// FieldState is the tracking state of a Field.
type FieldState uint8

const (
	// StateUnloaded means the value was never fetched. It is the zero value.
	StateUnloaded FieldState = iota
	// StateUnchanged means the value was fetched and not modified.
	StateUnchanged
	// StateSet means the value was modified (or newly created) since load.
	StateSet
)

// String returns the state name.
func (s FieldState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateUnchanged:
		return "unchanged"
	case StateSet:
		return "set"
	default:
		return fmt.Sprintf("FieldState(%d)", uint8(s))
	}
}

// Field is a tri-state holder for one attribute.
//
// The zero value is unloaded. Reading an unloaded field through Value,
// ValueRef or ToMut panics with *NotLoadedError; use ValueOpt or TryValue
// when absence is expected.
type Field[T any] struct {
	state FieldState
	value T
}

// Unloaded returns a field whose value was never fetched.
func Unloaded[T any]() Field[T] {
	return Field[T]{}
}

// Unchanged returns a field holding a value loaded from storage.
func Unchanged[T any](v T) Field[T] {
	return Field[T]{state: StateUnchanged, value: v}
}

// Set returns a field holding a new or modified value.
func Set[T any](v T) Field[T] {
	return Field[T]{state: StateSet, value: v}
}

// State returns the tracking state.
func (f Field[T]) State() FieldState {
	return f.state
}

// IsLoaded reports whether the field holds a value.
func (f Field[T]) IsLoaded() bool {
	return f.state != StateUnloaded
}

// IsChanged reports whether the field was modified since load.
func (f Field[T]) IsChanged() bool {
	return f.state == StateSet
}

// Value returns the held value. Panics with *NotLoadedError if unloaded.
func (f Field[T]) Value() T {
	if f.state == StateUnloaded {
		panic(notLoaded[T]("field"))
	}
	return f.value
}

// ValueRef returns a read-only pointer to the held value.
// Writing through the pointer bypasses change tracking; use ToMut for that.
// Panics with *NotLoadedError if unloaded.
func (f *Field[T]) ValueRef() *T {
	if f.state == StateUnloaded {
		panic(notLoaded[T]("field"))
	}
	return &f.value
}

// ValueOpt returns the held value and true, or the zero value and false
// when the field is unloaded.
func (f Field[T]) ValueOpt() (T, bool) {
	if f.state == StateUnloaded {
		var zero T
		return zero, false
	}
	return f.value, true
}

// TryValue returns the held value or an error matching ErrNotLoaded.
func (f Field[T]) TryValue() (T, error) {
	if f.state == StateUnloaded {
		var zero T
		return zero, notLoaded[T]("field")
	}
	return f.value, nil
}

// ChangedRef returns a pointer to the value only if the field is set.
// Used to build minimal write statements.
func (f *Field[T]) ChangedRef() *T {
	if f.state != StateSet {
		return nil
	}
	return &f.value
}

// Set stores v and marks the field as set.
func (f *Field[T]) Set(v T) {
	f.value = v
	f.state = StateSet
}

// UpdateFrom sets the field when opt is present and is a no-op otherwise.
func (f *Field[T]) UpdateFrom(opt Optional[T]) {
	if v, ok := opt.Get(); ok {
		f.Set(v)
	}
}

// ToMut returns a mutable pointer to the value, promoting unchanged to set
// first. Panics with *NotLoadedError if unloaded.
func (f *Field[T]) ToMut() *T {
	switch f.state {
	case StateUnloaded:
		panic(notLoaded[T]("field"))
	case StateUnchanged:
		f.state = StateSet
	}
	return &f.value
}

// MarkSet promotes an unchanged field to set. Unloaded fields stay unloaded.
func (f *Field[T]) MarkSet() {
	if f.state == StateUnchanged {
		f.state = StateSet
	}
}

// AnyValue returns the held value boxed as any, and whether it is loaded.
func (f *Field[T]) AnyValue() (any, bool) {
	if f.state == StateUnloaded {
		return nil, false
	}
	return f.value, true
}

// ChangedAny returns the held value boxed as any only if the field is set.
func (f *Field[T]) ChangedAny() (any, bool) {
	if f.state != StateSet {
		return nil, false
	}
	return f.value, true
}

// String formats the field for debugging without panicking.
func (f Field[T]) String() string {
	if f.state == StateUnloaded {
		return "Unloaded"
	}
	return fmt.Sprintf("%s(%v)", f.state, f.value)
}
