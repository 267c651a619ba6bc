package entity

import (
	"bytes"
	"encoding/json"
)

// Optional distinguishes an absent attribute from a present one in update
// patches. Unlike a pointer it can carry an explicit null: decoding
// {"nick": null} into Optional[*string] yields a present nil pointer, while
// {} leaves the Optional absent.
type Optional[T any] struct {
	value   T
	present bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, present: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

// IsPresent reports whether a value was supplied.
func (o Optional[T]) IsPresent() bool {
	return o.present
}

// UnmarshalJSON marks the Optional present whenever its key appears,
// including when the value is null.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.present = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		o.value = zero
		return nil
	}
	return json.Unmarshal(data, &o.value)
}

// MarshalJSON encodes the value, or null when absent.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.present {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}
