package entity

// Keyed is implemented by relation items that have a stable identity.
// Identity types that are their own item (e.g. a foreign ID) return
// themselves.
type Keyed[K comparable] interface {
	Key() K
}

// Collection is an insertion-ordered set of keyed items.
//
// The zero value is an empty collection ready to use. Inserting an item
// whose key is already present is a no-op; removal preserves the order of
// the remaining items.
type Collection[K comparable, V Keyed[K]] struct {
	items []V
	index map[K]int
}

// NewCollection returns a collection holding items in order, skipping
// duplicate keys.
func NewCollection[K comparable, V Keyed[K]](items ...V) Collection[K, V] {
	var c Collection[K, V]
	c.Extend(items...)
	return c
}

// Insert adds v and reports whether it was not already present.
func (c *Collection[K, V]) Insert(v V) bool {
	k := v.Key()
	if _, ok := c.index[k]; ok {
		return false
	}
	if c.index == nil {
		c.index = make(map[K]int)
	}
	c.index[k] = len(c.items)
	c.items = append(c.items, v)
	return true
}

// Remove deletes the item with key k and reports whether it was present.
func (c *Collection[K, V]) Remove(k K) bool {
	i, ok := c.index[k]
	if !ok {
		return false
	}
	delete(c.index, k)
	copy(c.items[i:], c.items[i+1:])
	var zero V
	c.items[len(c.items)-1] = zero
	c.items = c.items[:len(c.items)-1]
	for j := i; j < len(c.items); j++ {
		c.index[c.items[j].Key()] = j
	}
	return true
}

// Contains reports whether an item with key k is present.
func (c Collection[K, V]) Contains(k K) bool {
	_, ok := c.index[k]
	return ok
}

// Get returns the item with key k.
func (c Collection[K, V]) Get(k K) (V, bool) {
	i, ok := c.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return c.items[i], true
}

// Len returns the number of items.
func (c Collection[K, V]) Len() int {
	return len(c.items)
}

// IsEmpty reports whether the collection has no items.
func (c Collection[K, V]) IsEmpty() bool {
	return len(c.items) == 0
}

// Extend inserts every item in order.
func (c *Collection[K, V]) Extend(items ...V) {
	for _, v := range items {
		c.Insert(v)
	}
}

// Clear removes every item.
func (c *Collection[K, V]) Clear() {
	c.items = nil
	c.index = nil
}

// Items returns a copy of the items in insertion order.
func (c Collection[K, V]) Items() []V {
	if len(c.items) == 0 {
		return nil
	}
	out := make([]V, len(c.items))
	copy(out, c.items)
	return out
}

// Keys returns the item keys in insertion order.
func (c Collection[K, V]) Keys() []K {
	if len(c.items) == 0 {
		return nil
	}
	out := make([]K, len(c.items))
	for i, v := range c.items {
		out[i] = v.Key()
	}
	return out
}

// Clone returns an independent copy.
func (c Collection[K, V]) Clone() Collection[K, V] {
	return NewCollection[K, V](c.items...)
}

// keySet is an insertion-ordered set of keys, used for pending removals so
// that generated statements are deterministic.
type keySet[K comparable] struct {
	keys  []K
	index map[K]struct{}
}

func (s *keySet[K]) insert(k K) bool {
	if _, ok := s.index[k]; ok {
		return false
	}
	if s.index == nil {
		s.index = make(map[K]struct{})
	}
	s.index[k] = struct{}{}
	s.keys = append(s.keys, k)
	return true
}

func (s *keySet[K]) remove(k K) bool {
	if _, ok := s.index[k]; !ok {
		return false
	}
	delete(s.index, k)
	for i, existing := range s.keys {
		if existing == k {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

func (s keySet[K]) contains(k K) bool {
	_, ok := s.index[k]
	return ok
}

func (s keySet[K]) len() int {
	return len(s.keys)
}

func (s keySet[K]) list() []K {
	if len(s.keys) == 0 {
		return nil
	}
	out := make([]K, len(s.keys))
	copy(out, s.keys)
	return out
}
