package entity

import "fmt"

// RelationState is the tracking state of a Relation.
type RelationState uint8

const (
	// RelationUnloaded means membership was never fetched. It is the zero value.
	RelationUnloaded RelationState = iota
	// RelationUnchanged means membership is known, believed complete and unmodified.
	RelationUnchanged
	// RelationReset means the caller supplied an authoritative replacement.
	RelationReset
	// RelationChanged means incremental edits are layered on a (possibly
	// unknown) original membership.
	RelationChanged
)

// String returns the state name.
func (s RelationState) String() string {
	switch s {
	case RelationUnloaded:
		return "unloaded"
	case RelationUnchanged:
		return "unchanged"
	case RelationReset:
		return "reset"
	case RelationChanged:
		return "changed"
	default:
		return fmt.Sprintf("RelationState(%d)", uint8(s))
	}
}

// Relation tracks one to-many relation as a diff, so membership can be
// edited without loading the full original set.
//
// Transitions:
//
//	Unloaded  --Add/Remove--> Changed{original: unknown}
//	Unchanged --Add(new)/Remove(present)--> Changed{original: known}
//	Unchanged --Add(present)/Remove(absent)--> Unchanged (no-op)
//	Reset     --Add/Remove--> Reset (edited in place)
//	Changed   --Add(k)--> cancels a pending Remove(k), else records the add
//	Changed   --Remove(k)--> cancels a pending Add(k), else records the removal
//	any       --Reset--> Reset
//
// The zero value is unloaded.
type Relation[K comparable, V Keyed[K]] struct {
	state RelationState

	// data is the membership for Unchanged and Reset, and the original
	// membership for Changed when originKnown is true.
	data        Collection[K, V]
	originKnown bool

	add    Collection[K, V]
	remove keySet[K]
}

// UnchangedRelation returns a relation with membership loaded from storage.
func UnchangedRelation[K comparable, V Keyed[K]](c Collection[K, V]) Relation[K, V] {
	return Relation[K, V]{state: RelationUnchanged, data: c.Clone()}
}

// ResetRelation returns a relation whose membership is replaced by c.
func ResetRelation[K comparable, V Keyed[K]](c Collection[K, V]) Relation[K, V] {
	return Relation[K, V]{state: RelationReset, data: c.Clone()}
}

// State returns the tracking state.
func (r *Relation[K, V]) State() RelationState {
	return r.state
}

// OriginKnown reports whether the original membership is materializable.
func (r *Relation[K, V]) OriginKnown() bool {
	switch r.state {
	case RelationUnchanged, RelationReset:
		return true
	case RelationChanged:
		return r.originKnown
	default:
		return false
	}
}

// Add records item as a member.
func (r *Relation[K, V]) Add(item V) {
	k := item.Key()
	switch r.state {
	case RelationUnloaded:
		r.toChanged(false)
		r.add.Insert(item)
	case RelationUnchanged:
		if r.data.Contains(k) {
			return
		}
		r.toChanged(true)
		r.add.Insert(item)
	case RelationReset:
		r.data.Insert(item)
	case RelationChanged:
		if r.remove.remove(k) {
			return
		}
		if r.originKnown && r.data.Contains(k) {
			return
		}
		r.add.Insert(item)
	}
}

// Remove records that the item with key k is no longer a member.
func (r *Relation[K, V]) Remove(k K) {
	switch r.state {
	case RelationUnloaded:
		r.toChanged(false)
		r.remove.insert(k)
	case RelationUnchanged:
		if !r.data.Contains(k) {
			return
		}
		r.toChanged(true)
		r.remove.insert(k)
	case RelationReset:
		r.data.Remove(k)
	case RelationChanged:
		if r.add.Remove(k) {
			return
		}
		if r.originKnown && !r.data.Contains(k) {
			return
		}
		r.remove.insert(k)
	}
}

// Reset replaces membership with c, discarding any diff history.
func (r *Relation[K, V]) Reset(c Collection[K, V]) {
	*r = ResetRelation(c)
}

// UpdateFrom resets the relation when opt is present and is a no-op otherwise.
func (r *Relation[K, V]) UpdateFrom(opt Optional[Collection[K, V]]) {
	if c, ok := opt.Get(); ok {
		r.Reset(c)
	}
}

// toChanged moves an Unloaded or Unchanged relation into Changed, keeping
// the current data as the original when known.
func (r *Relation[K, V]) toChanged(originKnown bool) {
	if !originKnown {
		r.data = Collection[K, V]{}
	}
	r.state = RelationChanged
	r.originKnown = originKnown
	r.add = Collection[K, V]{}
	r.remove = keySet[K]{}
}

// OriginValueRef returns the last known loaded membership.
// Panics with *NotLoadedError when the relation was never loaded, including
// a Changed relation whose original is unknown.
func (r *Relation[K, V]) OriginValueRef() *Collection[K, V] {
	if !r.OriginKnown() {
		panic(notLoaded[Collection[K, V]]("relation origin"))
	}
	return &r.data
}

// TryOriginValue returns a copy of the original membership or an error
// matching ErrNotLoaded.
func (r *Relation[K, V]) TryOriginValue() (Collection[K, V], error) {
	if !r.OriginKnown() {
		return Collection[K, V]{}, notLoaded[Collection[K, V]]("relation origin")
	}
	return r.data.Clone(), nil
}

// CurrentValue returns original - removed + added.
// Panics with *NotLoadedError when the original membership is unknown; in
// that case only Added and Removed are knowable.
func (r *Relation[K, V]) CurrentValue() Collection[K, V] {
	c, err := r.TryCurrentValue()
	if err != nil {
		panic(err)
	}
	return c
}

// TryCurrentValue is CurrentValue returning an error instead of panicking.
func (r *Relation[K, V]) TryCurrentValue() (Collection[K, V], error) {
	if !r.OriginKnown() {
		return Collection[K, V]{}, notLoaded[Collection[K, V]]("relation")
	}
	out := r.data.Clone()
	if r.state != RelationChanged {
		return out, nil
	}
	for _, k := range r.remove.keys {
		out.Remove(k)
	}
	out.Extend(r.add.items...)
	return out, nil
}

// Added returns the pending additions of a Changed relation.
func (r *Relation[K, V]) Added() []V {
	if r.state != RelationChanged {
		return nil
	}
	return r.add.Items()
}

// Removed returns the pending removals of a Changed relation.
func (r *Relation[K, V]) Removed() []K {
	if r.state != RelationChanged {
		return nil
	}
	return r.remove.list()
}

// IsEmptyDiff reports whether no persistence work is pending.
// A reset always counts as pending work.
func (r *Relation[K, V]) IsEmptyDiff() bool {
	switch r.state {
	case RelationChanged:
		return r.add.IsEmpty() && r.remove.len() == 0
	case RelationReset:
		return false
	default:
		return true
	}
}

// AddedKeys returns pending addition keys boxed as any.
func (r *Relation[K, V]) AddedKeys() []any {
	added := r.Added()
	if len(added) == 0 {
		return nil
	}
	out := make([]any, len(added))
	for i, v := range added {
		out[i] = v.Key()
	}
	return out
}

// RemovedKeys returns pending removal keys boxed as any.
func (r *Relation[K, V]) RemovedKeys() []any {
	removed := r.Removed()
	if len(removed) == 0 {
		return nil
	}
	out := make([]any, len(removed))
	for i, k := range removed {
		out[i] = k
	}
	return out
}

// ResetKeys returns the replacement membership keys of a Reset relation.
func (r *Relation[K, V]) ResetKeys() []any {
	if r.state != RelationReset {
		return nil
	}
	keys := r.data.Keys()
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

// String formats the relation for debugging without panicking.
func (r Relation[K, V]) String() string {
	switch r.state {
	case RelationUnloaded:
		return "Unloaded"
	case RelationChanged:
		origin := "unknown"
		if r.originKnown {
			origin = fmt.Sprint(r.data.Keys())
		}
		return fmt.Sprintf("Changed{original: %s, add: %v, remove: %v}", origin, r.add.Keys(), r.remove.list())
	default:
		return fmt.Sprintf("%s(%v)", r.state, r.data.Keys())
	}
}
