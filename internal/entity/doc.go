// Package entity provides the change-tracking building blocks for domain entities.
//
// An entity is an ordinary Go struct whose attributes are wrapped in tracking
// holders:
//   - Field[T]: one scalar or composite attribute (unloaded / unchanged / set)
//   - Relation[K, V]: one to-many relation tracked as an incremental diff
//
// Entities are built from projections. A projection is a named, field-limited
// view of an entity that always carries the identity; converting it with
// ToEntity marks carried attributes as unchanged and everything else as
// unloaded. Reading an unloaded attribute is a programming error and panics
// with *NotLoadedError rather than returning a zero value.
//
// # Invariants
//
//   - A Field never reverts to unloaded once loaded or set.
//   - A Field mutation moves unchanged -> set and stays set.
//   - A Relation never holds the same key as both added and removed.
//   - Relation.Reset always wins over earlier diff history.
//
// Holders are not safe for concurrent mutation. An entity is owned by one
// logical unit of work at a time.
package entity
