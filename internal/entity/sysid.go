package entity

import (
	"sync"

	"github.com/google/uuid"
)

// ID is a string identity usable directly as a relation item.
type ID string

// Key implements Keyed.
func (id ID) Key() ID { return id }

// String returns the identity as a plain string.
func (id ID) String() string { return string(id) }

// NewSysID returns a new time-sortable UUIDv7 identity.
//
// Panics if the random source fails.
func NewSysID() ID {
	return ID(uuid.Must(uuid.NewV7()).String())
}

// IDGenerator produces identities for new entities and outbox messages.
type IDGenerator interface {
	NewID() ID
}

// UUIDv7Generator generates identities with NewSysID.
// It is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID implements IDGenerator.
func (UUIDv7Generator) NewID() ID {
	return NewSysID()
}

// FixedIDs returns predetermined identities in order, for deterministic tests.
type FixedIDs struct {
	mu  sync.Mutex
	ids []ID
	idx int
}

// NewFixedIDs creates a generator that returns ids in order.
func NewFixedIDs(ids ...ID) *FixedIDs {
	return &FixedIDs{ids: ids}
}

// NewID returns the next predetermined identity.
// Panics once every identity has been consumed.
func (g *FixedIDs) NewID() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedIDs: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
