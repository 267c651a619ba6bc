// Package account is a small reference domain built on the entity,
// repository, outbox and use case packages.
//
// An Account has an email (its business identity), a display name, a
// status and a set of group memberships. Every state change is announced
// on the outbox in the same transaction that makes it.
package account

import (
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/schema"
)

//go:embed account.cue
var schemaSrc string

// EntityName is the schema name of Account.
const EntityName = "Account"

// Schema field and relation names.
const (
	FieldEmail       = "email"
	FieldDisplayName = "display_name"
	FieldStatus      = "status"
	RelationGroups   = "groups"
)

// ProfileProjection names the projection carrying every scalar field.
const ProfileProjection = "profile"

var loadSchema = sync.OnceValues(func() (*schema.Schema, error) {
	s, err := schema.LoadSource("account.cue", schemaSrc)
	if err != nil {
		return nil, err
	}
	e := s.MustEntity(EntityName)
	checks := []struct {
		dest      entity.Destination
		relations []string
	}{
		{&Full{}, []string{RelationGroups}},
		{&Profile{}, nil},
		{&Minimal{}, nil},
	}
	for _, c := range checks {
		if err := e.CheckProjection(c.dest, c.relations...); err != nil {
			return nil, err
		}
	}
	return s, nil
})

// Schema returns the compiled account schema. The Go projection types are
// checked against it on first use.
func Schema() (*schema.Schema, error) {
	return loadSchema()
}

// Status is the lifecycle state of an account.
type Status int

const (
	StatusActive Status = iota + 1
	StatusSuspended
	StatusClosed
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= StatusActive && s <= StatusClosed
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	return int64(s), nil
}

// Account is the tracked entity. Fields that were not loaded stay
// Unloaded and panic when read.
type Account struct {
	ID          entity.ID
	Email       entity.Field[string]
	DisplayName entity.Field[string]
	Status      entity.Field[Status]
	Groups      entity.Relation[entity.ID, entity.ID]
}

// New returns a fresh account ready to be saved: every field Set and the
// group membership Reset to groups.
func New(id entity.ID, email, displayName string, groups ...entity.ID) *Account {
	return &Account{
		ID:          id,
		Email:       entity.Set(email),
		DisplayName: entity.Set(displayName),
		Status:      entity.Set(StatusActive),
		Groups:      entity.ResetRelation(entity.NewCollection[entity.ID, entity.ID](groups...)),
	}
}

func (a *Account) EntityName() string { return EntityName }
func (a *Account) IDValue() any       { return a.ID }

func (a *Account) FieldSlot(name string) entity.Slot {
	switch name {
	case FieldEmail:
		return &a.Email
	case FieldDisplayName:
		return &a.DisplayName
	case FieldStatus:
		return &a.Status
	}
	return nil
}

func (a *Account) RelationSlot(name string) entity.RelationSlot {
	if name == RelationGroups {
		return &a.Groups
	}
	return nil
}

// Changed returns the names of the fields and relations that will be
// written on the next update, in schema order.
func (a *Account) Changed() []string {
	var out []string
	for _, name := range []string{FieldEmail, FieldDisplayName, FieldStatus} {
		if a.FieldSlot(name).State() == entity.StateSet {
			out = append(out, name)
		}
	}
	if !a.Groups.IsEmptyDiff() {
		out = append(out, RelationGroups)
	}
	return out
}

// Patch is a partial update decoded from JSON. Absent keys leave the
// account untouched.
type Patch struct {
	DisplayName entity.Optional[string]      `json:"display_name"`
	Status      entity.Optional[Status]      `json:"status"`
	Groups      entity.Optional[[]entity.ID] `json:"groups"`
}

// Validate rejects values an account cannot hold.
func (p Patch) Validate() error {
	if name, ok := p.DisplayName.Get(); ok && name == "" {
		return errors.New("display_name: must not be empty")
	}
	if st, ok := p.Status.Get(); ok && !st.Valid() {
		return fmt.Errorf("status: unknown status %d", int(st))
	}
	return nil
}

// Apply writes the present values of p into a.
func (p Patch) Apply(a *Account) {
	a.DisplayName.UpdateFrom(p.DisplayName)
	a.Status.UpdateFrom(p.Status)
	if ids, ok := p.Groups.Get(); ok {
		a.Groups.UpdateFrom(entity.Some(entity.NewCollection[entity.ID, entity.ID](ids...)))
	}
}
