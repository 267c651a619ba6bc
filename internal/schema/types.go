// Package schema compiles CUE entity descriptions into the table layout the
// repository and statement compiler work from.
//
// A description declares the table, identity column, scalar fields, to-many
// relations (one join table each) and named projections:
//
//	entity: Account: {
//		table: "accounts"
//		id:    "id"
//		fields: email: {column: "email", type: "string", biz_id: true}
//		relations: groups: {table: "account_groups", owner: "account_id", item: "group_id"}
//		projections: profile: ["email"]
//	}
//
// Every entity also gets the implicit projections "full" (every field and
// relation) and "minimal" (identity only).
package schema

import (
	"fmt"
	"slices"

	"github.com/roach88/bagua/internal/entity"
)

// IDField is the name under which the identity is exposed to projections
// and records, whatever its column is called.
const IDField = "id"

// FieldType is the storage type of a scalar field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
	TypeFloat  FieldType = "float"
	TypeTime   FieldType = "time"
	TypeBytes  FieldType = "bytes"
)

// Valid reports whether t is a supported field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeBool, TypeFloat, TypeTime, TypeBytes:
		return true
	}
	return false
}

// Field is one scalar attribute.
type Field struct {
	Name     string
	Column   string
	Type     FieldType
	BizID    bool // part of a business identity; gets a unique index
	Nullable bool
}

// Relation is a to-many relation stored in a join table keyed by
// (owner, item).
type Relation struct {
	Name  string
	Table string
	Owner string
	Item  string
}

// Projection is a named subset of an entity's fields and relations.
// The identity is always carried and is not listed.
type Projection struct {
	Name      string
	Fields    []string
	Relations []string
}

// Carries reports whether the projection includes the named field or relation.
func (p *Projection) Carries(name string) bool {
	return name == IDField || slices.Contains(p.Fields, name) || slices.Contains(p.Relations, name)
}

// Entity is the compiled description of one entity type.
type Entity struct {
	Name      string
	Table     string
	IDColumn  string
	Fields    []Field
	Relations []Relation

	projections map[string]*Projection
	order       []string
}

// Field returns the named scalar field.
func (e *Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Relation returns the named relation.
func (e *Entity) Relation(name string) (Relation, bool) {
	for _, r := range e.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Projection returns the named projection, including the implicit ones.
func (e *Entity) Projection(name string) (*Projection, bool) {
	p, ok := e.projections[name]
	return p, ok
}

// ProjectionNames returns projection names in declaration order, implicit
// projections first.
func (e *Entity) ProjectionNames() []string {
	return slices.Clone(e.order)
}

// CheckProjection verifies that a Go projection type carries exactly the
// fields and relations its schema projection declares. Entities call it at
// startup so drift between the two is caught before the first query.
func (e *Entity) CheckProjection(dest entity.Destination, relations ...string) error {
	name := dest.ProjectionName()
	p, ok := e.Projection(name)
	if !ok {
		return fmt.Errorf("entity %s: unknown projection %q", e.Name, name)
	}
	if dest.FieldDest(IDField) == nil {
		return fmt.Errorf("entity %s: projection %q does not carry the identity", e.Name, name)
	}
	for _, f := range e.Fields {
		has := dest.FieldDest(f.Name) != nil
		if has != p.Carries(f.Name) {
			return fmt.Errorf("entity %s: projection %q: field %q carried=%t, schema says %t",
				e.Name, name, f.Name, has, p.Carries(f.Name))
		}
	}
	for _, r := range e.Relations {
		has := slices.Contains(relations, r.Name)
		if has != p.Carries(r.Name) {
			return fmt.Errorf("entity %s: projection %q: relation %q carried=%t, schema says %t",
				e.Name, name, r.Name, has, p.Carries(r.Name))
		}
	}
	return nil
}

// Schema is a set of compiled entities.
type Schema struct {
	Entities []*Entity
}

// Entity returns the named entity.
func (s *Schema) Entity(name string) (*Entity, bool) {
	for _, e := range s.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// MustEntity is Entity for embedded schemas; it panics if name is missing.
func (s *Schema) MustEntity(name string) *Entity {
	e, ok := s.Entity(name)
	if !ok {
		panic(fmt.Sprintf("schema: entity %q not declared", name))
	}
	return e
}
