package entity

// Names of the projections every entity has implicitly.
const (
	FullProjection    = "full"
	MinimalProjection = "minimal"
)

// Projection is a named, field-limited view of entity E.
//
// ToEntity must be pure and total: carried attributes become Unchanged and
// omitted ones Unloaded. Failures surface later, on the first read of an
// unloaded attribute.
type Projection[E any] interface {
	ProjectionName() string
	ToEntity() E
}

// Destination is a projection that a repository can scan rows into.
//
// FieldDest returns a pointer suitable for sql.Rows.Scan for the named
// field (the identity field included), or nil if the projection does not
// carry it.
type Destination interface {
	ProjectionName() string
	FieldDest(field string) any
}

// RelationDestination is implemented by projections that carry relations.
// ScanRelationItem is called once per member row; the projection allocates
// a key of its own type and passes its address to scan.
type RelationDestination interface {
	ScanRelationItem(relation string, scan func(dest any) error) error
}

// Slot is the type-erased view of a *Field used to build write statements.
type Slot interface {
	State() FieldState
	AnyValue() (any, bool)
	ChangedAny() (any, bool)
}

// RelationSlot is the type-erased view of a *Relation used to persist diffs.
type RelationSlot interface {
	State() RelationState
	IsEmptyDiff() bool
	AddedKeys() []any
	RemovedKeys() []any
	ResetKeys() []any
}

// Record exposes an entity's slots by schema name. Entities implement it by
// hand; names match the entity's schema description.
type Record interface {
	EntityName() string
	IDValue() any
	FieldSlot(name string) Slot
	RelationSlot(name string) RelationSlot
}

var (
	_ Slot         = (*Field[int])(nil)
	_ RelationSlot = (*Relation[ID, ID])(nil)
)
