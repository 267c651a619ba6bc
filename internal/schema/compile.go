package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/bagua/internal/entity"
)

// Compile compiles every entity under the top-level "entity" struct of v.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	s, err := schema.Compile(v)
func Compile(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	entitiesVal := v.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, &CompileError{
			Field:   "entity",
			Message: "no entities declared",
			Pos:     v.Pos(),
		}
	}

	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{}
	tables := make(map[string]string)
	for iter.Next() {
		e, err := CompileEntity(iter.Value())
		if err != nil {
			return nil, err
		}
		for _, t := range e.tables() {
			if owner, dup := tables[t]; dup {
				return nil, &CompileError{
					Field:   "table",
					Message: fmt.Sprintf("table %q used by both %s and %s", t, owner, e.Name),
					Pos:     iter.Value().Pos(),
				}
			}
			tables[t] = e.Name
		}
		s.Entities = append(s.Entities, e)
	}
	return s, nil
}

// CompileEntity compiles one entity struct. The entity name is taken from
// the value's last path selector.
func CompileEntity(v cue.Value) (*Entity, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	e := &Entity{projections: make(map[string]*Projection)}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		e.Name = sels[len(sels)-1].String()
	}

	var err error
	if e.Table, err = requiredString(v, "table"); err != nil {
		return nil, err
	}
	if e.IDColumn, err = requiredString(v, "id"); err != nil {
		return nil, err
	}

	columns := map[string]string{e.IDColumn: IDField}

	if e.Fields, err = parseFields(v, columns); err != nil {
		return nil, err
	}
	if e.Relations, err = parseRelations(v, e); err != nil {
		return nil, err
	}
	if err := parseProjections(v, e); err != nil {
		return nil, err
	}
	return e, nil
}

func parseFields(v cue.Value, columns map[string]string) ([]Field, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, nil
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fields []Field
	for iter.Next() {
		name := iter.Label()
		fv := iter.Value()
		if name == IDField {
			return nil, &CompileError{
				Field:   "fields." + name,
				Message: "identity is declared with id, not as a field",
				Pos:     fv.Pos(),
			}
		}

		f := Field{Name: name, Column: name}
		if col, ok, err := optionalString(fv, "column"); err != nil {
			return nil, err
		} else if ok {
			f.Column = col
		}

		typ, err := requiredString(fv, "type")
		if err != nil {
			return nil, err
		}
		f.Type = FieldType(typ)
		if !f.Type.Valid() {
			return nil, &CompileError{
				Field:   "type",
				Message: fmt.Sprintf("field %s: unsupported type %q", name, typ),
				Pos:     fv.LookupPath(cue.ParsePath("type")).Pos(),
			}
		}

		if f.BizID, err = optionalBool(fv, "biz_id"); err != nil {
			return nil, err
		}
		if f.Nullable, err = optionalBool(fv, "nullable"); err != nil {
			return nil, err
		}

		if other, dup := columns[f.Column]; dup {
			return nil, &CompileError{
				Field:   "column",
				Message: fmt.Sprintf("column %q used by both %s and %s", f.Column, other, name),
				Pos:     fv.Pos(),
			}
		}
		columns[f.Column] = name
		fields = append(fields, f)
	}
	return fields, nil
}

func parseRelations(v cue.Value, e *Entity) ([]Relation, error) {
	relsVal := v.LookupPath(cue.ParsePath("relations"))
	if !relsVal.Exists() {
		return nil, nil
	}
	iter, err := relsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var rels []Relation
	for iter.Next() {
		name := iter.Label()
		rv := iter.Value()
		if hasField(e, name) || name == IDField {
			return nil, &CompileError{
				Field:   "relations." + name,
				Message: "name already used by a field",
				Pos:     rv.Pos(),
			}
		}

		r := Relation{Name: name}
		if r.Table, err = requiredString(rv, "table"); err != nil {
			return nil, err
		}
		if r.Owner, err = requiredString(rv, "owner"); err != nil {
			return nil, err
		}
		if r.Item, err = requiredString(rv, "item"); err != nil {
			return nil, err
		}
		if r.Owner == r.Item {
			return nil, &CompileError{
				Field:   "relations." + name,
				Message: fmt.Sprintf("owner and item share column %q", r.Owner),
				Pos:     rv.Pos(),
			}
		}
		if r.Table == e.Table {
			return nil, &CompileError{
				Field:   "relations." + name,
				Message: "join table must differ from the entity table",
				Pos:     rv.Pos(),
			}
		}
		rels = append(rels, r)
	}
	return rels, nil
}

func parseProjections(v cue.Value, e *Entity) error {
	full := &Projection{Name: entity.FullProjection}
	for _, f := range e.Fields {
		full.Fields = append(full.Fields, f.Name)
	}
	for _, r := range e.Relations {
		full.Relations = append(full.Relations, r.Name)
	}
	e.addProjection(full)
	e.addProjection(&Projection{Name: entity.MinimalProjection})

	projVal := v.LookupPath(cue.ParsePath("projections"))
	if !projVal.Exists() {
		return nil
	}
	iter, err := projVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Label()
		pv := iter.Value()
		if name == entity.FullProjection || name == entity.MinimalProjection {
			return &CompileError{
				Field:   "projections." + name,
				Message: "projection name is reserved",
				Pos:     pv.Pos(),
			}
		}

		list, err := pv.List()
		if err != nil {
			return formatCUEError(err)
		}
		p := &Projection{Name: name}
		seen := make(map[string]bool)
		for list.Next() {
			item, err := list.Value().String()
			if err != nil {
				return formatCUEError(err)
			}
			if item == IDField || seen[item] {
				continue
			}
			seen[item] = true
			switch {
			case hasField(e, item):
				p.Fields = append(p.Fields, item)
			case hasRelation(e, item):
				p.Relations = append(p.Relations, item)
			default:
				return &CompileError{
					Field:   "projections." + name,
					Message: fmt.Sprintf("unknown field %q", item),
					Pos:     list.Value().Pos(),
				}
			}
		}
		e.addProjection(p)
	}
	return nil
}

func (e *Entity) addProjection(p *Projection) {
	e.projections[p.Name] = p
	e.order = append(e.order, p.Name)
}

// tables returns every table the entity owns.
func (e *Entity) tables() []string {
	out := []string{e.Table}
	for _, r := range e.Relations {
		out = append(out, r.Table)
	}
	return out
}

func hasField(e *Entity, name string) bool {
	_, ok := e.Field(name)
	return ok
}

func hasRelation(e *Entity, name string) bool {
	_, ok := e.Relation(name)
	return ok
}

func requiredString(v cue.Value, field string) (string, error) {
	s, ok, err := optionalString(v, field)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", false, nil
	}
	s, err := fv.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
