// Package querysql compiles entity descriptions and change-tracked records
// into parameterized SQL.
//
// All values are passed as arguments, never interpolated. Every multi-row
// SELECT carries an ORDER BY so results are deterministic.
package querysql

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/schema"
)

// DefaultCacheSize is the number of compiled projection SELECTs kept.
const DefaultCacheSize = 256

// Statement is one SQL statement with its arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Select is a projection SELECT. Fields lists the scanned fields in column
// order, identity first.
type Select struct {
	Statement
	Fields []string
}

type selectPlan struct {
	sql    string
	fields []string
}

// Compiler builds statements for one dialect.
// It is safe for concurrent use.
type Compiler struct {
	dialect Dialect
	cache   *lru.Cache[string, selectPlan]
}

// Option configures a Compiler.
type Option func(*compilerConfig)

type compilerConfig struct {
	cacheSize int
}

// WithCacheSize sets the projection SELECT cache size.
func WithCacheSize(n int) Option {
	return func(c *compilerConfig) { c.cacheSize = n }
}

// New creates a Compiler for dialect d.
func New(d Dialect, opts ...Option) *Compiler {
	cfg := compilerConfig{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := lru.New[string, selectPlan](cfg.cacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		cache, _ = lru.New[string, selectPlan](DefaultCacheSize)
	}
	return &Compiler{dialect: d, cache: cache}
}

// Dialect returns the compiler's dialect.
func (c *Compiler) Dialect() Dialect {
	return c.dialect
}

// SelectProjection compiles the SELECT of one row through a projection.
// Relations carried by the projection are loaded separately with
// SelectRelation.
func (c *Compiler) SelectProjection(e *schema.Entity, projection string, id any) (Select, error) {
	key := e.Name + "\x00" + e.Table + "\x00" + projection
	plan, ok := c.cache.Get(key)
	if !ok {
		p, found := e.Projection(projection)
		if !found {
			return Select{}, fmt.Errorf("entity %s: unknown projection %q", e.Name, projection)
		}
		cols := []string{quote(e.IDColumn)}
		fields := []string{schema.IDField}
		for _, f := range e.Fields {
			if !p.Carries(f.Name) {
				continue
			}
			cols = append(cols, quote(f.Column))
			fields = append(fields, f.Name)
		}
		plan = selectPlan{
			sql: fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
				strings.Join(cols, ", "), quote(e.Table), quote(e.IDColumn), c.dialect.Placeholder(1)),
			fields: fields,
		}
		c.cache.Add(key, plan)
	}
	return Select{
		Statement: Statement{SQL: plan.sql, Args: []any{id}},
		Fields:    append([]string(nil), plan.fields...),
	}, nil
}

// Insert compiles an INSERT of every loaded field of rec. Rows that would
// violate a unique constraint are skipped, so zero rows affected means
// conflict.
func (c *Compiler) Insert(e *schema.Entity, rec entity.Record) (Statement, error) {
	a := &args{dialect: c.dialect}
	cols := []string{quote(e.IDColumn)}
	marks := []string{a.add(rec.IDValue())}
	for _, f := range e.Fields {
		slot := rec.FieldSlot(f.Name)
		if slot == nil {
			return Statement{}, fmt.Errorf("entity %s: record has no field %q", e.Name, f.Name)
		}
		v, ok := slot.AnyValue()
		if !ok {
			if f.Nullable {
				continue
			}
			return Statement{}, fmt.Errorf("entity %s: field %q: %w", e.Name, f.Name, entity.ErrNotLoaded)
		}
		cols = append(cols, quote(f.Column))
		marks = append(marks, a.add(v))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		quote(e.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	return Statement{SQL: sql, Args: a.values}, nil
}

// Update compiles an UPDATE of the fields of rec that are set. It returns
// false when no field changed and there is nothing to write.
func (c *Compiler) Update(e *schema.Entity, rec entity.Record) (Statement, bool, error) {
	a := &args{dialect: c.dialect}
	var sets []string
	for _, f := range e.Fields {
		slot := rec.FieldSlot(f.Name)
		if slot == nil {
			return Statement{}, false, fmt.Errorf("entity %s: record has no field %q", e.Name, f.Name)
		}
		v, ok := slot.ChangedAny()
		if !ok {
			continue
		}
		sets = append(sets, quote(f.Column)+" = "+a.add(v))
	}
	if len(sets) == 0 {
		return Statement{}, false, nil
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		quote(e.Table), strings.Join(sets, ", "), quote(e.IDColumn), a.add(rec.IDValue()))
	return Statement{SQL: sql, Args: a.values}, true, nil
}

// Delete compiles a DELETE of one row by identity.
func (c *Compiler) Delete(e *schema.Entity, id any) Statement {
	return Statement{
		SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s = %s", quote(e.Table), quote(e.IDColumn), c.dialect.Placeholder(1)),
		Args: []any{id},
	}
}

// Exists compiles an existence probe by identity.
func (c *Compiler) Exists(e *schema.Entity, id any) Statement {
	return Statement{
		SQL:  fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s LIMIT 1", quote(e.Table), quote(e.IDColumn), c.dialect.Placeholder(1)),
		Args: []any{id},
	}
}

// SelectRelation compiles the membership query of one owner.
func (c *Compiler) SelectRelation(r schema.Relation, owner any) Statement {
	return Statement{
		SQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
			quote(r.Item), quote(r.Table), quote(r.Owner), c.dialect.Placeholder(1), quote(r.Item)),
		Args: []any{owner},
	}
}

// InsertRelation compiles a multi-row insert of items. Members that are
// already present are skipped.
func (c *Compiler) InsertRelation(r schema.Relation, owner any, items []any) (Statement, bool) {
	if len(items) == 0 {
		return Statement{}, false
	}
	a := &args{dialect: c.dialect}
	rows := make([]string, len(items))
	for i, item := range items {
		rows[i] = "(" + a.add(owner) + ", " + a.add(item) + ")"
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES %s ON CONFLICT DO NOTHING",
		quote(r.Table), quote(r.Owner), quote(r.Item), strings.Join(rows, ", "))
	return Statement{SQL: sql, Args: a.values}, true
}

// DeleteRelationItems compiles the removal of items from one owner.
// It needs only identities, so it works against an unknown baseline.
func (c *Compiler) DeleteRelationItems(r schema.Relation, owner any, items []any) (Statement, bool) {
	if len(items) == 0 {
		return Statement{}, false
	}
	a := &args{dialect: c.dialect}
	ownerMark := a.add(owner)
	marks := make([]string, len(items))
	for i, item := range items {
		marks[i] = a.add(item)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s IN (%s)",
		quote(r.Table), quote(r.Owner), ownerMark, quote(r.Item), strings.Join(marks, ", "))
	return Statement{SQL: sql, Args: a.values}, true
}

// ClearRelation compiles the removal of every member of one owner.
func (c *Compiler) ClearRelation(r schema.Relation, owner any) Statement {
	return Statement{
		SQL:  fmt.Sprintf("DELETE FROM %s WHERE %s = %s", quote(r.Table), quote(r.Owner), c.dialect.Placeholder(1)),
		Args: []any{owner},
	}
}

// CreateTables returns the idempotent DDL for an entity table, its business
// identity index and its relation join tables.
func (c *Compiler) CreateTables(e *schema.Entity) []string {
	cols := []string{quote(e.IDColumn) + " TEXT PRIMARY KEY"}
	var biz []string
	for _, f := range e.Fields {
		col := quote(f.Column) + " " + c.dialect.ColumnType(f.Type)
		if !f.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
		if f.BizID {
			biz = append(biz, quote(f.Column))
		}
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", quote(e.Table), strings.Join(cols, ",\n  ")),
	}
	if len(biz) > 0 {
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote(e.Table+"_biz_id"), quote(e.Table), strings.Join(biz, ", ")))
	}
	for _, r := range e.Relations {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (\n  %s TEXT NOT NULL REFERENCES %s (%s) ON DELETE CASCADE,\n  %s TEXT NOT NULL,\n  PRIMARY KEY (%s, %s)\n)",
			quote(r.Table), quote(r.Owner), quote(e.Table), quote(e.IDColumn), quote(r.Item), quote(r.Owner), quote(r.Item)))
	}
	return stmts
}
