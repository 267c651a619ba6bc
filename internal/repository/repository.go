// Package repository persists change-tracked entities through their schema
// description.
//
// Reads go through a projection: only the columns the projection carries
// are selected, and relations it carries are loaded into it. Writes go
// through entity.Record: Save inserts every loaded field, Update writes only
// the fields that were set and the pending relation diffs.
//
// Every operation takes the Querier to run on, normally the connection of
// the current transaction.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/querysql"
	"github.com/roach88/bagua/internal/schema"
	"github.com/roach88/bagua/internal/store"
)

// Repository reads and writes one entity type.
// It holds no connection state and is safe for concurrent use.
type Repository struct {
	entity   *schema.Entity
	compiler *querysql.Compiler
}

// New returns a repository for e.
func New(e *schema.Entity, compiler *querysql.Compiler) *Repository {
	return &Repository{entity: e, compiler: compiler}
}

// Entity returns the schema description the repository works from.
func (r *Repository) Entity() *schema.Entity {
	return r.entity
}

// Find loads the row with identity id into dest, including any relation
// the projection carries. It returns false when no such row exists.
func (r *Repository) Find(ctx context.Context, q store.Querier, id any, dest entity.Destination) (bool, error) {
	name := dest.ProjectionName()
	sel, err := r.compiler.SelectProjection(r.entity, name, id)
	if err != nil {
		return false, err
	}

	targets := make([]any, len(sel.Fields))
	for i, f := range sel.Fields {
		if targets[i] = dest.FieldDest(f); targets[i] == nil {
			return false, fmt.Errorf("find %s: projection %q cannot hold field %q", r.entity.Name, name, f)
		}
	}

	if err := q.QueryRowContext(ctx, sel.SQL, sel.Args...).Scan(targets...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("find %s: %w", r.entity.Name, err)
	}

	p, _ := r.entity.Projection(name)
	for _, rel := range r.entity.Relations {
		if !p.Carries(rel.Name) {
			continue
		}
		rd, ok := dest.(entity.RelationDestination)
		if !ok {
			return false, fmt.Errorf("find %s: projection %q carries relation %q but cannot hold it",
				r.entity.Name, name, rel.Name)
		}
		if err := r.scanRelation(ctx, q, rel, id, rd); err != nil {
			return false, err
		}
	}
	return true, nil
}

// LoadRelation scans the members of one relation of owner id into dest.
func (r *Repository) LoadRelation(ctx context.Context, q store.Querier, id any, relation string, dest entity.RelationDestination) error {
	rel, ok := r.entity.Relation(relation)
	if !ok {
		return fmt.Errorf("entity %s: unknown relation %q", r.entity.Name, relation)
	}
	return r.scanRelation(ctx, q, rel, id, dest)
}

func (r *Repository) scanRelation(ctx context.Context, q store.Querier, rel schema.Relation, owner any, dest entity.RelationDestination) error {
	stmt := r.compiler.SelectRelation(rel, owner)
	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return fmt.Errorf("load %s.%s: %w", r.entity.Name, rel.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		err := dest.ScanRelationItem(rel.Name, func(target any) error {
			return rows.Scan(target)
		})
		if err != nil {
			return fmt.Errorf("load %s.%s: %w", r.entity.Name, rel.Name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load %s.%s: %w", r.entity.Name, rel.Name, err)
	}
	return nil
}

// Exists reports whether a row with identity id exists.
func (r *Repository) Exists(ctx context.Context, q store.Querier, id any) (bool, error) {
	stmt := r.compiler.Exists(r.entity, id)
	var one int
	err := q.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", r.entity.Name, err)
	}
	return true, nil
}

// Save inserts rec as a new row, then writes its pending relation diffs.
// A row that collides with an existing identity or business identity is
// not written and SaveConflict is returned.
func (r *Repository) Save(ctx context.Context, q store.Querier, rec entity.Record) (SaveEffect, error) {
	if err := r.check(rec); err != nil {
		return SaveOK, err
	}
	stmt, err := r.compiler.Insert(r.entity, rec)
	if err != nil {
		return SaveOK, fmt.Errorf("save %s: %w", r.entity.Name, err)
	}
	n, err := r.exec(ctx, q, "save", stmt)
	if err != nil {
		return SaveOK, err
	}
	if n == 0 {
		slog.Debug("save conflict", "entity", r.entity.Name, "id", rec.IDValue())
		return SaveConflict, nil
	}
	if err := r.writeRelations(ctx, q, rec); err != nil {
		return SaveOK, err
	}
	return SaveOK, nil
}

// Update writes the set fields and relation diffs of rec.
//
// When nothing changed no statement is issued and UpdateOK is returned
// without checking that the row exists.
func (r *Repository) Update(ctx context.Context, q store.Querier, rec entity.Record) (UpdateEffect, error) {
	if err := r.check(rec); err != nil {
		return UpdateOK, err
	}
	stmt, changed, err := r.compiler.Update(r.entity, rec)
	if err != nil {
		return UpdateOK, fmt.Errorf("update %s: %w", r.entity.Name, err)
	}

	relationsChanged := false
	for _, rel := range r.entity.Relations {
		slot := rec.RelationSlot(rel.Name)
		if slot != nil && !slot.IsEmptyDiff() {
			relationsChanged = true
			break
		}
	}

	switch {
	case changed:
		n, err := r.exec(ctx, q, "update", stmt)
		if err != nil {
			return UpdateOK, err
		}
		if n == 0 {
			return UpdateNotFound, nil
		}
	case relationsChanged:
		ok, err := r.Exists(ctx, q, rec.IDValue())
		if err != nil {
			return UpdateOK, err
		}
		if !ok {
			return UpdateNotFound, nil
		}
	default:
		slog.Debug("update skipped: nothing changed", "entity", r.entity.Name, "id", rec.IDValue())
		return UpdateOK, nil
	}

	if err := r.writeRelations(ctx, q, rec); err != nil {
		return UpdateOK, err
	}
	return UpdateOK, nil
}

// Delete removes the row with identity id. Relation members go with it
// through the join tables' cascading foreign keys.
func (r *Repository) Delete(ctx context.Context, q store.Querier, id any) (DeleteEffect, error) {
	n, err := r.exec(ctx, q, "delete", r.compiler.Delete(r.entity, id))
	if err != nil {
		return DeleteOK, err
	}
	if n == 0 {
		return DeleteNotFound, nil
	}
	return DeleteOK, nil
}

// writeRelations persists each relation's pending work. A reset replaces
// the whole membership; a diff deletes removed members by identity and
// inserts added ones, which needs no knowledge of the original membership.
func (r *Repository) writeRelations(ctx context.Context, q store.Querier, rec entity.Record) error {
	owner := rec.IDValue()
	for _, rel := range r.entity.Relations {
		slot := rec.RelationSlot(rel.Name)
		if slot == nil || slot.IsEmptyDiff() {
			continue
		}

		var add []any
		switch slot.State() {
		case entity.RelationReset:
			if _, err := r.exec(ctx, q, "clear "+rel.Name, r.compiler.ClearRelation(rel, owner)); err != nil {
				return err
			}
			add = slot.ResetKeys()
		case entity.RelationChanged:
			if stmt, ok := r.compiler.DeleteRelationItems(rel, owner, slot.RemovedKeys()); ok {
				if _, err := r.exec(ctx, q, "remove "+rel.Name, stmt); err != nil {
					return err
				}
			}
			add = slot.AddedKeys()
		}

		if stmt, ok := r.compiler.InsertRelation(rel, owner, add); ok {
			if _, err := r.exec(ctx, q, "add "+rel.Name, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Repository) check(rec entity.Record) error {
	if got := rec.EntityName(); got != r.entity.Name {
		return fmt.Errorf("repository for %s given a %s record", r.entity.Name, got)
	}
	return nil
}

// exec runs stmt and returns the number of rows affected.
func (r *Repository) exec(ctx context.Context, q store.Querier, op string, stmt querysql.Statement) (int64, error) {
	slog.Debug("repository exec", "entity", r.entity.Name, "op", op, "sql", stmt.SQL)
	res, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", op, r.entity.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s %s: rows affected: %w", op, r.entity.Name, err)
	}
	return n, nil
}
