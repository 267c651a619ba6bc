package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/schema"
	"github.com/roach88/bagua/internal/store"
)

const teamSrc = `
entity: Team: {
	table: "teams"
	id:    "id"
	fields: {
		name:  {type: "string", biz_id: true}
		size:  {type: "int"}
		motto: {type: "string", nullable: true}
	}
	relations: members: {table: "team_members", owner: "team_id", item: "member_id"}
	projections: {
		label:  ["name"]
		roster: ["name", "members"]
	}
}
`

type team struct {
	ID      entity.ID
	Name    entity.Field[string]
	Size    entity.Field[int]
	Motto   entity.Field[*string]
	Members entity.Relation[entity.ID, entity.ID]
}

func (t *team) EntityName() string { return "Team" }
func (t *team) IDValue() any       { return t.ID }

func (t *team) FieldSlot(name string) entity.Slot {
	switch name {
	case "name":
		return &t.Name
	case "size":
		return &t.Size
	case "motto":
		return &t.Motto
	}
	return nil
}

func (t *team) RelationSlot(name string) entity.RelationSlot {
	if name == "members" {
		return &t.Members
	}
	return nil
}

type teamFull struct {
	ID      entity.ID
	Name    string
	Size    int
	Motto   *string
	Members []entity.ID
}

func (*teamFull) ProjectionName() string { return entity.FullProjection }

func (p *teamFull) FieldDest(field string) any {
	switch field {
	case "id":
		return &p.ID
	case "name":
		return &p.Name
	case "size":
		return &p.Size
	case "motto":
		return &p.Motto
	}
	return nil
}

func (p *teamFull) ScanRelationItem(relation string, scan func(any) error) error {
	var id entity.ID
	if err := scan(&id); err != nil {
		return err
	}
	p.Members = append(p.Members, id)
	return nil
}

func (p *teamFull) ToEntity() team {
	return team{
		ID:      p.ID,
		Name:    entity.Unchanged(p.Name),
		Size:    entity.Unchanged(p.Size),
		Motto:   entity.Unchanged(p.Motto),
		Members: entity.UnchangedRelation(entity.NewCollection[entity.ID, entity.ID](p.Members...)),
	}
}

type teamLabel struct {
	ID   entity.ID
	Name string
}

func (*teamLabel) ProjectionName() string { return "label" }

func (p *teamLabel) FieldDest(field string) any {
	switch field {
	case "id":
		return &p.ID
	case "name":
		return &p.Name
	}
	return nil
}

func (p *teamLabel) ToEntity() team {
	return team{ID: p.ID, Name: entity.Unchanged(p.Name)}
}

// teamRosterNoRelations claims the roster projection but cannot hold its
// relation.
type teamRosterNoRelations struct{ teamLabel }

func (*teamRosterNoRelations) ProjectionName() string { return "roster" }

type fixture struct {
	repo *Repository
	pool *store.Pool
	db   *sql.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	pool, err := store.Open(ctx, store.Config{DSN: filepath.Join(t.TempDir(), "repo.db")})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s, err := schema.LoadSource("team.cue", teamSrc)
	require.NoError(t, err)
	require.NoError(t, pool.EnsureTables(ctx, s))

	return fixture{
		repo: New(s.MustEntity("Team"), pool.Compiler()),
		pool: pool,
		db:   pool.DB(),
	}
}

func newTeam(id entity.ID, name string, members ...entity.ID) *team {
	return &team{
		ID:      id,
		Name:    entity.Set(name),
		Size:    entity.Set(len(members)),
		Motto:   entity.Set[*string](nil),
		Members: entity.ResetRelation(entity.NewCollection[entity.ID, entity.ID](members...)),
	}
}

func (f fixture) members(t *testing.T, id entity.ID) []entity.ID {
	t.Helper()
	var p teamFull
	require.NoError(t, f.repo.LoadRelation(context.Background(), f.db, id, "members", &p))
	return p.Members
}

func (f fixture) find(t *testing.T, id entity.ID) (teamFull, bool) {
	t.Helper()
	var p teamFull
	found, err := f.repo.Find(context.Background(), f.db, id, &p)
	require.NoError(t, err)
	return p, found
}

// countingQuerier counts statements that reach the database.
type countingQuerier struct {
	store.Querier
	execs int
}

func (c *countingQuerier) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.execs++
	return c.Querier.ExecContext(ctx, query, args...)
}

func TestSaveAndFind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eff, err := f.repo.Save(ctx, f.db, newTeam("t1", "core", "u2", "u1"))
	require.NoError(t, err)
	assert.Equal(t, SaveOK, eff)

	p, found := f.find(t, "t1")
	require.True(t, found)
	assert.Equal(t, "core", p.Name)
	assert.Equal(t, 2, p.Size)
	assert.Nil(t, p.Motto)
	assert.Equal(t, []entity.ID{"u1", "u2"}, p.Members, "members load in key order")

	loaded := p.ToEntity()
	assert.Equal(t, entity.RelationUnchanged, loaded.Members.State())
}

func TestFind_Missing(t *testing.T) {
	f := newFixture(t)
	_, found := f.find(t, "nope")
	assert.False(t, found)
}

func TestFind_ProjectionSelectsOnlyItsColumns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Save(ctx, f.db, newTeam("t1", "core", "u1"))
	require.NoError(t, err)

	var p teamLabel
	found, err := f.repo.Find(ctx, f.db, entity.ID("t1"), &p)
	require.NoError(t, err)
	require.True(t, found)

	tm := p.ToEntity()
	assert.Equal(t, "core", tm.Name.Value())
	assert.True(t, entity.IsNotLoaded(func() (r any) {
		defer func() { r = recover() }()
		tm.Size.Value()
		return nil
	}()))
	assert.Equal(t, entity.RelationUnloaded, tm.Members.State())
}

func TestFind_ProjectionMissingRelationHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Save(ctx, f.db, newTeam("t1", "core"))
	require.NoError(t, err)

	_, err = f.repo.Find(ctx, f.db, entity.ID("t1"), &teamRosterNoRelations{})
	assert.ErrorContains(t, err, `carries relation "members" but cannot hold it`)
}

func TestSave_Conflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.Save(ctx, f.db, newTeam("t1", "core", "u1"))
	require.NoError(t, err)

	eff, err := f.repo.Save(ctx, f.db, newTeam("t1", "other", "u9"))
	require.NoError(t, err)
	assert.Equal(t, SaveConflict, eff, "same identity")

	eff, err = f.repo.Save(ctx, f.db, newTeam("t2", "core"))
	require.NoError(t, err)
	assert.Equal(t, SaveConflict, eff, "same business identity")

	assert.Equal(t, []entity.ID{"u1"}, f.members(t, "t1"), "conflicting save writes no relation rows")
}

func TestSave_UnloadedRequiredField(t *testing.T) {
	f := newFixture(t)
	tm := &team{ID: "t1", Name: entity.Set("core")}

	_, err := f.repo.Save(context.Background(), f.db, tm)
	assert.ErrorIs(t, err, entity.ErrNotLoaded)
}

func TestSave_WrongRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Save(context.Background(), f.db, wrongRecord{newTeam("t1", "core")})
	assert.ErrorContains(t, err, "repository for Team given a Squad record")
}

type wrongRecord struct{ *team }

func (wrongRecord) EntityName() string { return "Squad" }

func TestUpdate_WritesOnlySetFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Save(ctx, f.db, newTeam("t1", "core", "u1"))
	require.NoError(t, err)

	// Another writer changes size; our update only touches motto.
	_, err = f.db.Exec(`UPDATE "teams" SET "size" = 42 WHERE "id" = 't1'`)
	require.NoError(t, err)

	motto := "ship it"
	tm := &team{ID: "t1", Name: entity.Unchanged("core"), Size: entity.Unchanged(1)}
	tm.Motto.Set(&motto)

	eff, err := f.repo.Update(ctx, f.db, tm)
	require.NoError(t, err)
	assert.Equal(t, UpdateOK, eff)

	p, _ := f.find(t, "t1")
	assert.Equal(t, 42, p.Size)
	require.NotNil(t, p.Motto)
	assert.Equal(t, "ship it", *p.Motto)
}

func TestUpdate_NothingChangedIssuesNoStatement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := &countingQuerier{Querier: f.db}

	p := teamFull{ID: "ghost", Name: "x"}
	tm := p.ToEntity()
	eff, err := f.repo.Update(ctx, q, &tm)
	require.NoError(t, err)
	assert.Equal(t, UpdateOK, eff)
	assert.Zero(t, q.execs)

	// Redundant edits on a loaded relation leave nothing to write.
	tm.Members.Remove("absent")
	eff, err = f.repo.Update(ctx, q, &tm)
	require.NoError(t, err)
	assert.Equal(t, UpdateOK, eff)
	assert.Zero(t, q.execs)
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tm := &team{ID: "ghost"}
	tm.Size.Set(3)
	eff, err := f.repo.Update(ctx, f.db, tm)
	require.NoError(t, err)
	assert.Equal(t, UpdateNotFound, eff)

	rel := &team{ID: "ghost"}
	rel.Members.Add("u1")
	eff, err = f.repo.Update(ctx, f.db, rel)
	require.NoError(t, err)
	assert.Equal(t, UpdateNotFound, eff, "relation-only update checks existence")

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM "team_members"`).Scan(&n))
	assert.Zero(t, n)
}

func TestUpdate_RelationDiffAgainstUnknownBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Save(ctx, f.db, newTeam("t1", "core", "u1", "u2", "u3"))
	require.NoError(t, err)

	// Loaded through a projection without members: the baseline is unknown.
	var p teamLabel
	_, err = f.repo.Find(ctx, f.db, entity.ID("t1"), &p)
	require.NoError(t, err)
	tm := p.ToEntity()
	tm.Members.Remove("u2")
	tm.Members.Add("u4")
	tm.Members.Add("u1") // already a member; insert is conflict-ignoring
	require.False(t, tm.Members.OriginKnown())

	eff, err := f.repo.Update(ctx, f.db, &tm)
	require.NoError(t, err)
	assert.Equal(t, UpdateOK, eff)
	assert.Equal(t, []entity.ID{"u1", "u3", "u4"}, f.members(t, "t1"))
}

func TestUpdate_ResetReplacesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Save(ctx, f.db, newTeam("t1", "core", "u1", "u2"))
	require.NoError(t, err)

	p, _ := f.find(t, "t1")
	tm := p.ToEntity()
	tm.Members.Add("u3")
	tm.Members.Reset(entity.NewCollection[entity.ID, entity.ID]("u9"))
	tm.Members.Add("u8")

	eff, err := f.repo.Update(ctx, f.db, &tm)
	require.NoError(t, err)
	assert.Equal(t, UpdateOK, eff)
	assert.Equal(t, []entity.ID{"u8", "u9"}, f.members(t, "t1"))

	// Reset to empty clears everything.
	tm.Members.Reset(entity.Collection[entity.ID, entity.ID]{})
	_, err = f.repo.Update(ctx, f.db, &tm)
	require.NoError(t, err)
	assert.Empty(t, f.members(t, "t1"))
}

func TestDeleteAndExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Save(ctx, f.db, newTeam("t1", "core", "u1"))
	require.NoError(t, err)

	ok, err := f.repo.Exists(ctx, f.db, entity.ID("t1"))
	require.NoError(t, err)
	assert.True(t, ok)

	eff, err := f.repo.Delete(ctx, f.db, entity.ID("t1"))
	require.NoError(t, err)
	assert.Equal(t, DeleteOK, eff)

	ok, err = f.repo.Exists(ctx, f.db, entity.ID("t1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.members(t, "t1"), "members cascade")

	eff, err = f.repo.Delete(ctx, f.db, entity.ID("t1"))
	require.NoError(t, err)
	assert.Equal(t, DeleteNotFound, eff)
}

func TestLoadRelation_Unknown(t *testing.T) {
	f := newFixture(t)
	err := f.repo.LoadRelation(context.Background(), f.db, entity.ID("t1"), "owners", &teamFull{})
	assert.ErrorContains(t, err, `unknown relation "owners"`)
}

func TestRepository_InsideTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, err := f.pool.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Begin(ctx))
	_, err = f.repo.Save(ctx, conn, newTeam("t1", "core", "u1"))
	require.NoError(t, err)
	require.NoError(t, conn.Rollback(ctx))

	_, found := f.find(t, "t1")
	assert.False(t, found)
}

func TestEffects_String(t *testing.T) {
	got := strings.Join([]string{
		SaveOK.String(), SaveConflict.String(),
		UpdateOK.String(), UpdateNotFound.String(),
		DeleteOK.String(), DeleteNotFound.String(),
	}, ",")
	assert.Equal(t, "ok,conflict,ok,not_found,ok,not_found", got)
	assert.True(t, SaveOK.IsOK())
	assert.False(t, UpdateNotFound.IsOK())
	assert.False(t, DeleteNotFound.IsOK())
}
