package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"

	"github.com/roach88/bagua/internal/querysql"
)

// migrations holds numbered DDL files per dialect. File n (1-based, in name
// order) moves the schema from version n-1 to n.
//
//go:embed migrations
var migrations embed.FS

// versioner reads and writes the applied migration version.
type versioner interface {
	get(ctx context.Context, tx *sql.Tx) (int, error)
	set(ctx context.Context, tx *sql.Tx, v int) error
}

type sqliteVersion struct{}

func (sqliteVersion) get(ctx context.Context, tx *sql.Tx) (int, error) {
	var v int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return v, nil
}

func (sqliteVersion) set(ctx context.Context, tx *sql.Tx, v int) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

type postgresVersion struct{}

func (postgresVersion) get(ctx context.Context, tx *sql.Tx) (int, error) {
	if _, err := tx.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS bagua_schema_version (version INTEGER NOT NULL)"); err != nil {
		return 0, fmt.Errorf("create version table: %w", err)
	}
	var v int
	err := tx.QueryRowContext(ctx, "SELECT version FROM bagua_schema_version").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

func (postgresVersion) set(ctx context.Context, tx *sql.Tx, v int) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM bagua_schema_version"); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO bagua_schema_version (version) VALUES ($1)", v); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// migrationFiles returns the migration file names of a dialect in order.
func migrationFiles(d querysql.Dialect) ([]string, error) {
	names, err := fs.Glob(migrations, path.Join("migrations", d.String(), "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// SchemaVersion returns the newest migration version known to this build.
func SchemaVersion(d querysql.Dialect) int {
	names, _ := migrationFiles(d)
	return len(names)
}

// migrate applies every migration newer than the recorded version, in one
// transaction.
func (p *Pool) migrate(ctx context.Context) error {
	var ver versioner = sqliteVersion{}
	if p.Dialect() == querysql.Postgres {
		ver = postgresVersion{}
	}

	names, err := migrationFiles(p.Dialect())
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, err := ver.get(ctx, tx)
	if err != nil {
		return err
	}
	if current > len(names) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(names))
	}

	for i := current; i < len(names); i++ {
		ddl, err := migrations.ReadFile(names[i])
		if err != nil {
			return fmt.Errorf("read %s: %w", names[i], err)
		}
		if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", i+1, path.Base(names[i]), err)
		}
		slog.Debug("applied migration", "version", i+1, "file", path.Base(names[i]))
	}

	if current == len(names) {
		return nil
	}
	if err := ver.set(ctx, tx, len(names)); err != nil {
		return err
	}
	return tx.Commit()
}

// Version returns the migration version recorded in the database.
func (p *Pool) Version(ctx context.Context) (int, error) {
	var ver versioner = sqliteVersion{}
	if p.Dialect() == querysql.Postgres {
		ver = postgresVersion{}
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	return ver.get(ctx, tx)
}
