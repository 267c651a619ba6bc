package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/roach88/bagua/internal/querysql"
	"github.com/roach88/bagua/internal/schema"
)

// DefaultDriver is used when Config.Driver is empty.
const DefaultDriver = "sqlite3"

// Config describes how to open a pool.
type Config struct {
	// Driver is a database/sql driver name: sqlite3, sqlite or pgx.
	Driver string
	// DSN is the data source. For SQLite drivers a plain file path.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration
}

// Pool is a connection pool. It implements txn.Pool[*Conn].
type Pool struct {
	db       *sql.DB
	driver   string
	compiler *querysql.Compiler
}

// Open opens the database described by cfg, applies the SQLite pragmas and
// runs the framework migrations. It is idempotent.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	if cfg.DSN == "" {
		return nil, errors.New("open database: empty DSN")
	}
	dialect, err := querysql.DialectFor(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	dsn := cfg.DSN
	if dialect == querysql.SQLite {
		dsn = sqliteDSN(cfg.Driver, cfg.DSN, cfg.BusyTimeout)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	p := &Pool{db: db, driver: cfg.Driver, compiler: querysql.New(dialect)}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Debug("database opened", "driver", cfg.Driver, "dialect", dialect.String())
	return p, nil
}

// sqliteDSN appends per-connection pragmas in the syntax each driver expects.
func sqliteDSN(driver, path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	ms := busy.Milliseconds()

	q := url.Values{}
	switch driver {
	case "sqlite":
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
		q.Add("_pragma", "foreign_keys(1)")
	default:
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
		q.Set("_busy_timeout", fmt.Sprint(ms))
		q.Set("_foreign_keys", "on")
	}

	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// Conn takes a dedicated connection from the pool.
func (p *Pool) Conn(ctx context.Context) (*Conn, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &Conn{conn: c}, nil
}

// DB returns the underlying sql.DB for statements outside any transaction.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Driver returns the driver name the pool was opened with.
func (p *Pool) Driver() string {
	return p.driver
}

// Dialect returns the SQL dialect of the pool's driver.
func (p *Pool) Dialect() querysql.Dialect {
	return p.compiler.Dialect()
}

// Compiler returns the statement compiler for the pool's dialect.
func (p *Pool) Compiler() *querysql.Compiler {
	return p.compiler
}

// Stats returns database/sql pool statistics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Close closes the pool.
func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureTables creates the tables of every entity in s that do not exist
// yet. All DDL runs in one transaction.
func (p *Pool) EnsureTables(ctx context.Context, s *schema.Schema) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure tables: begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range s.Entities {
		for _, stmt := range p.compiler.CreateTables(e) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("ensure tables for %s: %w", e.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ensure tables: commit: %w", err)
	}
	return nil
}
