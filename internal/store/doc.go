// Package store provides the database/sql backed connection pool that
// transaction coordinators draw their connections from.
//
// Supported drivers:
//   - sqlite3: github.com/mattn/go-sqlite3 (default, CGO)
//   - sqlite: modernc.org/sqlite (pure Go)
//   - pgx: github.com/jackc/pgx/v5/stdlib
//
// # SQLite configuration
//
// Every pooled SQLite connection is opened with:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout: wait for locks instead of failing with SQLITE_BUSY
//   - foreign_keys=ON: join tables cascade when their owner is deleted
//
// The pragmas travel in the DSN so that each connection the pool opens gets
// them, not only the first.
//
// # Framework tables
//
// Framework tables (the outbox) are created by numbered migrations embedded
// per dialect. SQLite tracks the applied version in PRAGMA user_version;
// Postgres in a one-row bagua_schema_version table.
package store
