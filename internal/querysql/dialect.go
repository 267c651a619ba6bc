package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/bagua/internal/schema"
)

// Dialect selects placeholder syntax and column types.
type Dialect int

const (
	// SQLite uses ? placeholders.
	SQLite Dialect = iota
	// Postgres uses $n placeholders.
	Postgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("no SQL dialect for driver %q", driver)
	}
}

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// Placeholder returns the parameter marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// ColumnType returns the DDL type for a field type.
func (d Dialect) ColumnType(t schema.FieldType) string {
	if d == Postgres {
		switch t {
		case schema.TypeInt:
			return "BIGINT"
		case schema.TypeBool:
			return "BOOLEAN"
		case schema.TypeFloat:
			return "DOUBLE PRECISION"
		case schema.TypeTime:
			return "TIMESTAMPTZ"
		case schema.TypeBytes:
			return "BYTEA"
		default:
			return "TEXT"
		}
	}
	switch t {
	case schema.TypeInt, schema.TypeBool:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeTime:
		return "TIMESTAMP"
	case schema.TypeBytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// quote quotes an identifier. Both dialects accept ANSI double quotes.
func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// args accumulates statement arguments and hands out placeholders.
type args struct {
	dialect Dialect
	values  []any
}

func (a *args) add(v any) string {
	a.values = append(a.values, v)
	return a.dialect.Placeholder(len(a.values))
}
