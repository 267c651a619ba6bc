package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/bagua/internal/account"
	"github.com/roach88/bagua/internal/schema"
	"github.com/roach88/bagua/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	SchemaDir string // extra entity schemas whose tables are created too
}

// MigrateResult reports the state of the database after migrating.
type MigrateResult struct {
	Driver   string   `json:"driver"`
	Version  int      `json:"version"`
	Entities []string `json:"entities"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply migrations and create entity tables",
		Long: `Open the configured database, apply the built-in migrations (outbox)
and create the tables of the bundled account entity plus any entities
declared in --schema.

Examples:
  bagua migrate --db ./bagua.db
  bagua migrate --driver pgx --db postgres://localhost/bagua --schema ./schemas`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SchemaDir, "schema", "", "directory of additional CUE entity schemas")
	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	var extra *schema.Schema
	if opts.SchemaDir != "" {
		s, err := schema.LoadDir(opts.SchemaDir)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeSchema, "failed to load schema", err)
		}
		extra = s
	}

	pool, err := openStore(ctx, opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(pool)

	result := MigrateResult{Driver: pool.Driver(), Entities: []string{account.EntityName}}
	if err := account.EnsureTables(ctx, pool); err != nil {
		return f.Fail(ExitFailure, ErrCodeStore, "failed to create account tables", err)
	}
	if extra != nil {
		if err := pool.EnsureTables(ctx, extra); err != nil {
			return f.Fail(ExitFailure, ErrCodeStore, "failed to create schema tables", err)
		}
		for _, e := range extra.Entities {
			result.Entities = append(result.Entities, e.Name)
		}
	}

	if result.Version, err = pool.Version(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeStore, "failed to read schema version", err)
	}
	slog.Info("database migrated", "driver", result.Driver, "version", result.Version,
		"latest", store.SchemaVersion(pool.Dialect()))

	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s database at version %d\n", result.Driver, result.Version)
		for _, name := range result.Entities {
			fmt.Fprintf(w, "  tables ready: %s\n", name)
		}
	})
}
