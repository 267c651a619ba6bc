package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/bagua/internal/querysql"
	"github.com/roach88/bagua/internal/schema"
)

// SchemaOptions holds flags for the schema subcommands.
type SchemaOptions struct {
	*RootOptions
	DDL bool // print the CREATE statements for the configured dialect
}

// EntitySummary describes one validated entity.
type EntitySummary struct {
	Name        string   `json:"name"`
	Table       string   `json:"table"`
	Fields      []string `json:"fields"`
	Relations   []string `json:"relations,omitempty"`
	Projections []string `json:"projections"`
	DDL         []string `json:"ddl,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Entities []EntitySummary `json:"entities,omitempty"`
}

// SchemaErrorDetails locates a schema error in its source.
type SchemaErrorDetails struct {
	Field string `json:"field,omitempty"`
	File  string `json:"file,omitempty"`
	Line  int    `json:"line,omitempty"`
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with CUE entity schemas",
	}
	cmd.AddCommand(newSchemaValidateCommand(&SchemaOptions{RootOptions: rootOpts}))
	return cmd
}

func newSchemaValidateCommand(opts *SchemaOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate entity schemas",
		Long: `Compile the CUE entity schemas in a directory and report the entities,
fields, relations and projections they declare. With --ddl, also print
the CREATE statements for the configured database dialect.

Examples:
  bagua schema validate ./schemas
  bagua schema validate ./schemas --ddl --driver pgx
  bagua schema validate ./schemas --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaValidate(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.DDL, "ddl", false, "print CREATE statements")
	return cmd
}

func runSchemaValidate(opts *SchemaOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	s, err := schema.LoadDir(dir)
	if err != nil {
		var ce *schema.CompileError
		if errors.As(err, &ce) {
			details := SchemaErrorDetails{Field: ce.Field}
			if ce.Pos.IsValid() {
				details.File = ce.Pos.Filename()
				details.Line = ce.Pos.Line()
			}
			if outErr := f.Error(ErrCodeSchema, err.Error(), details); outErr != nil {
				return outErr
			}
			e := WrapExitError(ExitFailure, "schema invalid", err)
			e.reported = true
			return e
		}
		return f.Fail(ExitCommandError, ErrCodeSchema, "failed to load schema", err)
	}
	f.VerboseLog("Loaded %d entities from %s", len(s.Entities), dir)

	var compiler *querysql.Compiler
	if opts.DDL {
		d, err := querysql.DialectFor(opts.Config.Database.Driver)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeConfig, "unsupported driver", err)
		}
		compiler = querysql.New(d)
	}

	result := ValidationResult{Valid: true}
	for _, e := range s.Entities {
		sum := EntitySummary{Name: e.Name, Table: e.Table, Projections: e.ProjectionNames()}
		for _, fd := range e.Fields {
			sum.Fields = append(sum.Fields, fd.Name)
		}
		for _, r := range e.Relations {
			sum.Relations = append(sum.Relations, r.Name)
		}
		if compiler != nil {
			sum.DDL = compiler.CreateTables(e)
		}
		result.Entities = append(result.Entities, sum)
	}

	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d entities valid\n", len(result.Entities))
		for _, e := range result.Entities {
			fmt.Fprintf(w, "  %s (table %s)\n", e.Name, e.Table)
			fmt.Fprintf(w, "    fields:      %s\n", strings.Join(e.Fields, ", "))
			if len(e.Relations) > 0 {
				fmt.Fprintf(w, "    relations:   %s\n", strings.Join(e.Relations, ", "))
			}
			fmt.Fprintf(w, "    projections: %s\n", strings.Join(e.Projections, ", "))
			for _, stmt := range e.DDL {
				fmt.Fprintf(w, "    %s;\n", stmt)
			}
		}
	})
}
