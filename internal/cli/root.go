package cli

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/bagua/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Driver     string
	DSN        string

	// Config is resolved before any subcommand runs: defaults, then the
	// config file, then the environment, then the flags above.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the bagua CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bagua",
		Short: "bagua - entity change tracking with transactional side effects",
		Long: `Operate a bagua store: apply migrations, validate entity schemas,
relay the transactional outbox and run transaction conformance scenarios.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "database driver (sqlite3|sqlite|pgx)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "db", "", "database DSN; a file path for SQLite")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// resolve loads the configuration, applies flag overrides and installs the
// default logger.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Driver != "" {
		cfg.Database.Driver = o.Driver
	}
	if o.DSN != "" {
		cfg.Database.DSN = o.DSN
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	o.Config = cfg

	level, _ := config.ParseLevel(cfg.Log.Level)
	if o.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	})))
	return nil
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := NewRootCommand().Execute()
	if err == nil {
		return ExitSuccess
	}
	if !Reported(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return GetExitCode(err)
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
