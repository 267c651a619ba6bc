package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bagua/internal/config"
)

// execute runs the root command with args and an environment free of
// BAGUA_* overrides.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, name := range []string{config.EnvDriver, config.EnvDSN, config.EnvLogLevel} {
		t.Setenv(name, "")
	}
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "bagua.db")
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "bagua", cmd.Use)
	assert.Contains(t, cmd.Long, "outbox")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"migrate"},
		{"schema", "validate"},
		{"outbox", "relay"},
		{"outbox", "pending"},
		{"demo"},
		{"test"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	for _, name := range []string{"db", "driver"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	_, err := execute(t, "--format", "invalid", "migrate", "--db", tempDB(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestResolve_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bagua.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: from-file.db
  max_open_conns: 3
outbox:
  relay_interval: 30s
log:
  level: warn
`), 0o644))

	t.Setenv(config.EnvDriver, "")
	t.Setenv(config.EnvLogLevel, "")
	t.Setenv(config.EnvDSN, "from-env.db")

	opts := &RootOptions{ConfigPath: path}
	cmd := &cobra.Command{}
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, opts.resolve(cmd))
	assert.Equal(t, "from-env.db", opts.Config.Database.DSN)
	assert.Equal(t, 3, opts.Config.Database.MaxOpenConns)
	assert.Equal(t, 30*time.Second, opts.Config.Outbox.RelayInterval)
	assert.Equal(t, "warn", opts.Config.Log.Level)

	opts = &RootOptions{ConfigPath: path, DSN: "from-flag.db", Driver: "sqlite"}
	require.NoError(t, opts.resolve(cmd))
	assert.Equal(t, "from-flag.db", opts.Config.Database.DSN)
	assert.Equal(t, "sqlite", opts.Config.Database.Driver)
}

func TestResolve_Errors(t *testing.T) {
	t.Setenv(config.EnvDriver, "")
	t.Setenv(config.EnvDSN, "")
	t.Setenv(config.EnvLogLevel, "")
	cmd := &cobra.Command{}

	err := (&RootOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}).resolve(cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")

	err = (&RootOptions{Driver: "oracle"}).resolve(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported driver "oracle"`)
}
