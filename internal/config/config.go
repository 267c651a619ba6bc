// Package config loads bagua's runtime configuration.
//
// Precedence, lowest first: built-in defaults, a YAML file, environment
// variables, then command-line flags (applied by the CLI).
//
//	BAGUA_DB_DRIVER: sqlite3|sqlite|pgx (default sqlite3)
//	BAGUA_DB_DSN:    data source; a file path for the SQLite drivers
//	BAGUA_LOG_LEVEL: debug|info|warn|error
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bagua/internal/store"
)

// Environment variable names.
const (
	EnvDriver   = "BAGUA_DB_DRIVER"
	EnvDSN      = "BAGUA_DB_DSN"
	EnvLogLevel = "BAGUA_LOG_LEVEL"
)

// Config is the full runtime configuration.
type Config struct {
	Database Database `yaml:"database"`
	Runner   Runner   `yaml:"runner"`
	Outbox   Outbox   `yaml:"outbox"`
	Log      Log      `yaml:"log"`
}

// Database configures the connection pool.
type Database struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// Runner configures the deferred task runner.
type Runner struct {
	// QueueWarn logs a warning each time the backlog grows by this many
	// tasks. Zero disables it.
	QueueWarn int `yaml:"queue_warn"`
}

// Outbox configures the outbox relay.
type Outbox struct {
	RelayBatch    int           `yaml:"relay_batch"`
	RelayInterval time.Duration `yaml:"relay_interval"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{
			Driver:          store.DefaultDriver,
			DSN:             "bagua.db",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Runner: Runner{QueueWarn: 1000},
		Outbox: Outbox{RelayBatch: 100, RelayInterval: 5 * time.Second},
		Log:    Log{Level: "info"},
	}
}

// Load reads the defaults, overlays the YAML file at path (if path is not
// empty) and then the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected so that typos
// surface instead of silently falling back to defaults.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays the environment variables lookup reports as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDriver); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := lookup(EnvDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite3", "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		errs = append(errs, errors.New("database: connection limits must not be negative"))
	}
	if c.Outbox.RelayBatch < 0 {
		errs = append(errs, errors.New("outbox.relay_batch: must not be negative"))
	}
	if c.Outbox.RelayInterval < 0 {
		errs = append(errs, errors.New("outbox.relay_interval: must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Store returns the pool configuration.
func (c Config) Store() store.Config {
	return store.Config{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
		BusyTimeout:     c.Database.BusyTimeout,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}
