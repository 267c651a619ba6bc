package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/bagua/internal/store"
)

// openStore opens the configured pool, applying migrations.
func openStore(ctx context.Context, opts *RootOptions) (*store.Pool, error) {
	cfg := opts.Config.Store()
	slog.Debug("opening database", "driver", cfg.Driver, "dsn", cfg.DSN)
	return store.Open(ctx, cfg)
}

func closeStore(pool *store.Pool) {
	if err := pool.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
