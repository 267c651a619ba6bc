package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bagua/internal/outbox"
)

// RelayOptions holds flags for the outbox relay command.
type RelayOptions struct {
	*RootOptions
	Once        bool
	Batch       int
	Interval    time.Duration
	MetricsAddr string
}

// RelayResult reports a single drain pass.
type RelayResult struct {
	Published int `json:"published"`
	Pending   int `json:"pending"`
}

// PendingMessage is the listing form of an unpublished outbox row.
type PendingMessage struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and relay the transactional outbox",
	}
	cmd.AddCommand(newRelayCommand(&RelayOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newPendingCommand(rootOpts))
	return cmd
}

func newRelayCommand(opts *RelayOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish outbox messages left pending",
		Long: `Publish outbox rows whose post-commit publish never happened, for
example because the process stopped before its deferred task ran.
Messages are published by logging them.

Without --once the relay keeps draining every --interval until
interrupted.

Examples:
  bagua outbox relay --once
  bagua outbox relay --interval 10s --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "drain once and exit")
	cmd.Flags().IntVar(&opts.Batch, "batch", 0, "rows per pass (default from config)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "pause between passes (default from config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openStore(ctx, opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(pool)

	if opts.MetricsAddr != "" {
		reg, err := newRegistry(pool)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeConfig, "failed to register metrics", err)
		}
		serveMetrics(ctx, opts.MetricsAddr, reg)
	}

	batch := opts.Batch
	if batch <= 0 {
		batch = opts.Config.Outbox.RelayBatch
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = opts.Config.Outbox.RelayInterval
	}

	ob := outbox.New(pool, outbox.LogPublisher{})
	relay := outbox.NewRelay(ob, batch)

	if !opts.Once {
		slog.Info("relay starting", "batch", batch, "interval", interval)
		if err := relay.Run(ctx, interval); err != nil {
			return f.Fail(ExitFailure, ErrCodeRelay, "relay stopped", err)
		}
		slog.Info("relay stopped")
		return nil
	}

	n, err := relay.Drain(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeRelay, "relay failed", err)
	}
	left, err := ob.Pending(ctx, 0)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeStore, "failed to count pending messages", err)
	}
	result := RelayResult{Published: n, Pending: len(left)}
	if err := f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Published %d message(s), %d still pending\n", result.Published, result.Pending)
	}); err != nil {
		return err
	}
	if result.Pending > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d message(s) still pending", result.Pending))
	}
	return nil
}

func newPendingCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List unpublished outbox messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd.Context(), opts, limit, cmd)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to list (0 for all)")
	return cmd
}

func runPending(ctx context.Context, opts *RootOptions, limit int, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	pool, err := openStore(ctx, opts)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(pool)

	msgs, err := outbox.New(pool, outbox.LogPublisher{}).Pending(ctx, limit)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeStore, "failed to list pending messages", err)
	}
	out := make([]PendingMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, PendingMessage{
			ID:        string(m.ID),
			Topic:     m.Topic,
			CreatedAt: m.CreatedAt,
			Attempts:  m.Attempts,
			LastError: m.LastError,
		})
	}
	return f.Success(out, func(w io.Writer) {
		if len(out) == 0 {
			fmt.Fprintln(w, "No pending messages.")
			return
		}
		for _, m := range out {
			fmt.Fprintf(w, "%s  %-20s  %s  attempts=%d", m.ID, m.Topic, m.CreatedAt.Format(time.RFC3339), m.Attempts)
			if m.LastError != "" {
				fmt.Fprintf(w, "  last_error=%q", m.LastError)
			}
			fmt.Fprintln(w)
		}
	})
}
