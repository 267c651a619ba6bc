package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bagua/internal/account"
	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/outbox"
	"github.com/roach88/bagua/internal/runner"
	"github.com/roach88/bagua/internal/txn"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Email  string
	Name   string
	Groups []string
	Join   string
}

// DemoStep is the outcome of one use case call.
type DemoStep struct {
	Op      string `json:"op"`
	Outcome string `json:"outcome"` // ok | failed
	Detail  string `json:"detail,omitempty"`
}

// DemoResult is the demo transcript.
type DemoResult struct {
	Steps   []DemoStep         `json:"steps"`
	Account *account.Full      `json:"account,omitempty"`
	Metrics map[string]float64 `json:"metrics"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the account use cases against the configured database",
		Long: `Create an account, join and leave groups and rename it, each in its
own transaction. Every change writes an outbox event that is published
(logged) after its transaction commits.

Examples:
  bagua demo --db /tmp/demo.db --email ann@example.com --name Ann
  bagua demo --db /tmp/demo.db --email bob@example.com --group ops --join oncall -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "ann@example.com", "account email")
	cmd.Flags().StringVar(&opts.Name, "name", "Ann", "account display name")
	cmd.Flags().StringSliceVar(&opts.Groups, "group", []string{"staff"}, "initial groups")
	cmd.Flags().StringVar(&opts.Join, "join", "reviewers", "group to join and then leave")
	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	pool, err := openStore(ctx, opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer closeStore(pool)

	if err := account.EnsureTables(ctx, pool); err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to create account tables", err)
	}
	reg, err := newRegistry(pool)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to register metrics", err)
	}

	tasks := runner.New(
		runner.WithName("demo"),
		runner.WithQueueWarn(opts.Config.Runner.QueueWarn),
		runner.WithContext(ctx),
	)
	ob := outbox.New(pool, outbox.LogPublisher{})
	svc, err := account.NewService(pool, tasks, ob)
	if err != nil {
		tasks.Close()
		return f.Fail(ExitCommandError, ErrCodeDemo, "failed to build account service", err)
	}

	result := DemoResult{}
	id, runErr := runDemoSteps(ctx, opts, svc, &result)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		slog.Warn("deferred tasks did not finish", "error", err)
	}
	if runErr != nil {
		return f.Fail(ExitFailure, ErrCodeDemo, "demo failed", runErr)
	}

	if id != "" {
		full, found, err := svc.Get(ctx, id)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeStore, "failed to read account", err)
		}
		if found {
			result.Account = &full
		}
	}
	if result.Metrics, err = counterTotals(reg); err != nil {
		return f.Fail(ExitFailure, ErrCodeDemo, "failed to gather metrics", err)
	}

	return f.Success(result, func(w io.Writer) { printDemo(w, result) })
}

// runDemoSteps runs the use cases in order and stops at the first system
// error. Business failures are recorded and the remaining steps skipped.
func runDemoSteps(ctx context.Context, opts *DemoOptions, svc *account.Service, out *DemoResult) (entity.ID, error) {
	groups := make([]entity.ID, 0, len(opts.Groups))
	for _, g := range opts.Groups {
		groups = append(groups, entity.ID(g))
	}

	created, err := svc.Create(ctx, account.CreateParams{Email: opts.Email, DisplayName: opts.Name, Groups: groups})
	id, ok := record(out, "create", created, err)
	if err != nil || !ok {
		return "", err
	}

	membership := account.MembershipParams{Account: id, Group: entity.ID(opts.Join)}
	joined, err := svc.Join(ctx, membership)
	if _, ok := record(out, "join "+opts.Join, joined, err); err != nil || !ok {
		return id, err
	}

	renamed, err := svc.Update(ctx, account.UpdateParams{
		ID:    id,
		Patch: account.Patch{DisplayName: entity.Some(opts.Name + " (renamed)")},
	})
	if _, ok := record(out, "rename", renamed, err); err != nil || !ok {
		return id, err
	}

	left, err := svc.Leave(ctx, membership)
	_, _ = record(out, "leave "+opts.Join, left, err)
	return id, err
}

func record[T any](out *DemoResult, op string, res txn.BizResult[T, account.Failure], err error) (T, bool) {
	step := DemoStep{Op: op, Outcome: "ok"}
	v, ok := res.Value()
	switch {
	case err != nil:
		step.Outcome, step.Detail = "failed", err.Error()
		ok = false
	case !ok:
		failure, _ := res.Failure()
		step.Outcome, step.Detail = "failed", failure.Error()
	}
	slog.Debug("demo step", "op", op, "outcome", step.Outcome, "detail", step.Detail)
	out.Steps = append(out.Steps, step)
	return v, ok
}

func printDemo(w io.Writer, r DemoResult) {
	for _, s := range r.Steps {
		mark := "✓"
		if s.Outcome != "ok" {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s", mark, s.Op)
		if s.Detail != "" {
			fmt.Fprintf(w, ": %s", s.Detail)
		}
		fmt.Fprintln(w)
	}
	if a := r.Account; a != nil {
		fmt.Fprintf(w, "\nAccount %s\n", a.ID)
		fmt.Fprintf(w, "  email:  %s\n  name:   %s\n  status: %s\n  groups: %v\n",
			a.Email, a.DisplayName, a.Status, a.Groups)
	}
	if len(r.Metrics) > 0 {
		names := make([]string, 0, len(r.Metrics))
		for name := range r.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "\nCounters")
		for _, name := range names {
			fmt.Fprintf(w, "  %-36s %g\n", name, r.Metrics[name])
		}
	}
}
