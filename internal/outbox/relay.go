package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultRelayBatch is the number of pending rows a Drain pass reads.
const DefaultRelayBatch = 100

// Relay republishes messages left pending.
type Relay struct {
	o     *Outbox
	batch int
}

// NewRelay creates a relay reading batch rows per pass. A non-positive
// batch uses DefaultRelayBatch.
func NewRelay(o *Outbox, batch int) *Relay {
	if batch <= 0 {
		batch = DefaultRelayBatch
	}
	return &Relay{o: o, batch: batch}
}

// Drain publishes pending messages oldest first, one batch at a time, and
// returns the number published. Each pass resumes after the last row of
// the previous one, so a row is tried at most once per Drain. Failures are
// recorded on their rows; Drain itself only fails when storage does.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	published := 0
	var cursor *Message
	for {
		msgs, err := r.o.pendingAfter(ctx, cursor, r.batch)
		if err != nil {
			return published, err
		}

		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return published, err
			}
			if err := r.o.Publish(ctx, m); err != nil {
				slog.Warn("relay publish failed", "id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "error", err)
				continue
			}
			published++
		}

		if len(msgs) < r.batch {
			return published, nil
		}
		cursor = &msgs[len(msgs)-1]
	}
}

// Run drains every interval until ctx ends.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("relay drain failed", "error", err)
		}
		if n > 0 {
			slog.Info("relay published pending messages", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
