// Package outbox implements a transactional outbox on top of the
// post-commit scheduler.
//
// Send writes a message row with the business changes, in the same
// transaction, and defers its publication until that transaction commits.
// A rolled-back transaction leaves neither a row nor a publication behind.
//
// Publication is at-least-once. The deferred task publishes right after
// commit; rows whose publication failed or never ran (crash between commit
// and publish) stay pending until a Relay drains them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/metrics"
	"github.com/roach88/bagua/internal/store"
	"github.com/roach88/bagua/internal/txn"
)

// Message is one outbox row.
type Message struct {
	ID          entity.ID
	Topic       string
	Payload     []byte // canonical JSON
	Hash        string
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}

// Publisher delivers messages to the outside world.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, m Message) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, m Message) error { return f(ctx, m) }

// LogPublisher publishes by logging each message at info level.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, m Message) error {
	slog.Info("outbox message", "id", m.ID, "topic", m.Topic, "hash", m.Hash, "payload", string(m.Payload))
	return nil
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Outbox owns message persistence and publication.
type Outbox struct {
	pool  *store.Pool
	pub   Publisher
	ids   entity.IDGenerator
	clock Clock
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithIDs sets the message identity generator.
func WithIDs(g entity.IDGenerator) Option {
	return func(o *Outbox) { o.ids = g }
}

// WithClock sets the clock used for creation and publication times.
func WithClock(c Clock) Option {
	return func(o *Outbox) { o.clock = c }
}

// New creates an outbox storing rows in pool and publishing through pub.
func New(pool *store.Pool, pub Publisher, opts ...Option) *Outbox {
	o := &Outbox{
		pool:  pool,
		pub:   pub,
		ids:   entity.UUIDv7Generator{},
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Writer returns a writer whose publications follow the transaction sched
// is registered on. Publication tasks run on the scheduler's executor.
func (o *Outbox) Writer(sched *txn.Scheduler) *Writer {
	return &Writer{o: o, sched: sched}
}

// Writer sends messages within one transaction.
type Writer struct {
	o     *Outbox
	sched *txn.Scheduler
}

// Send stores payload for topic through q, which must be the connection
// of the writer's transaction, and schedules its publication for after
// commit.
func (w *Writer) Send(ctx context.Context, q store.Querier, topic string, payload any) (Message, error) {
	if topic == "" {
		return Message{}, errors.New("outbox send: empty topic")
	}
	body, err := Canonical(payload)
	if err != nil {
		return Message{}, fmt.Errorf("outbox send %s: %w", topic, err)
	}
	m := Message{
		ID:        w.o.ids.NewID(),
		Topic:     topic,
		Payload:   body,
		Hash:      PayloadHash(topic, body),
		CreatedAt: w.o.clock.Now(),
	}

	d := w.o.pool.Dialect()
	_, err = q.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO bagua_outbox (id, topic, payload, payload_hash, created_at) VALUES (%s, %s, %s, %s, %s)",
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5)),
		string(m.ID), m.Topic, m.Payload, m.Hash, m.CreatedAt.UnixNano())
	if err != nil {
		return Message{}, fmt.Errorf("outbox send %s: %w", topic, err)
	}
	metrics.OutboxMessages.WithLabelValues("written").Inc()

	w.sched.PushTask(txn.TaskFunc(func(ctx context.Context) {
		if err := w.o.Publish(ctx, m); err != nil {
			slog.Warn("outbox publish failed; left for relay", "id", m.ID, "topic", m.Topic, "error", err)
		}
	}))
	return m, nil
}

// Publish delivers m and marks its row published in a short transaction of
// its own. A delivery failure is recorded on the row, which stays pending.
func (o *Outbox) Publish(ctx context.Context, m Message) error {
	start := time.Now()
	pubErr := o.pub.Publish(ctx, m)
	metrics.OutboxPublishDuration.WithLabelValues(m.Topic).Observe(time.Since(start).Seconds())

	if pubErr != nil {
		metrics.OutboxMessages.WithLabelValues("failed").Inc()
		if err := o.recordFailure(ctx, m.ID, pubErr); err != nil {
			return fmt.Errorf("publish %s: %w (recording failure: %v)", m.ID, pubErr, err)
		}
		return fmt.Errorf("publish %s: %w", m.ID, pubErr)
	}
	metrics.OutboxMessages.WithLabelValues("published").Inc()
	return o.markPublished(ctx, m.ID)
}

func (o *Outbox) markPublished(ctx context.Context, id entity.ID) error {
	d := o.pool.Dialect()
	return o.update(ctx, fmt.Sprintf(
		"UPDATE bagua_outbox SET published_at = %s, attempts = attempts + 1, last_error = NULL WHERE id = %s AND published_at IS NULL",
		d.Placeholder(1), d.Placeholder(2)),
		o.clock.Now().UnixNano(), string(id))
}

func (o *Outbox) recordFailure(ctx context.Context, id entity.ID, cause error) error {
	d := o.pool.Dialect()
	return o.update(ctx, fmt.Sprintf(
		"UPDATE bagua_outbox SET attempts = attempts + 1, last_error = %s WHERE id = %s AND published_at IS NULL",
		d.Placeholder(1), d.Placeholder(2)),
		cause.Error(), string(id))
}

// update runs one statement in its own coordinated transaction.
func (o *Outbox) update(ctx context.Context, query string, args ...any) error {
	coord := txn.New[*store.Conn](o.pool)
	defer coord.Release()

	_, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[struct{}, struct{}], error) {
		conn, err := coord.Conn(ctx)
		if err != nil {
			return txn.BizResult[struct{}, struct{}]{}, err
		}
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return txn.BizResult[struct{}, struct{}]{}, err
		}
		return txn.Ok[struct{}, struct{}](struct{}{}), nil
	})
	return err
}

// Pending returns up to limit unpublished messages, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Message, error) {
	return o.list(ctx, "WHERE published_at IS NULL", limit)
}

// pendingAfter returns up to limit unpublished messages ordered after
// cursor. A nil cursor starts from the oldest.
func (o *Outbox) pendingAfter(ctx context.Context, cursor *Message, limit int) ([]Message, error) {
	if cursor == nil {
		return o.Pending(ctx, limit)
	}
	d := o.pool.Dialect()
	where := fmt.Sprintf("WHERE published_at IS NULL AND (created_at > %s OR (created_at = %s AND id > %s))",
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	ts := cursor.CreatedAt.UnixNano()
	return o.list(ctx, where, limit, ts, ts, string(cursor.ID))
}

// Get returns the message with identity id.
func (o *Outbox) Get(ctx context.Context, id entity.ID) (Message, bool, error) {
	msgs, err := o.list(ctx, "WHERE id = "+o.pool.Dialect().Placeholder(1), 1, string(id))
	if err != nil || len(msgs) == 0 {
		return Message{}, false, err
	}
	return msgs[0], true, nil
}

func (o *Outbox) list(ctx context.Context, where string, limit int, args ...any) ([]Message, error) {
	query := "SELECT id, topic, payload, payload_hash, created_at, published_at, attempts, last_error FROM bagua_outbox " +
		where + " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := o.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m         Message
			id        string
			created   int64
			published *int64
			lastErr   *string
		)
		if err := rows.Scan(&id, &m.Topic, &m.Payload, &m.Hash, &created, &published, &m.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		m.ID = entity.ID(id)
		m.CreatedAt = time.Unix(0, created).UTC()
		if published != nil {
			t := time.Unix(0, *published).UTC()
			m.PublishedAt = &t
		}
		if lastErr != nil {
			m.LastError = *lastErr
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return msgs, nil
}
