package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pagetest-worker/internal/db"
)

// messageStore is the part of db.DB the postgres transport uses
type messageStore interface {
	EnqueueMessage(ctx context.Context, queue string, body []byte) (uuid.UUID, error)
	LeaseMessage(ctx context.Context, queue string, visibility time.Duration) (*db.QueueMessage, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	Close()
}

// PostgresTransport keeps messages in a table and leases rows with
// FOR UPDATE SKIP LOCKED, so any number of workers can share one queue.
type PostgresTransport struct {
	store messageStore
	opts  Options
}

// NewPostgresTransport connects to databaseURL and applies the schema.
func NewPostgresTransport(ctx context.Context, databaseURL string, opts Options) (*PostgresTransport, error) {
	database, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return &PostgresTransport{store: database, opts: opts.withDefaults()}, nil
}

// Receive leases the oldest visible message of the inbound queue.
func (t *PostgresTransport) Receive(ctx context.Context) (*Message, error) {
	m, err := t.store.LeaseMessage(ctx, t.opts.Queue, t.opts.VisibilityTimeout)
	if err != nil {
		return nil, &TransportError{Op: "receive", Queue: t.opts.Queue, Cause: err}
	}
	if m == nil {
		if err := wait(ctx, t.opts.PollInterval); err != nil {
			return nil, err
		}
		return nil, nil
	}

	msg := &Message{
		ID:           m.ID.String(),
		Body:         m.Body,
		ReceiveCount: m.ReceiveCount,
		receipt:      m.ID,
	}
	if m.FirstReceivedAt != nil {
		msg.FirstReceivedAt = *m.FirstReceivedAt
	}
	return msg, nil
}

// Ack deletes the leased row.
func (t *PostgresTransport) Ack(ctx context.Context, msg *Message) error {
	id, ok := msg.receipt.(uuid.UUID)
	if !ok {
		return &TransportError{Op: "ack", Queue: t.opts.Queue, Cause: fmt.Errorf("message %q was not received from postgres", msg.ID)}
	}
	if err := t.store.DeleteMessage(ctx, id); err != nil {
		return &TransportError{Op: "ack", Queue: t.opts.Queue, Cause: err}
	}
	return nil
}

// Send inserts payload into queue.
func (t *PostgresTransport) Send(ctx context.Context, queue string, payload []byte) error {
	if _, err := t.store.EnqueueMessage(ctx, queue, payload); err != nil {
		return &TransportError{Op: "send", Queue: queue, Cause: err}
	}
	return nil
}

// Close closes the connection pool.
func (t *PostgresTransport) Close() error {
	t.store.Close()
	return nil
}
