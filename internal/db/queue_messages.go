package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// QueueMessage represents a row of the queue_messages table
type QueueMessage struct {
	ID              uuid.UUID  `json:"id"`
	Queue           string     `json:"queue"`
	Body            []byte     `json:"body"`
	ReceiveCount    int        `json:"receive_count"`
	FirstReceivedAt *time.Time `json:"first_received_at,omitempty"`
	VisibleAt       time.Time  `json:"visible_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// EnqueueMessage inserts a message that is visible immediately and returns its ID
func (db *DB) EnqueueMessage(ctx context.Context, queue string, body []byte) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO queue_messages (id, queue, body) VALUES ($1, $2, $3)`,
		id, queue, body,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue message on %s: %w", queue, err)
	}
	return id, nil
}

// LeaseMessage hands out the oldest visible message of queue and hides it for
// visibility. Concurrent consumers never lease the same row. Returns nil when
// the queue has no visible message.
func (db *DB) LeaseMessage(ctx context.Context, queue string, visibility time.Duration) (*QueueMessage, error) {
	var m QueueMessage
	err := db.pool.QueryRow(ctx,
		`UPDATE queue_messages
		 SET receive_count = receive_count + 1,
		     first_received_at = COALESCE(first_received_at, NOW()),
		     visible_at = NOW() + $2 * INTERVAL '1 millisecond'
		 WHERE id = (
		     SELECT id FROM queue_messages
		     WHERE queue = $1 AND visible_at <= NOW()
		     ORDER BY visible_at, created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, body, receive_count, first_received_at, visible_at, created_at`,
		queue, visibility.Milliseconds(),
	).Scan(&m.ID, &m.Queue, &m.Body, &m.ReceiveCount, &m.FirstReceivedAt, &m.VisibleAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lease message on %s: %w", queue, err)
	}
	return &m, nil
}

// DeleteMessage removes a message. Deleting a missing message is not an error.
func (db *DB) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// CountMessages returns how many messages queue holds, visible or leased
func (db *DB) CountMessages(ctx context.Context, queue string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = $1`, queue,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages on %s: %w", queue, err)
	}
	return n, nil
}
