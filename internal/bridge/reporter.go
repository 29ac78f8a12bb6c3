package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonathan/pagetest-worker/internal/schemas"
	"github.com/jonathan/pagetest-worker/internal/types"
)

// Sender publishes raw payloads to a named queue.
type Sender interface {
	Send(ctx context.Context, queue string, payload []byte) error
}

const subscriberBuffer = 64

// Reporter publishes status messages to the result queue and mirrors every
// message to local subscribers.
type Reporter struct {
	sender Sender
	queue  string

	mu     sync.Mutex
	subs   map[int]chan types.StatusMessage
	nextID int
}

// NewReporter creates a reporter writing to queue through sender.
func NewReporter(sender Sender, queue string) *Reporter {
	return &Reporter{sender: sender, queue: queue, subs: map[int]chan types.StatusMessage{}}
}

// SendStatus marshals msg, checks it against the status schema and sends it.
// Subscribers see the message even when sending failed.
func (r *Reporter) SendStatus(ctx context.Context, msg types.StatusMessage) error {
	r.broadcast(msg)

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := schemas.ValidateStatusMessage(payload); err != nil {
		return err
	}
	if err := r.sender.Send(ctx, r.queue, payload); err != nil {
		return fmt.Errorf("send %s status for %s: %w", msg.Status, msg.ID, err)
	}
	slog.Debug("Sent status", "job_id", msg.ID, "status", msg.Status, "queue", r.queue)
	return nil
}

// Subscribe returns a channel of status messages and a function that ends the
// subscription. Slow subscribers miss messages instead of blocking jobs.
func (r *Reporter) Subscribe() (<-chan types.StatusMessage, func()) {
	ch := make(chan types.StatusMessage, subscriberBuffer)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Reporter) broadcast(msg types.StatusMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
