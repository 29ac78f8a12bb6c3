// Package queue provides the message queue transports the worker consumes
// jobs from and publishes status messages to.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport driver names.
const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverAMQP     = "amqp"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("queue transport is closed")

// Message is one leased message from the inbound queue.
type Message struct {
	ID   string
	Body []byte
	// ReceiveCount is how many times the message has been handed out,
	// including this delivery.
	ReceiveCount    int
	FirstReceivedAt time.Time

	// receipt is the transport specific handle needed to acknowledge
	receipt any
}

// Transport leases messages from one inbound queue and publishes to named
// outbound queues.
type Transport interface {
	// Receive waits up to the poll interval for a message. It returns a nil
	// message and nil error when none arrived.
	Receive(ctx context.Context) (*Message, error)
	// Ack removes a received message so it is never delivered again.
	Ack(ctx context.Context, msg *Message) error
	// Send publishes payload to queue.
	Send(ctx context.Context, queue string, payload []byte) error
	Close() error
}

// Options are the settings shared by all transports.
type Options struct {
	// Queue is the inbound queue name.
	Queue string
	// VisibilityTimeout is how long a received message stays hidden from
	// other consumers before it is delivered again.
	VisibilityTimeout time.Duration
	// PollInterval is how long Receive waits on an empty queue.
	PollInterval time.Duration
	// Prefetch bounds unacknowledged deliveries where the broker pushes.
	Prefetch int
}

// Defaults for Options.
const (
	DefaultVisibilityTimeout = 120 * time.Second
	DefaultPollInterval      = time.Second
)

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Prefetch < 1 {
		o.Prefetch = 1
	}
	return o
}

// TransportError wraps a failure talking to the queue backend
type TransportError struct {
	Op    string
	Queue string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s on %q: %v", e.Op, e.Queue, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
