package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTransport consumes from a durable queue with manual acknowledgement.
// The broker redelivers unacknowledged messages when the consumer goes away;
// the receive count is taken from the x-delivery-count header that quorum
// queues set. Classic queues report every delivery as a first receive.
type AMQPTransport struct {
	url  string
	opts Options

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	declared   map[string]bool
	closed     bool
}

// NewAMQPTransport dials url and starts consuming the inbound queue.
func NewAMQPTransport(url string, opts Options) (*AMQPTransport, error) {
	t := &AMQPTransport{url: url, opts: opts.withDefaults(), declared: map[string]bool{}}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connectLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *AMQPTransport) connectLocked() error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return &TransportError{Op: "dial", Queue: t.opts.Queue, Cause: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &TransportError{Op: "channel", Queue: t.opts.Queue, Cause: err}
	}

	if err := ch.Qos(t.opts.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return &TransportError{Op: "qos", Queue: t.opts.Queue, Cause: err}
	}

	if _, err := ch.QueueDeclare(
		t.opts.Queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return &TransportError{Op: "declare", Queue: t.opts.Queue, Cause: err}
	}

	deliveries, err := ch.Consume(
		t.opts.Queue,
		"pagetest-worker-"+uuid.NewString(),
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return &TransportError{Op: "consume", Queue: t.opts.Queue, Cause: err}
	}

	t.conn = conn
	t.channel = ch
	t.deliveries = deliveries
	t.declared = map[string]bool{t.opts.Queue: true}
	return nil
}

// current returns the live channel, redialing when the connection was lost.
func (t *AMQPTransport) current() (*amqp.Channel, <-chan amqp.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, ErrClosed
	}
	if t.conn == nil || t.conn.IsClosed() || t.channel.IsClosed() {
		if t.conn != nil {
			_ = t.conn.Close()
		}
		if err := t.connectLocked(); err != nil {
			return nil, nil, err
		}
	}
	return t.channel, t.deliveries, nil
}

// Receive waits up to the poll interval for the next delivery.
func (t *AMQPTransport) Receive(ctx context.Context) (*Message, error) {
	_, deliveries, err := t.current()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			return nil, &TransportError{Op: "receive", Queue: t.opts.Queue, Cause: amqp.ErrClosed}
		}
		return deliveryMessage(d), nil
	}
}

func deliveryMessage(d amqp.Delivery) *Message {
	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("%s#%d", d.ConsumerTag, d.DeliveryTag)
	}
	return &Message{
		ID:              id,
		Body:            d.Body,
		ReceiveCount:    receiveCount(d),
		FirstReceivedAt: time.Now(),
		receipt:         d,
	}
}

// receiveCount trusts only the broker's x-delivery-count. A bare redelivered
// flag is also set for prefetched deliveries requeued unprocessed when a
// channel closes, so it counts as a first receive.
func receiveCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	return 1
}

// Ack acknowledges the delivery on the channel it arrived on.
func (t *AMQPTransport) Ack(_ context.Context, msg *Message) error {
	d, ok := msg.receipt.(amqp.Delivery)
	if !ok {
		return &TransportError{Op: "ack", Queue: t.opts.Queue, Cause: fmt.Errorf("message %q was not received from amqp", msg.ID)}
	}
	if err := d.Ack(false); err != nil {
		return &TransportError{Op: "ack", Queue: t.opts.Queue, Cause: err}
	}
	return nil
}

// Send publishes payload as a persistent message through the default
// exchange, declaring queue on first use.
func (t *AMQPTransport) Send(ctx context.Context, queue string, payload []byte) error {
	ch, _, err := t.current()
	if err != nil {
		return err
	}

	t.mu.Lock()
	declared := t.declared[queue]
	t.mu.Unlock()
	if !declared {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return &TransportError{Op: "declare", Queue: queue, Cause: err}
		}
		t.mu.Lock()
		t.declared[queue] = true
		t.mu.Unlock()
	}

	err = ch.PublishWithContext(ctx,
		"",
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
	if err != nil {
		return &TransportError{Op: "send", Queue: queue, Cause: err}
	}
	return nil
}

// Close closes the channel and the connection.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.channel != nil {
		if err := t.channel.Close(); err != nil {
			_ = t.conn.Close()
			return err
		}
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
