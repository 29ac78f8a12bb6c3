package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pagetest-worker/internal/db"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsDefaults(t *testing.T) {
	o := Options{Queue: "fetch"}.withDefaults()
	assert.Equal(t, 120*time.Second, o.VisibilityTimeout)
	assert.Equal(t, time.Second, o.PollInterval)
	assert.Equal(t, 1, o.Prefetch)

	o = Options{VisibilityTimeout: time.Minute, PollInterval: 10 * time.Millisecond, Prefetch: 4}.withDefaults()
	assert.Equal(t, time.Minute, o.VisibilityTimeout)
	assert.Equal(t, 4, o.Prefetch)
}

func TestWait_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, wait(ctx, time.Hour), context.Canceled)
	assert.NoError(t, wait(context.Background(), time.Millisecond))
}

func TestParseReceived(t *testing.T) {
	msg, err := parseReceived([]any{"abc", `{"id":"j1"}`, int64(2), "1700000000000"})
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, `{"id":"j1"}`, string(msg.Body))
	assert.Equal(t, 2, msg.ReceiveCount)
	assert.Equal(t, int64(1700000000000), msg.FirstReceivedAt.UnixMilli())
	assert.Equal(t, "abc", msg.receipt)

	_, err = parseReceived([]any{"abc"})
	assert.Error(t, err)
}

func TestReceiveCount(t *testing.T) {
	tests := []struct {
		name string
		d    amqp.Delivery
		want int
	}{
		{"first delivery", amqp.Delivery{}, 1},
		{"redelivered without count", amqp.Delivery{Redelivered: true}, 1},
		{"quorum first delivery", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int64(0)}}, 1},
		{"quorum header", amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int64(3)}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, receiveCount(tt.d))
		})
	}
}

func TestDeliveryMessage_ID(t *testing.T) {
	msg := deliveryMessage(amqp.Delivery{MessageId: "m-1", Body: []byte("x")})
	assert.Equal(t, "m-1", msg.ID)

	msg = deliveryMessage(amqp.Delivery{ConsumerTag: "c", DeliveryTag: 7})
	assert.Equal(t, "c#7", msg.ID)
}

type fakeStore struct {
	mu       sync.Mutex
	messages map[string][]*db.QueueMessage
	deleted  []uuid.UUID
	leaseErr error
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: map[string][]*db.QueueMessage{}}
}

func (s *fakeStore) EnqueueMessage(_ context.Context, queue string, body []byte) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.messages[queue] = append(s.messages[queue], &db.QueueMessage{ID: id, Queue: queue, Body: body})
	return id, nil
}

func (s *fakeStore) LeaseMessage(_ context.Context, queue string, _ time.Duration) (*db.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseErr != nil {
		return nil, s.leaseErr
	}
	q := s.messages[queue]
	if len(q) == 0 {
		return nil, nil
	}
	m := q[0]
	s.messages[queue] = q[1:]
	m.ReceiveCount++
	now := time.Now()
	m.FirstReceivedAt = &now
	return m, nil
}

func (s *fakeStore) DeleteMessage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) Close() { s.closed = true }

func TestPostgresTransport_RoundTrip(t *testing.T) {
	store := newFakeStore()
	tr := &PostgresTransport{store: store, opts: Options{Queue: "fetch", PollInterval: time.Millisecond}.withDefaults()}
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, "fetch", []byte(`{"id":"j1"}`)))

	msg, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.ReceiveCount)
	assert.False(t, msg.FirstReceivedAt.IsZero())

	require.NoError(t, tr.Ack(ctx, msg))
	require.Len(t, store.deleted, 1)
	assert.Equal(t, msg.ID, store.deleted[0].String())

	empty, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, tr.Close())
	assert.True(t, store.closed)
}

func TestPostgresTransport_Errors(t *testing.T) {
	store := newFakeStore()
	store.leaseErr = errors.New("connection reset")
	tr := &PostgresTransport{store: store, opts: Options{Queue: "fetch"}.withDefaults()}

	_, err := tr.Receive(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "receive", terr.Op)

	err = tr.Ack(context.Background(), &Message{ID: "foreign", receipt: "not-a-uuid"})
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "ack", terr.Op)
}
