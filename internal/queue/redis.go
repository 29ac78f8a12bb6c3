package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultNamespace is the key prefix used by redis simple message queues.
const DefaultNamespace = "rsmq"

// The queue layout matches redis simple message queue: a sorted set
// <ns>:<queue> of message ids scored by the time they become visible (ms), and
// a hash <ns>:<queue>:Q holding the queue attributes, every message body under
// its id, the receive count under <id>:rc and the first receive time under
// <id>:fr.

// Message ids follow the same shape: 32 characters starting with the base36
// server time in microseconds, so ids sort by send time among equal scores.
// A per-transport sequence keeps ids sent within one microsecond in send order.
const (
	idTimeWidth   = 10
	idSeqWidth    = 6
	idRandomWidth = 16
)

var idSeqLimit = func() uint64 {
	n := uint64(1)
	for i := 0; i < idSeqWidth; i++ {
		n *= 36
	}
	return n
}()

// messageID builds an id ordered by (now, seq) with a random tail.
func messageID(now time.Time, seq uint64) string {
	ts := strconv.FormatInt(now.UnixMicro(), 36)
	sq := strconv.FormatUint(seq%idSeqLimit, 36)
	tail := strings.ReplaceAll(uuid.NewString(), "-", "")[:idRandomWidth]
	return leftPad(ts, idTimeWidth) + leftPad(sq, idSeqWidth) + tail
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// receiveScript leases the first visible message. KEYS[1] is the sorted set,
// KEYS[2] the hash. ARGV[1] is now in ms and ARGV[2] the time the lease ends.
var receiveScript = redis.NewScript(`
local msg = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", "1")
if #msg == 0 then
  return {}
end
redis.call("ZADD", KEYS[1], ARGV[2], msg[1])
redis.call("HINCRBY", KEYS[2], "totalrecv", 1)
local body = redis.call("HGET", KEYS[2], msg[1])
local rc = redis.call("HINCRBY", KEYS[2], msg[1] .. ":rc", 1)
local fr
if rc == 1 then
  fr = ARGV[1]
  redis.call("HSET", KEYS[2], msg[1] .. ":fr", fr)
else
  fr = redis.call("HGET", KEYS[2], msg[1] .. ":fr")
end
return {msg[1], body, rc, fr}
`)

// RedisTransport is a queue transport on the redis simple message queue
// layout, so it interoperates with existing producers of that format.
type RedisTransport struct {
	rdb       *redis.Client
	namespace string
	opts      Options

	seq atomic.Uint64

	mu      sync.Mutex
	ensured map[string]bool
	closed  bool
}

// RedisOptions configure the redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedisTransport connects to redis and makes sure the inbound queue exists.
func NewRedisTransport(ctx context.Context, ro RedisOptions, opts Options) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", ro.Addr, err)
	}

	t := newRedisTransport(rdb, ro.Namespace, opts)
	if err := t.EnsureQueue(ctx, t.opts.Queue); err != nil {
		rdb.Close()
		return nil, err
	}
	return t, nil
}

func newRedisTransport(rdb *redis.Client, namespace string, opts Options) *RedisTransport {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisTransport{
		rdb:       rdb,
		namespace: namespace,
		opts:      opts.withDefaults(),
		ensured:   map[string]bool{},
	}
}

func (t *RedisTransport) setKey(queue string) string {
	return t.namespace + ":" + queue
}

func (t *RedisTransport) hashKey(queue string) string {
	return t.namespace + ":" + queue + ":Q"
}

// EnsureQueue creates queue with default attributes unless it exists.
func (t *RedisTransport) EnsureQueue(ctx context.Context, queue string) error {
	t.mu.Lock()
	done := t.ensured[queue]
	t.mu.Unlock()
	if done {
		return nil
	}

	now, err := t.now(ctx)
	if err != nil {
		return &TransportError{Op: "create", Queue: queue, Cause: err}
	}
	key := t.hashKey(queue)
	_, err = t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, "vt", int(t.opts.VisibilityTimeout/time.Second))
		p.HSetNX(ctx, key, "delay", 0)
		p.HSetNX(ctx, key, "maxsize", 65536)
		p.HSetNX(ctx, key, "created", now.Unix())
		p.HSetNX(ctx, key, "modified", now.Unix())
		p.SAdd(ctx, t.namespace+":QUEUES", queue)
		return nil
	})
	if err != nil {
		return &TransportError{Op: "create", Queue: queue, Cause: err}
	}

	t.mu.Lock()
	t.ensured[queue] = true
	t.mu.Unlock()
	return nil
}

// now returns the redis server time so leases do not depend on worker clocks.
func (t *RedisTransport) now(ctx context.Context) (time.Time, error) {
	return t.rdb.Time(ctx).Result()
}

// Receive leases the next visible message for the visibility timeout.
func (t *RedisTransport) Receive(ctx context.Context) (*Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	msg, err := t.receiveOnce(ctx)
	if err != nil || msg != nil {
		return msg, err
	}
	if err := wait(ctx, t.opts.PollInterval); err != nil {
		return nil, err
	}
	return nil, nil
}

func (t *RedisTransport) receiveOnce(ctx context.Context) (*Message, error) {
	queue := t.opts.Queue
	now, err := t.now(ctx)
	if err != nil {
		return nil, &TransportError{Op: "receive", Queue: queue, Cause: err}
	}
	nowMs := now.UnixMilli()
	leaseEnd := nowMs + t.opts.VisibilityTimeout.Milliseconds()

	res, err := receiveScript.Run(ctx, t.rdb,
		[]string{t.setKey(queue), t.hashKey(queue)},
		nowMs, leaseEnd,
	).Slice()
	if err != nil {
		return nil, &TransportError{Op: "receive", Queue: queue, Cause: err}
	}
	if len(res) == 0 {
		return nil, nil
	}
	return parseReceived(res)
}

// parseReceived converts the script reply {id, body, rc, fr} into a Message.
func parseReceived(res []any) (*Message, error) {
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected receive reply with %d elements", len(res))
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)
	rc, _ := res[2].(int64)
	var fr int64
	switch v := res[3].(type) {
	case string:
		fr, _ = strconv.ParseInt(v, 10, 64)
	case int64:
		fr = v
	}
	return &Message{
		ID:              id,
		Body:            []byte(body),
		ReceiveCount:    int(rc),
		FirstReceivedAt: time.UnixMilli(fr),
		receipt:         id,
	}, nil
}

// Ack deletes the message body, its counters and its lease.
func (t *RedisTransport) Ack(ctx context.Context, msg *Message) error {
	queue := t.opts.Queue
	id, _ := msg.receipt.(string)
	if id == "" {
		return &TransportError{Op: "ack", Queue: queue, Cause: fmt.Errorf("message %q was not received from redis", msg.ID)}
	}
	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, t.setKey(queue), id)
		p.HDel(ctx, t.hashKey(queue), id, id+":rc", id+":fr")
		return nil
	})
	if err != nil {
		return &TransportError{Op: "ack", Queue: queue, Cause: err}
	}
	return nil
}

// Send stores payload as a new message visible immediately.
func (t *RedisTransport) Send(ctx context.Context, queue string, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.EnsureQueue(ctx, queue); err != nil {
		return err
	}
	now, err := t.now(ctx)
	if err != nil {
		return &TransportError{Op: "send", Queue: queue, Cause: err}
	}
	id := messageID(now, t.seq.Add(1))
	_, err = t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, t.setKey(queue), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		p.HSet(ctx, t.hashKey(queue), id, payload)
		p.HIncrBy(ctx, t.hashKey(queue), "totalsent", 1)
		return nil
	})
	if err != nil {
		return &TransportError{Op: "send", Queue: queue, Cause: err}
	}
	return nil
}

func (t *RedisTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close releases the redis connection.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.rdb.Close()
}
