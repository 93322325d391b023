package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisQueue implements LeaseQueue.
var _ LeaseQueue = (*RedisQueue)(nil)

// Key layout, for a queue named q under prefix p:
//
//	p:q:ready     ZSET  message id -> visible-at (unix ms)
//	p:q:msg:<id>  HASH  body, deliveries, token, reason, dead_lettered_at
//	p:<poison>    LIST  dead-lettered message ids, oldest first
//	p:queues      SET   registered queue names
//
// Message hashes of dead-lettered entries are kept as the dead-letter record.
var (
	receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[4] .. id
local body = redis.call('HGET', key, 'body')
if not body then
  redis.call('ZREM', KEYS[1], id)
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], id)
local deliveries = redis.call('HINCRBY', key, 'deliveries', 1)
redis.call('HSET', key, 'token', ARGV[3])
return {id, body, deliveries, ARGV[3]}
`)

	extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[1] then
  return false
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[4])
redis.call('HSET', KEYS[2], 'token', ARGV[3])
return ARGV[3]
`)

	deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)

	deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[2], 'reason', ARGV[3], 'dead_lettered_at', ARGV[4], 'token', '')
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)
)

// RedisQueue is a LeaseQueue stored in Redis. Lease operations run as Lua
// scripts so that receipt checks and state changes are atomic.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	name   string
	poison string
	now    func() time.Time
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithClock replaces the time source used for visibility deadlines.
func WithClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) {
		q.now = now
	}
}

// WithPrefix sets the key prefix. Default "mxf".
func WithPrefix(prefix string) RedisOption {
	return func(q *RedisQueue) {
		q.prefix = prefix
	}
}

// NewRedisQueue creates a queue named name whose dead letters go to poison.
func NewRedisQueue(client redis.UniversalClient, name, poison string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client: client,
		prefix: "mxf",
		name:   name,
		poison: poison,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) readyKey() string { return q.prefix + ":" + q.name + ":ready" }
func (q *RedisQueue) msgPrefix() string { return q.prefix + ":" + q.name + ":msg:" }
func (q *RedisQueue) msgKey(id string) string { return q.msgPrefix() + id }
func (q *RedisQueue) poisonKey() string { return q.prefix + ":" + q.poison }

func (q *RedisQueue) deadline(lease time.Duration) int64 {
	return q.now().Add(lease).UnixMilli()
}

// Ensure registers the queue and its poison queue. Redis needs no other setup.
func (q *RedisQueue) Ensure(ctx context.Context) error {
	if err := q.client.SAdd(ctx, q.prefix+":queues", q.name, q.poison).Err(); err != nil {
		return fmt.Errorf("ensure queue %s: %w", q.name, err)
	}
	return nil
}

// Send stores the message and makes it visible immediately.
func (q *RedisQueue) Send(ctx context.Context, body string) (string, error) {
	id := uuid.NewString()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgKey(id), "body", body, "deliveries", 0)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(q.now().UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", q.name, err)
	}
	return id, nil
}

// Receive leases the visible message with the earliest deadline.
func (q *RedisQueue) Receive(ctx context.Context, lease time.Duration) (*Message, error) {
	token := uuid.NewString()
	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey()},
		q.now().UnixMilli(), q.deadline(lease), token, q.msgPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("receive from %s: unexpected reply %v", q.name, res)
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)
	deliveries, _ := res[2].(int64)
	return &Message{
		ID:            id,
		Body:          body,
		DeliveryCount: int(deliveries),
		Receipt:       encodeReceipt(id, token),
	}, nil
}

// ExtendLease moves the visibility deadline and rotates the receipt.
func (q *RedisQueue) ExtendLease(ctx context.Context, receipt string, lease time.Duration) (string, error) {
	id, token, err := decodeReceipt(receipt)
	if err != nil {
		return "", err
	}
	next := uuid.NewString()
	err = extendScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.msgKey(id)},
		token, q.deadline(lease), next, id,
	).Err()
	if errors.Is(err, redis.Nil) {
		return "", ErrLeaseLost
	}
	if err != nil {
		return "", fmt.Errorf("extend lease on %s: %w", q.name, err)
	}
	return encodeReceipt(id, next), nil
}

// Delete removes the leased message.
func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	id, token, err := decodeReceipt(receipt)
	if err != nil {
		return err
	}
	n, err := deleteScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.msgKey(id)},
		token, id,
	).Int()
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.name, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetter moves the leased message to the poison list.
func (q *RedisQueue) DeadLetter(ctx context.Context, receipt, reason string) error {
	id, token, err := decodeReceipt(receipt)
	if err != nil {
		return err
	}
	n, err := deadLetterScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.msgKey(id), q.poisonKey()},
		token, id, reason, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("dead-letter from %s: %w", q.name, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetters lists the dead-lettered messages, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	ids, err := q.client.LRange(ctx, q.poisonKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.poison, err)
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.msgKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load dead letter %s: %w", id, err)
		}
		deliveries, _ := strconv.Atoi(fields["deliveries"])
		at, _ := strconv.ParseInt(fields["dead_lettered_at"], 10, 64)
		out = append(out, DeadLetter{
			ID:            id,
			Body:          fields["body"],
			DeliveryCount: deliveries,
			Reason:        fields["reason"],
			At:            time.UnixMilli(at),
		})
	}
	return out, nil
}

// Len returns the number of messages in the queue, leased or not.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.readyKey()).Result()
}
