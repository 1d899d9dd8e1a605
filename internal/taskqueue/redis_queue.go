package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Due tasks live in a list, <prefix>tasks, pushed with LPUSH and popped with
// BRPOP. Tasks with a future NotBefore wait in a sorted set,
// <prefix>tasks:delayed, scored by eligibility time, and are moved to the
// list by Dequeue once due. Values are JSON-encoded tasks.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	delayed      string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "geoflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "geoflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		delayed:      prefix + "tasks:delayed",
		pollInterval: time.Second,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// promoteScript moves due members of the delayed set onto the list.
// KEYS[1] delayed set, KEYS[2] list; ARGV[1] now (unix ms).
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #due
`)

// Enqueue pushes a task onto the Redis list (LPUSH), or onto the delayed set
// when it is not yet due.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if !t.Due(time.Now()) {
		return q.client.ZAdd(ctx, q.delayed, redis.Z{
			Score:  float64(t.NotBefore.UnixMilli()),
			Member: data,
		}).Err()
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.key}, now).Err(); err != nil {
			return nil, err
		}

		// BRPop returns [key, value]
		res, err := q.client.BRPop(ctx, q.pollInterval, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the number of queued tasks (LLEN plus delayed).
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.client.TxPipeline()
	ready := pipe.LLen(ctx, q.key)
	waiting := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(ready.Val() + waiting.Val()), nil
}
