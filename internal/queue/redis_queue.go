// Package queue implements the durable at-least-once task queue on Redis:
// a ready list, a scheduled zset for deferred tasks, an inflight zset for
// visibility leases, and a dead-letter list.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task kinds consumed by the worker loop.
const (
	KindExecutePost = "post"
	KindFlushNotify = "notify_flush"
)

// Task is one queue entry: a kind plus an opaque reference the handler
// interprets (post id, or owner|kind for notification flushes).
type Task struct {
	Kind string
	Ref  string
}

// Encode renders the task as its queue member string.
func (t Task) Encode() string {
	return t.Kind + "::" + t.Ref
}

// DecodeTask parses a queue member string back into a task.
func DecodeTask(member string) (Task, error) {
	kind, ref, ok := strings.Cut(member, "::")
	if !ok || kind == "" || ref == "" {
		return Task{}, fmt.Errorf("malformed task member %q", member)
	}
	return Task{Kind: kind, Ref: ref}, nil
}

// RedisQueue coordinates ready, in-flight, and scheduled task sets in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	taskMetaPfx   string
	visibilityTTL time.Duration
	dlqKey        string
}

// Options configure queue construction.
type Options struct {
	Addr              string
	Password          string
	DB                int
	VisibilityTimeout time.Duration
	DLQName           string
}

// NewRedisQueue builds a queue client.
func NewRedisQueue(opts Options) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newWithClient(client, opts)
}

// NewWithClient builds a queue over an existing client. Used by tests.
func NewWithClient(client *redis.Client, opts Options) *RedisQueue {
	return newWithClient(client, opts)
}

func newWithClient(client *redis.Client, opts Options) *RedisQueue {
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready",
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		taskMetaPfx:   "queue:taskmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) metaKey(member string) string {
	return q.taskMetaPfx + member
}

// Enqueue inserts a task into either the scheduled set or the ready queue,
// depending on runAt.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task, runAt time.Time) error {
	member := task.Encode()
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: member,
		}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, member).Err()
}

// Schedule moves a task into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, task Task, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: task.Encode(),
	}).Err()
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.scheduledKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// DequeueWithLease pops a task from the ready queue and places it into
// inflight with a visibility timeout. Returns a zero Task when empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	member, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	task, err := DecodeTask(member)
	if err != nil {
		// Poison entry; drop it from inflight so it does not loop forever.
		_ = q.client.ZRem(ctx, q.inflightKey, member).Err()
		return Task{}, false, err
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, task Task, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: task.Encode(),
	}).Err()
}

// Ack removes a task from in-flight tracking and clears its meta record.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	member := task.Encode()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, member)
	pipe.Del(ctx, q.metaKey(member))
	_, err := pipe.Exec(ctx)
	return err
}

// Release drops the lease but keeps the meta record, so the attempt counter
// survives a failure that will be retried.
func (q *RedisQueue) Release(ctx context.Context, task Task) error {
	return q.client.ZRem(ctx, q.inflightKey, task.Encode()).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the tasks.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	var tasks []Task
	for _, m := range members {
		task, err := DecodeTask(m)
		if err != nil {
			pipe.ZRem(ctx, q.inflightKey, m)
			continue
		}
		pipe.ZRem(ctx, q.inflightKey, m)
		pipe.RPush(ctx, q.readyKey, m)
		tasks = append(tasks, task)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// BumpAttempts increments and returns the delivery attempt counter for a
// task. The counter lives in task meta and is cleared on Ack.
func (q *RedisQueue) BumpAttempts(ctx context.Context, task Task) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.metaKey(task.Encode()), "attempts", 1).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, task Task) error {
	member := task.Encode()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, member)
	pipe.ZRem(ctx, q.inflightKey, member)
	pipe.ZRem(ctx, q.scheduledKey, member)
	pipe.Del(ctx, q.metaKey(member))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends a task to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, task Task) error {
	return q.client.RPush(ctx, q.dlqKey, task.Encode()).Err()
}

// DLQPeek reads the oldest dead-lettered task members.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
