package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskQueue coordinates ready, in-flight, and scheduled task keys in Redis.
// It is a delivery mirror only: the store remains the source of truth for
// status, and a duplicate delivery of a task key is harmless because the
// store's compare-and-swap claim rejects the second worker.
type TaskQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	queuedKey     string
	visibilityTTL time.Duration
}

// NewTaskQueue builds a queue client with the given lease visibility window.
func NewTaskQueue(client *redis.Client, visibility time.Duration) *TaskQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &TaskQueue{
		client:        client,
		readyKey:      "pe:tasks:ready",
		inflightKey:   "pe:tasks:inflight",
		scheduledKey:  "pe:tasks:scheduled",
		queuedKey:     "pe:tasks:queued",
		visibilityTTL: visibility,
	}
}

// EnqueueReady appends a task key to the ready queue. A key already queued,
// scheduled, or in flight is left alone, so the reconciler can re-offer the
// store's ready set without flooding the queue.
func (q *TaskQueue) EnqueueReady(ctx context.Context, taskKey string) error {
	added, err := q.client.SAdd(ctx, q.queuedKey, taskKey).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	return q.client.RPush(ctx, q.readyKey, taskKey).Err()
}

// Schedule defers a task key until runAt, typically a backoff deadline.
func (q *TaskQueue) Schedule(ctx context.Context, taskKey string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.queuedKey, taskKey)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: taskKey,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled task keys into the ready queue.
// Returns how many were promoted.
func (q *TaskQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, key := range keys {
		pipe.ZRem(ctx, q.scheduledKey, key)
		pipe.RPush(ctx, q.readyKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DequeueWithLease pops a task key from the ready queue and places it into
// inflight with a visibility timeout. Empty string means nothing is ready.
func (q *TaskQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskKey, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskKey, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
// Long webhook waits call this to keep the lease from being reclaimed.
func (q *TaskQueue) ExtendLease(ctx context.Context, taskKey string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskKey,
	}).Err()
}

// Ack removes a task key from in-flight tracking and frees it for a future
// enqueue.
func (q *TaskQueue) Ack(ctx context.Context, taskKey string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskKey)
	pipe.SRem(ctx, q.queuedKey, taskKey)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing their keys.
func (q *TaskQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, key := range keys {
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.RPush(ctx, q.readyKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return keys, nil
}

// ReadyDepth returns the current ready queue length.
func (q *TaskQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
