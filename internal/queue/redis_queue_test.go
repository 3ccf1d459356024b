package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *TaskQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTaskQueue(client, time.Minute)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.EnqueueReady(ctx, "task-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.EnqueueReady(ctx, "task-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2 got %d err=%v", depth, err)
	}

	key, err := q.DequeueWithLease(ctx)
	if err != nil || key != "task-1" {
		t.Fatalf("expected task-1 got %q err=%v", key, err)
	}
	if err := q.Ack(ctx, key); err != nil {
		t.Fatalf("ack: %v", err)
	}

	key, _ = q.DequeueWithLease(ctx)
	if key != "task-2" {
		t.Fatalf("expected task-2 got %q", key)
	}

	key, err = q.DequeueWithLease(ctx)
	if err != nil || key != "" {
		t.Fatalf("expected empty dequeue got %q err=%v", key, err)
	}
}

func TestEnqueueReadyDeduplicates(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for i := 0; i < 3; i++ {
		if err := q.EnqueueReady(ctx, "task-1"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected single delivery got depth %d err=%v", depth, err)
	}

	key, _ := q.DequeueWithLease(ctx)
	if key != "task-1" {
		t.Fatalf("expected task-1 got %q", key)
	}
	if err := q.Ack(ctx, key); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// After ack the key may be offered again.
	if err := q.EnqueueReady(ctx, "task-1"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	depth, _ = q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected re-enqueue after ack, depth %d", depth)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(time.Hour)
	if err := q.Schedule(ctx, "task-1", runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("nothing should be due yet, promoted %d err=%v", n, err)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected promotion of 1 got %d err=%v", n, err)
	}

	key, _ := q.DequeueWithLease(ctx)
	if key != "task-1" {
		t.Fatalf("expected promoted task-1 got %q", key)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.EnqueueReady(ctx, "task-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Before the lease deadline nothing is reclaimed.
	keys, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no reclaim got %v err=%v", keys, err)
	}

	keys, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(keys) != 1 || keys[0] != "task-1" {
		t.Fatalf("expected reclaim of task-1 got %v err=%v", keys, err)
	}

	key, _ := q.DequeueWithLease(ctx)
	if key != "task-1" {
		t.Fatalf("reclaimed task should be ready again, got %q", key)
	}
}
