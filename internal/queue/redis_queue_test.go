package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		VisibilityTimeout: 30 * time.Second,
		PriorityQueues:    []string{"high", "default", "low"},
	}
	return NewRedisQueue(client, models.AgentSourcing, cfg), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	// Claimed job is invisible until the lease expires.
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, got %q err=%v", id, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("expected empty queue, depth=%d err=%v", depth, err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	now := time.Now()
	if err := q.Enqueue(ctx, "low-job", "low", now); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := q.Enqueue(ctx, "default-job", "default", now); err != nil {
		t.Fatalf("enqueue default: %v", err)
	}
	if err := q.Enqueue(ctx, "high-job", "high", now); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	want := []string{"high-job", "default-job", "low-job"}
	for _, expected := range want {
		id, err := q.DequeueWithLease(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if id != expected {
			t.Fatalf("expected %q next, got %q", expected, id)
		}
	}
}

func TestUnknownPriorityFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "urgent", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("expected job-1 from default queue, got %q err=%v", id, err)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	if err := q.Schedule(ctx, "job-1", "default", runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Not due yet.
	if n, err := q.PromoteScheduled(ctx, time.Now(), 10); err != nil || n != 0 {
		t.Fatalf("expected no promotions, got %d err=%v", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("scheduled job must not be claimable, got %q", id)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 promotion, got %d err=%v", n, err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("expected job-1 after promotion, got %q err=%v", id, err)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", ids)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("expected job-1 claimable again, got %q err=%v", id, err)
	}
}

func TestCancelRemovesQueuedJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "high", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	removed, err := q.Cancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !removed {
		t.Fatalf("expected cancel to report removal")
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("cancelled job must not be claimable, got %q", id)
	}

	// Cancelling a job that was already claimed and acked finds nothing.
	removed, err = q.Cancel(ctx, "job-1")
	if err != nil || removed {
		t.Fatalf("expected no-op cancel, removed=%v err=%v", removed, err)
	}
}
