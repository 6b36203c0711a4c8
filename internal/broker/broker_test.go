package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/emberq/emberq/internal/job"
)

func setupTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, ""), mr
}

func TestEnqueue_PushesAndRegistersQueue(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "default", nil)

	if err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if j.EnqueuedAt == 0 {
		t.Error("expected enqueued_at to be set")
	}

	depth, err := b.QueueDepth(ctx, "default")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}

	queues, err := b.KnownQueues(ctx)
	if err != nil {
		t.Fatalf("known queues: %v", err)
	}
	if len(queues) != 1 || queues[0] != "default" {
		t.Errorf("expected [default], got %v", queues)
	}
}

func TestFetch_RoundTrip(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "default", []json.RawMessage{[]byte(`"x"`)})
	if err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, status, err := b.Fetch(ctx, []string{"default"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if status != FetchReady {
		t.Fatalf("expected FetchReady, got %v", status)
	}
	if got.JID != j.JID {
		t.Errorf("expected jid %s, got %s", j.JID, got.JID)
	}
}

func TestFetch_EmptyOnTimeout(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	_, status, err := b.Fetch(ctx, []string{"default"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if status != FetchEmpty {
		t.Errorf("expected FetchEmpty, got %v", status)
	}
}

func TestFetch_NeverPopsUnconfiguredQueue(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "other", nil)
	if err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, status, err := b.Fetch(ctx, []string{"default"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if status != FetchEmpty {
		t.Errorf("expected FetchEmpty (job is on an unconfigured queue), got %v", status)
	}
}

func TestNamespace_IsolatesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	nsBroker := NewWithClient(client, "yolo_app")
	plainBroker := NewWithClient(client, "")

	ctx := context.Background()
	j := job.New("SendReport", "default", nil)
	if err := nsBroker.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if !mr.Exists("yolo_app:queue:default") {
		t.Error("expected namespaced key to exist")
	}

	_, status, err := plainBroker.Fetch(ctx, []string{"default"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if status != FetchEmpty {
		t.Error("expected unnamespaced broker to not see namespaced job")
	}

	got, status, err := nsBroker.Fetch(ctx, []string{"default"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if status != FetchReady || got.JID != j.JID {
		t.Error("expected namespaced broker to see its own job")
	}
}

func TestScheduleRetry_GoesToRetrySet(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "default", nil)
	j.RetryCount = 1

	if err := b.ScheduleRetry(ctx, j, time.Now().Add(30*time.Second)); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	card, err := b.client.ZCard(ctx, b.retryKey()).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if card != 1 {
		t.Errorf("expected 1 retry entry, got %d", card)
	}
}

func TestEnqueueAt_GoesToScheduleSet(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "default", nil)
	due := time.Now().Add(10 * time.Second)

	if err := b.EnqueueAt(ctx, j, due); err != nil {
		t.Fatalf("enqueue_at: %v", err)
	}

	card, err := b.client.ZCard(ctx, b.scheduleKey()).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if card != 1 {
		t.Errorf("expected 1 scheduled entry, got %d", card)
	}

	if j.EnqueuedAt != 0 {
		t.Error("expected enqueued_at to remain unset for a delayed job")
	}
}
