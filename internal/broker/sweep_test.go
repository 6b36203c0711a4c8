package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberq/emberq/internal/job"
)

func TestSweep_PromotesDueEntries(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "default", nil)
	if err := b.EnqueueAt(ctx, j, time.Now().Add(-1*time.Second)); err != nil {
		t.Fatalf("enqueue_at: %v", err)
	}

	n, err := b.Sweep(ctx, SweepSchedule, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}

	depth, err := b.QueueDepth(ctx, "default")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected job promoted to queue, depth=%d", depth)
	}

	card, err := b.client.ZCard(ctx, b.scheduleKey()).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if card != 0 {
		t.Errorf("expected schedule set empty after promotion, got %d", card)
	}
}

func TestSweep_IgnoresNotYetDueEntries(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "default", nil)
	if err := b.EnqueueAt(ctx, j, time.Now().Add(1*time.Hour)); err != nil {
		t.Fatalf("enqueue_at: %v", err)
	}

	n, err := b.Sweep(ctx, SweepSchedule, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 promotions for a future entry, got %d", n)
	}
}

func TestSweep_AtomicUnderConcurrentSweepers(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "default", nil)
	if err := b.EnqueueAt(ctx, j, time.Now().Add(-1*time.Second)); err != nil {
		t.Fatalf("enqueue_at: %v", err)
	}

	const sweepers = 8
	totals := make([]int, sweepers)
	var wg sync.WaitGroup
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			n, err := b.Sweep(ctx, SweepSchedule, 100)
			if err != nil {
				t.Errorf("sweep %d: %v", idx, err)
				return
			}
			totals[idx] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range totals {
		sum += n
	}
	if sum != 1 {
		t.Errorf("expected the single entry promoted exactly once across all sweepers, total=%d", sum)
	}
}

func TestSweep_BatchSizeLimitsPromotion(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		j := job.New("SendReport", "default", nil)
		if err := b.EnqueueAt(ctx, j, time.Now().Add(-1*time.Second)); err != nil {
			t.Fatalf("enqueue_at: %v", err)
		}
	}

	n, err := b.Sweep(ctx, SweepSchedule, 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected batch-limited promotion of 2, got %d", n)
	}

	card, err := b.client.ZCard(ctx, b.scheduleKey()).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if card != 3 {
		t.Errorf("expected 3 entries remaining, got %d", card)
	}
}

func TestSweep_RetrySetPromotesToOriginalQueue(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	j := job.New("SendReport", "critical", nil)
	data, err := j.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	due := job.EpochNow() - 1
	if err := b.client.ZAdd(ctx, b.retryKey(), redis.Z{Score: due, Member: data}).Err(); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	n, err := b.Sweep(ctx, SweepRetry, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}

	depth, err := b.QueueDepth(ctx, "critical")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected job promoted to its own queue, depth=%d", depth)
	}
}

func TestSweep_CorruptMemberMovedToCorruptSet(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()

	ctx := context.Background()
	due := job.EpochNow() - 1
	if err := b.client.ZAdd(ctx, b.scheduleKey(), redis.Z{Score: due, Member: "not valid json"}).Err(); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	n, err := b.Sweep(ctx, SweepSchedule, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 promotions for a corrupt member, got %d", n)
	}

	count, err := b.CorruptCount(ctx)
	if err != nil {
		t.Fatalf("corrupt count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected corrupt member recorded, got %d", count)
	}
}

func TestSweepInterval_JittersWithinBounds(t *testing.T) {
	base := 5 * time.Second
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		got := SweepInterval(base, func() float64 { return r })
		if got < base/2 || got > base+base/2 {
			t.Errorf("jittered interval %v out of [%v, %v] for r=%f", got, base/2, base+base/2, r)
		}
	}
}
