package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/job"
	"github.com/emberq/emberq/internal/middleware"
	"github.com/emberq/emberq/internal/worker"
)

func setupTestProcessor(t *testing.T, cfg Config) (*Processor, *broker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewWithClient(client, "")
	return New(b, cfg), b, mr
}

// S1: register a handler, enqueue one job, process_one_tick, handler
// observed once, queue empties.
func TestProcessOneTick_RunsHandlerExactlyOnce(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{Queues: []string{"default"}, NumWorkers: 1})
	defer mr.Close()

	calls := 0
	worker.RegisterTyped(p.registry, "HelloWorker", func(ctx context.Context, a struct{}) error {
		calls++
		return nil
	}, worker.Options{})

	ctx := context.Background()
	args, _ := json.Marshal(struct{}{})
	j := job.New("HelloWorker", "default", []json.RawMessage{args})
	if err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, status, err := p.Fetch(ctx)
	if err != nil || status != broker.FetchReady {
		t.Fatalf("fetch: got=%v status=%v err=%v", got, status, err)
	}

	if err := p.ProcessOneTick(ctx, got); err != nil {
		t.Fatalf("process one tick: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected handler invoked exactly once, got %d", calls)
	}

	depth, err := b.QueueDepth(ctx, "default")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected queue empty after processing, depth=%d", depth)
	}
}

// S3: a halting middleware prevents the handler from running while
// counting as a successful job (no retry, no dead-letter).
func TestProcessOneTick_HaltingMiddlewareSkipsHandler(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{Queues: []string{"default"}, NumWorkers: 1})
	defer mr.Close()

	handlerCalled := false
	middlewareCalled := false
	worker.RegisterTyped(p.registry, "HelloWorker", func(ctx context.Context, a struct{}) error {
		handlerCalled = true
		return nil
	}, worker.Options{})

	if err := p.Use(func(next middleware.Next, ctx context.Context, j *job.Job, w *worker.Descriptor, b *broker.Broker) error {
		middlewareCalled = true
		return nil // halt
	}); err != nil {
		t.Fatalf("use: %v", err)
	}

	j := job.New("HelloWorker", "default", []json.RawMessage{[]byte("{}")})
	ctx := context.Background()
	if err := p.ProcessOneTick(ctx, j); err != nil {
		t.Fatalf("process one tick: %v", err)
	}

	if handlerCalled {
		t.Error("expected handler not invoked")
	}
	if !middlewareCalled {
		t.Error("expected middleware invoked")
	}

	deadCount, err := b.DeadCount(ctx)
	if err != nil {
		t.Fatalf("dead count: %v", err)
	}
	if deadCount != 0 {
		t.Errorf("expected no dead-letter on a halted job, got %d", deadCount)
	}
}

// S4: handler always fails, retry=3. After 3 failures, job is in
// dead, not in any queue, not in retry.
func TestProcessOneTick_ExhaustedRetriesGoToDead(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{Queues: []string{"default"}, NumWorkers: 1})
	defer mr.Close()

	worker.RegisterTyped(p.registry, "AlwaysFails", func(ctx context.Context, a struct{}) error {
		return errors.New("boom")
	}, worker.Options{})

	ctx := context.Background()
	j := job.New("AlwaysFails", "default", []json.RawMessage{[]byte("{}")})
	j.Retry = job.NewRetryCap(3)

	for i := 0; i < 3; i++ {
		if err := p.ProcessOneTick(ctx, j); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	deadCount, err := b.DeadCount(ctx)
	if err != nil {
		t.Fatalf("dead count: %v", err)
	}
	if deadCount != 1 {
		t.Errorf("expected job dead-lettered after exhausting retries, got %d", deadCount)
	}

	retryCard, err := b.Unnamespaced().QueueDepth(ctx, "default")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if retryCard != 0 {
		t.Errorf("expected job not re-enqueued to its original queue, depth=%d", retryCard)
	}
}

// A decode failure (bad_arguments) is dead-lettered on its first
// occurrence instead of following the job's retry cap (spec §4.F step
// 2, §7), even though plenty of cap remains.
func TestProcessOneTick_DecodeFailureDeadLettersImmediately(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{Queues: []string{"default"}, NumWorkers: 1})
	defer mr.Close()

	calls := 0
	worker.RegisterTyped(p.registry, "SendReport", func(ctx context.Context, a struct{ To string }) error {
		calls++
		return nil
	}, worker.Options{})

	ctx := context.Background()
	// malformed argument: "To" should be a string, not a number.
	j := job.New("SendReport", "default", []json.RawMessage{[]byte(`{"To":123}`)})
	j.Retry = job.NewRetryCap(5)

	if err := p.ProcessOneTick(ctx, j); err == nil {
		t.Fatal("expected decode failure")
	}
	if calls != 0 {
		t.Errorf("expected handler never invoked on a decode failure, got %d calls", calls)
	}

	deadCount, err := b.DeadCount(ctx)
	if err != nil {
		t.Fatalf("dead count: %v", err)
	}
	if deadCount != 1 {
		t.Errorf("expected the job dead-lettered on first decode failure, got %d", deadCount)
	}
	if j.RetryCount != 0 {
		t.Errorf("expected retry_count to stay at 0, got %d", j.RetryCount)
	}
}

// When the class opts into RetryOnDecodeFailure, a decode failure
// follows the normal retry-cap policy instead of dead-lettering
// immediately (spec §4.F step 2).
func TestProcessOneTick_DecodeFailureRetriesWhenClassOptsIn(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{Queues: []string{"default"}, NumWorkers: 1})
	defer mr.Close()

	worker.RegisterTyped(p.registry, "SendReport", func(ctx context.Context, a struct{ To string }) error {
		return nil
	}, worker.Options{RetryOnDecodeFailure: true})

	ctx := context.Background()
	j := job.New("SendReport", "default", []json.RawMessage{[]byte(`{"To":123}`)})
	j.Retry = job.NewRetryCap(5)

	if err := p.ProcessOneTick(ctx, j); err == nil {
		t.Fatal("expected decode failure")
	}

	deadCount, err := b.DeadCount(ctx)
	if err != nil {
		t.Fatalf("dead count: %v", err)
	}
	if deadCount != 0 {
		t.Errorf("expected no dead-letter when the class opted into decode-failure retries, got %d", deadCount)
	}
	if j.RetryCount != 1 {
		t.Errorf("expected retry_count incremented to 1, got %d", j.RetryCount)
	}
}

// S5: balance_strategy=RoundRobin, queues ["a","b"], 4 jobs into each.
// Eight sequential fetches yield 4 from a and 4 from b, interleaved
// with period 2.
func TestFetch_RoundRobinFairness(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{
		Queues:          []string{"a", "b"},
		NumWorkers:      1,
		BalanceStrategy: BalanceRoundRobin,
	})
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := b.Enqueue(ctx, job.New("X", "a", nil)); err != nil {
			t.Fatalf("enqueue a: %v", err)
		}
		if err := b.Enqueue(ctx, job.New("X", "b", nil)); err != nil {
			t.Fatalf("enqueue b: %v", err)
		}
	}

	counts := map[string]int{"a": 0, "b": 0}
	for i := 0; i < 8; i++ {
		got, status, err := p.Fetch(ctx)
		if err != nil || status != broker.FetchReady {
			t.Fatalf("fetch %d: got=%v status=%v err=%v", i, got, status, err)
		}
		counts[got.Queue]++
	}

	if counts["a"] != 4 || counts["b"] != 4 {
		t.Errorf("expected 4/4 split, got %v", counts)
	}
}

func TestFetch_StrictKeepsFixedOrder(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{
		Queues:          []string{"a", "b"},
		NumWorkers:      1,
		BalanceStrategy: BalanceStrict,
	})
	defer mr.Close()

	ctx := context.Background()
	if err := b.Enqueue(ctx, job.New("X", "b", nil)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, job.New("X", "a", nil)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, status, err := p.Fetch(ctx)
	if err != nil || status != broker.FetchReady {
		t.Fatalf("fetch: got=%v status=%v err=%v", got, status, err)
	}
	if got.Queue != "a" {
		t.Errorf("expected strict order to prefer queue a first, got %q", got.Queue)
	}
}

// S2: perform_in at t=0 with a due time in the past; the sweeper
// promotes the entry to its queue, and a running dispatch task picks
// it up and processes it, without a test-driven fetch/sweep call.
func TestRunAndShutdown_PromotesScheduledJobViaSweeper(t *testing.T) {
	p, b, mr := setupTestProcessor(t, Config{
		Queues:          []string{"default"},
		NumWorkers:      1,
		SweeperInterval: 20 * time.Millisecond,
	})
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processed := make(chan struct{}, 1)
	worker.RegisterTyped(p.registry, "HelloWorker", func(ctx context.Context, a struct{}) error {
		select {
		case processed <- struct{}{}:
		default:
		}
		return nil
	}, worker.Options{})

	j := job.New("HelloWorker", "default", []json.RawMessage{[]byte("{}")})
	if err := b.EnqueueIn(ctx, j, -1*time.Second); err != nil {
		t.Fatalf("enqueue in: %v", err)
	}

	go p.Run(ctx)
	defer p.Shutdown(time.Second)

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the scheduled job to be swept and processed within the deadline")
	}
}
