// Package processor is the orchestrator (spec §4.H): it owns the
// fetcher/sweeper goroutines, the shared middleware chain, and the
// worker registry, structured like the teacher's worker.Pool (worker
// goroutines, a WaitGroup, a stop channel, panic recovery, exponential
// backoff on broker errors) with the teacher's CronScheduler's
// ticker-loop shape reused for the sweeper.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberq/emberq/internal/broker"
	emerrors "github.com/emberq/emberq/internal/errors"
	"github.com/emberq/emberq/internal/job"
	"github.com/emberq/emberq/internal/logger"
	"github.com/emberq/emberq/internal/metrics"
	"github.com/emberq/emberq/internal/middleware"
	"github.com/emberq/emberq/internal/retry"
	"github.com/emberq/emberq/internal/worker"
)

// BalanceStrategy selects how a dispatch task orders its queue list on
// each fetch (spec §4.H, §8 property 4).
type BalanceStrategy int

const (
	BalanceRoundRobin BalanceStrategy = iota
	BalanceStrict
)

// QueueConfig overrides the global worker count for one queue (spec
// §4.H, §9 Open Questions: the global num_workers is treated as a hard
// ceiling, per-queue values are additional per-queue caps beneath it).
type QueueConfig struct {
	NumWorkers int
}

// Config is the orchestrator's construction-time configuration (spec
// §4.H, §6 Configuration options).
type Config struct {
	Queues          []string
	NumWorkers      int
	BalanceStrategy BalanceStrategy
	QueueConfigs    map[string]QueueConfig
	FetchTimeout    time.Duration
	SweeperInterval time.Duration
	SweeperBatch    int64
	DeadSetSizeCap  int
	DeadRetention   time.Duration
}

// Processor is the running orchestrator: num_workers dispatch tasks
// fetching from the declared queues, plus a sweeper promoting due
// schedule/retry entries.
type Processor struct {
	cfg      Config
	b        *broker.Broker
	registry *worker.Registry
	chain    *middleware.Chain
	engine   *retry.Engine
	log      logger.Logger

	mu          sync.Mutex
	rotateIndex int

	wg        sync.WaitGroup
	stopChan  chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	semByName map[string]chan struct{}
}

// New builds a Processor. The middleware chain and worker registry may
// still be extended via Use/Register until Run is called.
func New(b *broker.Broker, cfg Config) *Processor {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if cfg.SweeperInterval <= 0 {
		cfg.SweeperInterval = 5 * time.Second
	}
	if cfg.SweeperBatch <= 0 {
		cfg.SweeperBatch = 100
	}

	engine := retry.NewEngine(b, retry.Config{
		DeadSetSizeCap: cfg.DeadSetSizeCap,
		DeadRetention:  cfg.DeadRetention,
	})

	p := &Processor{
		cfg:      cfg,
		b:        b,
		registry: worker.NewRegistry(),
		chain:    middleware.NewChain(),
		engine:   engine,
		log:      logger.Default().WithComponent(logger.ComponentDispatcher),
		stopChan: make(chan struct{}),
	}
	p.semByName = make(map[string]chan struct{}, len(cfg.Queues))
	for _, q := range cfg.Queues {
		n := cfg.NumWorkers
		if qc, ok := cfg.QueueConfigs[q]; ok && qc.NumWorkers > 0 {
			n = qc.NumWorkers
			if n > cfg.NumWorkers {
				n = cfg.NumWorkers
			}
		}
		p.semByName[q] = make(chan struct{}, n)
	}
	return p
}

// Register adds a handler descriptor to the worker registry (spec
// §4.F). Idempotent on class name.
func (p *Processor) Register(d *worker.Descriptor) {
	p.registry.Register(d)
}

// Registry exposes the underlying worker registry so callers can use
// worker.RegisterTyped directly instead of building a Descriptor by
// hand.
func (p *Processor) Registry() *worker.Registry {
	return p.registry
}

// Use appends a middleware to the shared chain (spec §4.E). Safe to
// call only before Run starts dispatch tasks.
func (p *Processor) Use(m middleware.Middleware) error {
	return p.chain.Use(m)
}

// orderedQueues returns the queue list in fetch order for this call,
// rotating under RoundRobin and holding fixed under Strict (spec §8
// property 4: fairness).
func (p *Processor) orderedQueues() []string {
	if p.cfg.BalanceStrategy == BalanceStrict || len(p.cfg.Queues) <= 1 {
		return p.cfg.Queues
	}

	p.mu.Lock()
	start := p.rotateIndex % len(p.cfg.Queues)
	p.rotateIndex++
	p.mu.Unlock()

	rotated := make([]string, len(p.cfg.Queues))
	for i := range p.cfg.Queues {
		rotated[i] = p.cfg.Queues[(start+i)%len(p.cfg.Queues)]
	}
	return rotated
}

// Fetch performs one fetch attempt with the processor's configuration,
// exposed for tests (spec §4.H).
func (p *Processor) Fetch(ctx context.Context) (*job.Job, broker.FetchResult, error) {
	return p.b.Fetch(ctx, p.orderedQueues(), p.cfg.FetchTimeout)
}

// ProcessOneTick runs j through the middleware chain and, on failure,
// the retry engine, exactly once — a single-step entry point for
// tests (spec §4.H).
func (p *Processor) ProcessOneTick(ctx context.Context, j *job.Job) error {
	return p.dispatch(ctx, j)
}

// dispatch looks up j's class (spec §4.F step 1 — an unknown class is
// dead-lettered immediately, bypassing both the middleware chain and
// the retry engine's cap logic) and otherwise runs the chain around
// worker.Dispatch, routing every resulting failure through the retry
// engine (RetryMiddleware is not detected, so it must not also be on
// this chain).
func (p *Processor) dispatch(ctx context.Context, j *job.Job) error {
	d, ok := p.registry.Get(j.Class)
	if !ok {
		j.ErrorClass = emerrors.ErrUnknownWorker.Error()
		j.ErrorMessage = fmt.Sprintf("no handler registered for class %q", j.Class)
		if j.FailedAt == 0 {
			j.FailedAt = job.EpochNow()
		}
		if err := p.b.AddDead(ctx, j, p.cfg.DeadSetSizeCap, p.cfg.DeadRetention); err != nil {
			return err
		}
		metrics.Default().RecordJobDead()
		return fmt.Errorf("%w: %s", emerrors.ErrUnknownWorker, j.Class)
	}

	terminal := func(ctx context.Context, j *job.Job) error {
		return worker.Dispatch(ctx, d, j)
	}

	ctx = logger.ContextWithJob(ctx, j.JID, j.Class, j.Queue)

	metrics.Default().RecordJobStarted(j.Class)
	start := time.Now()
	err := p.chain.Invoke(ctx, j, d, p.b, terminal)
	duration := time.Since(start)

	if err != nil {
		metrics.Default().RecordJobFailed(duration)
		// Per spec §4.H, the processor itself invokes the retry engine
		// on any chain failure — middleware.RetryMiddleware exists for
		// callers driving the chain without a Processor (standalone
		// tests, a custom orchestration loop); it must not also be
		// registered here, or a failure would be disposed of twice.
		if disposeErr := p.engine.Handle(ctx, j, err, d); disposeErr != nil {
			p.log.Error("failed to dispose of a failed job", "jid", j.JID, "class", j.Class, "error", disposeErr)
		}
		return err
	}

	metrics.Default().RecordJobCompleted(duration)
	return nil
}

// Run starts the sweeper and num_workers dispatch tasks. It blocks
// until Shutdown is called or ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.running.Store(true)
	p.log.Info("processor starting", "queues", p.cfg.Queues, "num_workers", p.cfg.NumWorkers, "balance_strategy", p.cfg.BalanceStrategy)

	p.wg.Add(1)
	go p.sweepLoop(ctx)

	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.dispatchTask(ctx, i+1)
	}

	select {
	case <-p.stopChan:
		p.log.Info("processor stop signaled")
	case <-ctx.Done():
		p.log.Info("processor context cancelled")
	}
}

// dispatchTask is one IDLE→FETCHING→RUNNING state-machine loop (spec
// §4.H).
func (p *Processor) dispatchTask(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("dispatch task recovered from panic", "task_id", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		j, status, err := p.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("fetch failed, backing off", "task_id", id, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-p.stopChan:
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if status == broker.FetchEmpty {
			continue
		}

		sem := p.semByName[j.Queue]
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-p.stopChan:
				return
			}
		}

		if err := p.dispatch(ctx, j); err != nil {
			p.log.Warn("job failed", "task_id", id, "jid", j.JID, "class", j.Class, "error", err)
		}

		if sem != nil {
			<-sem
		}
	}
}

func (p *Processor) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	rnd := func() float64 { return float64(time.Now().UnixNano()%1000) / 1000 }
	timer := time.NewTimer(broker.SweepInterval(p.cfg.SweeperInterval, rnd))
	defer timer.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			p.sweepOnce(ctx)
			timer.Reset(broker.SweepInterval(p.cfg.SweeperInterval, rnd))
		}
	}
}

func (p *Processor) sweepOnce(ctx context.Context) {
	for _, set := range []broker.SweepSet{broker.SweepSchedule, broker.SweepRetry} {
		n, err := p.b.Sweep(ctx, set, p.cfg.SweeperBatch)
		if err != nil {
			p.log.Warn("sweep cycle failed", "set", set, "error", err)
			continue
		}
		if n > 0 {
			p.log.Debug("swept due entries", "set", set, "promoted", n)
		}
	}
}

// Shutdown stops accepting new fetches and waits up to grace for
// in-flight jobs to finish. After grace, outstanding tasks are
// abandoned without re-enqueueing (spec §4.H).
func (p *Processor) Shutdown(grace time.Duration) {
	p.stopOnce.Do(func() { close(p.stopChan) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("processor shut down gracefully")
	case <-time.After(grace):
		p.log.Warn("processor shutdown grace period expired, abandoning in-flight tasks", "grace", grace)
	}
	p.running.Store(false)
}

// Running reports whether Run has been called and Shutdown has not yet
// completed.
func (p *Processor) Running() bool {
	return p.running.Load()
}
