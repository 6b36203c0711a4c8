// Package retry implements the terminal-failure disposition engine
// (spec §4.G): on a handler or middleware failure, a job is either
// scheduled for another attempt with a backoff delay, or moved to the
// dead set.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/emberq/emberq/internal/broker"
	emerrors "github.com/emberq/emberq/internal/errors"
	"github.com/emberq/emberq/internal/job"
	"github.com/emberq/emberq/internal/metrics"
	"github.com/emberq/emberq/internal/worker"
)

// Config carries the engine-wide dead-set limits (spec §4.G, §3
// Config); a job's retry cap comes from the job record itself.
type Config struct {
	DeadSetSizeCap int
	DeadRetention  time.Duration
}

// Engine disposes of failed jobs per the retry policy carried on the
// job record itself; no side table is consulted (spec §4.G).
//
// Grounded on the teacher's RedisQueue.Fail, generalized from its
// fixed 2^attempts backoff to the reference formula the original
// system uses, and from a single scheduled set to the dedicated retry
// set.
type Engine struct {
	b   *broker.Broker
	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine builds an Engine with a per-instance RNG seeded from
// crypto/rand, rather than the process-global math/rand source, so
// concurrent processors don't share backoff jitter sequences (spec
// §9).
func NewEngine(b *broker.Broker, cfg Config) *Engine {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand.Read does not fail in practice on a supported
		// platform; fall back to a time-based seed rather than panic, since
		// jitter quality degrading is not worth crashing the processor.
		binary.BigEndian.PutUint64(seed[:8], uint64(time.Now().UnixNano()))
	}
	s1 := binary.BigEndian.Uint64(seed[:8])
	s2 := binary.BigEndian.Uint64(seed[8:16])
	return &Engine{
		b:   b,
		cfg: cfg,
		rng: rand.New(rand.NewPCG(s1, s2)),
	}
}

// Handle applies the terminal-failure disposition for j, which failed
// with cause while running under d (the class's registered
// descriptor; may be nil when the caller has none, e.g. an unknown
// class never reaches here in the first place). It mutates j's
// bookkeeping fields and either inserts it into the retry set (another
// attempt) or the dead set (exhausted, non-retryable, or a decode
// failure whose class did not opt into retrying it), per spec §4.G and the §7
// disposition table.
func (e *Engine) Handle(ctx context.Context, j *job.Job, cause error, d *worker.Descriptor) error {
	errClass, errMessage := classify(cause)

	if j.FailedAt == 0 {
		j.FailedAt = job.EpochNow()
	}
	j.ErrorClass = errClass
	j.ErrorMessage = errMessage

	// A bad_arguments (decode) failure is dead-lettered on its first
	// occurrence rather than following the job's retry cap, unless the
	// class explicitly opted in via RetryOnDecodeFailure — the
	// arguments will not decode any differently on a later attempt.
	if stderrors.Is(cause, emerrors.ErrBadArguments) && !(d != nil && d.Options.RetryOnDecodeFailure) {
		return e.deadLetter(ctx, j)
	}

	if !j.Retry.Enabled || j.RetryCount >= j.Retry.EffectiveCap() {
		return e.deadLetter(ctx, j)
	}
	return e.scheduleRetry(ctx, j)
}

func (e *Engine) deadLetter(ctx context.Context, j *job.Job) error {
	if err := e.b.AddDead(ctx, j, e.cfg.DeadSetSizeCap, e.cfg.DeadRetention); err != nil {
		return fmt.Errorf("retry: dead-letter: %w", err)
	}
	metrics.Default().RecordJobDead()
	return nil
}

func (e *Engine) scheduleRetry(ctx context.Context, j *job.Job) error {
	delay := e.backoff(j.RetryCount)
	j.RetriedAt = job.EpochNow()
	j.RetryCount++

	if err := e.b.ScheduleRetry(ctx, j, time.Now().Add(delay)); err != nil {
		return fmt.Errorf("retry: schedule: %w", err)
	}
	metrics.Default().RecordJobRetried()
	return nil
}

// backoff computes the reference formula:
//
//	(retry_count+1)^4 + 15 + rand()*30*(retry_count+1)
//
// seconds, using this engine's own RNG rather than a shared global one
// (spec §4.G, §9).
func (e *Engine) backoff(retryCount int) time.Duration {
	n := float64(retryCount + 1)

	e.mu.Lock()
	jitter := e.rng.Float64()
	e.mu.Unlock()

	seconds := math.Pow(n, 4) + 15 + jitter*30*n
	return time.Duration(seconds * float64(time.Second))
}

// classify extracts a short class tag and message from a failure,
// preferring a sentinel from the core's error taxonomy (spec §7) when
// the cause wraps one.
func classify(cause error) (class, message string) {
	if cause == nil {
		return "unknown", ""
	}

	for _, sentinel := range []error{
		emerrors.ErrUnknownWorker,
		emerrors.ErrBadArguments,
		emerrors.ErrHandlerFailed,
		emerrors.ErrMiddlewareFailed,
		emerrors.ErrBrokerUnavailable,
		emerrors.ErrMalformedJob,
	} {
		if stderrors.Is(cause, sentinel) {
			return sentinel.Error(), cause.Error()
		}
	}
	return "handler_error", cause.Error()
}
