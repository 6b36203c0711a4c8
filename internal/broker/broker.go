// Package broker is the Redis-backed job store: queue lists, the
// schedule/retry/dead sorted sets, and the queues membership set
// (spec §6). It replaces the teacher's internal/queue package, which
// modeled three fixed priority lists plus a single scheduled set and a
// reliable-queue BRPOPLPUSH processing list; this package generalizes
// to an open set of named queues with two delayed sets and drops the
// processing list, since crash recovery is a deliberate future
// extension (spec §9 Open Questions).
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	emerrors "github.com/emberq/emberq/internal/errors"
	"github.com/emberq/emberq/internal/job"
)

// Broker wraps a Redis client with emberq's key layout and namespace.
type Broker struct {
	client    *redis.Client
	namespace string
}

// New connects to Redis at redisURL and returns a namespaced Broker.
// An empty namespace applies no prefix.
func New(redisURL, namespace string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}

	// Sized for a processor running many concurrent dispatch goroutines
	// plus the sweeper and periodic loops sharing one pool.
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: connect: %w", err)
	}

	return &Broker{client: client, namespace: namespace}, nil
}

// NewWithClient wraps an already-constructed client (used by tests
// against miniredis, and by callers sharing a client across brokers).
func NewWithClient(client *redis.Client, namespace string) *Broker {
	return &Broker{client: client, namespace: namespace}
}

// Unnamespaced returns a Broker sharing the same client but with no
// namespace prefix, for administrative commands that must bypass
// tenant isolation (spec §3 Namespace).
func (b *Broker) Unnamespaced() *Broker {
	return &Broker{client: b.client, namespace: ""}
}

// Namespace reports the broker's configured key prefix.
func (b *Broker) Namespace() string {
	return b.namespace
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) prefixed(key string) string {
	if b.namespace == "" {
		return key
	}
	return b.namespace + ":" + key
}

func (b *Broker) queueKey(name string) string {
	return b.prefixed("queue:" + name)
}

func (b *Broker) queuesSetKey() string {
	return b.prefixed("queues")
}

func (b *Broker) scheduleKey() string {
	return b.prefixed("schedule")
}

func (b *Broker) retryKey() string {
	return b.prefixed("retry")
}

func (b *Broker) deadKey() string {
	return b.prefixed("dead")
}

func (b *Broker) corruptKey() string {
	return b.prefixed("corrupt")
}

// Enqueue pushes a job onto the tail of its queue list and registers
// the queue name, setting EnqueuedAt if unset (spec §4.B).
func (b *Broker) Enqueue(ctx context.Context, j *job.Job) error {
	if j.EnqueuedAt == 0 {
		j.EnqueuedAt = job.EpochNow()
	}

	data, err := j.Encode()
	if err != nil {
		return fmt.Errorf("broker: encode job: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.LPush(ctx, b.queueKey(j.Queue), data)
	pipe.SAdd(ctx, b.queuesSetKey(), j.Queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// EnqueueIn stores the job in the schedule set, due after delay.
// EnqueuedAt is left unset (spec §4.B).
func (b *Broker) EnqueueIn(ctx context.Context, j *job.Job, delay time.Duration) error {
	return b.EnqueueAt(ctx, j, time.Now().Add(delay))
}

// EnqueueAt stores the job in the schedule set, due at when.
func (b *Broker) EnqueueAt(ctx context.Context, j *job.Job, when time.Time) error {
	data, err := j.Encode()
	if err != nil {
		return fmt.Errorf("broker: encode job: %w", err)
	}

	due := float64(when.UnixNano()) / float64(time.Second)
	if err := b.client.ZAdd(ctx, b.scheduleKey(), redis.Z{Score: due, Member: data}).Err(); err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// ScheduleRetry stores the job in the retry set, due at when (spec
// §4.G step 2). Unlike EnqueueAt, the record carries retry bookkeeping
// the caller has already updated (retry_count, retried_at, and so on).
func (b *Broker) ScheduleRetry(ctx context.Context, j *job.Job, when time.Time) error {
	data, err := j.Encode()
	if err != nil {
		return fmt.Errorf("broker: encode job: %w", err)
	}

	due := float64(when.UnixNano()) / float64(time.Second)
	if err := b.client.ZAdd(ctx, b.retryKey(), redis.Z{Score: due, Member: data}).Err(); err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// FetchResult is the outcome of one Fetch attempt.
type FetchResult int

const (
	// FetchReady means a job was popped and is owned by the caller.
	FetchReady FetchResult = iota
	// FetchEmpty means the timeout elapsed with no work on any queue.
	FetchEmpty
)

// Fetch blocks for up to timeout across the given ordered queue list
// (spec §4.C). The order is the caller's concern (RoundRobin rotates
// it per call, Strict keeps it fixed); Fetch itself performs a single
// blocking multi-key pop in the order given.
//
// A malformed popped record is still "owned" by the caller once
// popped — Fetch decodes it here and returns ErrMalformedJob rather
// than silently dropping it, so the caller can log and count it
// without losing the fact that a list entry was consumed.
func (b *Broker) Fetch(ctx context.Context, queues []string, timeout time.Duration) (*job.Job, FetchResult, error) {
	if len(queues) == 0 {
		return nil, FetchEmpty, fmt.Errorf("broker: fetch requires at least one queue")
	}

	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = b.queueKey(q)
	}

	result, err := b.client.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, FetchEmpty, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, FetchEmpty, ctx.Err()
		}
		return nil, FetchEmpty, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}

	// result is [matchedKey, value]
	j, decodeErr := job.Decode([]byte(result[1]))
	if decodeErr != nil {
		return nil, FetchReady, fmt.Errorf("%w: %v", emerrors.ErrMalformedJob, decodeErr)
	}
	return j, FetchReady, nil
}

// StateKey returns the namespaced key used to persist a piece of named
// run-state (currently: periodic schedule bookkeeping) as a Redis
// hash, so it survives a single instance restarting or losing the
// distributed lock race on later ticks.
func (b *Broker) StateKey(kind, id string) string {
	return b.prefixed(kind + ":" + id)
}

// HGetAll reads every field of a hash-shaped state key.
func (b *Broker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return fields, nil
}

// HSet writes fields into a hash-shaped state key.
func (b *Broker) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if err := b.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// QueueDepth reports the current length of a queue's list, for
// metrics reporting.
func (b *Broker) QueueDepth(ctx context.Context, name string) (int64, error) {
	n, err := b.client.LLen(ctx, b.queueKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return n, nil
}

// KnownQueues returns every queue name ever registered via Enqueue.
func (b *Broker) KnownQueues(ctx context.Context) ([]string, error) {
	names, err := b.client.SMembers(ctx, b.queuesSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return names, nil
}
