// Package client is the thin submission API consumers link against
// (SPEC_FULL.md §12, spec §6): PerformAsync/PerformIn/PerformAt built
// on top of internal/broker, grounded on the teacher's pkg/client.
// SubmitJob/SubmitJobScheduled become the spec's three Perform* verbs,
// keyed off the job's queue+retry model instead of the teacher's
// fixed priority levels.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/job"
	"github.com/emberq/emberq/internal/result"
	"github.com/emberq/emberq/internal/serialization"
	"github.com/emberq/emberq/internal/worker"
	"github.com/redis/go-redis/v9"
)

var argsCodec = serialization.NewArgsCodec()

// Options overrides a class's registered defaults for a single
// submission (spec §4.B: "per-worker defaults ... applied only if the
// job does not already specify them").
type Options struct {
	Queue string
	Retry *job.RetryPolicy
}

// Client is the submission-side handle to the broker: build jobs from
// a registered class plus arguments, apply worker-registered defaults
// where the caller didn't override them, and enqueue.
type Client struct {
	broker   *broker.Broker
	registry *worker.Registry
	results  result.Backend
}

// New builds a Client against redisURL with no default result backend.
func New(redisURL, namespace string) (*Client, error) {
	b, err := broker.New(redisURL, namespace)
	if err != nil {
		return nil, err
	}
	return &Client{broker: b, registry: worker.NewRegistry()}, nil
}

// NewWithResultBackend builds a Client whose SubmitAndWait can observe
// completion, using standard TTLs (1h success, 24h failure), grounded
// on the teacher's NewClient default.
func NewWithResultBackend(redisURL, namespace string) (*Client, error) {
	c, err := New(redisURL, namespace)
	if err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse redis url: %w", err)
	}
	c.results = result.NewRedisBackend(redis.NewClient(opts), time.Hour, 24*time.Hour)
	return c, nil
}

// UseRegistry points the client at the same worker registry a
// processor uses, so PerformAsync/PerformIn/PerformAt can apply a
// class's registered queue/retry defaults instead of requiring the
// caller to repeat them at every call site.
func (c *Client) UseRegistry(r *worker.Registry) {
	c.registry = r
}

// Broker exposes the underlying broker for callers that need direct
// access (administrative commands, KnownQueues, and so on).
func (c *Client) Broker() *broker.Broker {
	return c.broker
}

func (c *Client) buildJob(class string, args []any, override *Options) (*job.Job, error) {
	encoded, err := argsCodec.EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	queue := "default"
	var retry *job.RetryPolicy
	if c.registry != nil {
		if d, ok := c.registry.Get(class); ok {
			if d.Options.Queue != "" {
				queue = d.Options.Queue
			}
			if d.Options.RetryCap > 0 {
				policy := job.NewRetryCap(d.Options.RetryCap)
				retry = &policy
			}
		}
	}
	if override != nil {
		if override.Queue != "" {
			queue = override.Queue
		}
		if override.Retry != nil {
			retry = override.Retry
		}
	}

	j := job.New(class, queue, encoded)
	if retry != nil {
		j.Retry = *retry
	}
	return j, nil
}

// PerformAsync enqueues class with args for immediate (next-fetch)
// execution (spec §4.B enqueue, §6 perform_async).
func (c *Client) PerformAsync(ctx context.Context, class string, args []any, override *Options) (string, error) {
	j, err := c.buildJob(class, args, override)
	if err != nil {
		return "", err
	}
	if err := c.broker.Enqueue(ctx, j); err != nil {
		return "", err
	}
	return j.JID, nil
}

// PerformIn enqueues class with args due after delay (spec §4.B
// enqueue_in, §6 perform_in).
func (c *Client) PerformIn(ctx context.Context, class string, args []any, delay time.Duration, override *Options) (string, error) {
	j, err := c.buildJob(class, args, override)
	if err != nil {
		return "", err
	}
	if err := c.broker.EnqueueIn(ctx, j, delay); err != nil {
		return "", err
	}
	return j.JID, nil
}

// PerformAt enqueues class with args due at the given time (spec §4.B
// enqueue_at, §6 perform_at).
func (c *Client) PerformAt(ctx context.Context, class string, args []any, when time.Time, override *Options) (string, error) {
	j, err := c.buildJob(class, args, override)
	if err != nil {
		return "", err
	}
	if err := c.broker.EnqueueAt(ctx, j, when); err != nil {
		return "", err
	}
	return j.JID, nil
}

// GetResult retrieves a completed job's outcome by jid. Returns nil if
// the job hasn't completed yet or the result expired, and an error if
// no result backend was configured.
func (c *Client) GetResult(ctx context.Context, jid string) (*result.Result, error) {
	if c.results == nil {
		return nil, fmt.Errorf("client: no result backend configured, use NewWithResultBackend")
	}
	return c.results.Get(ctx, jid)
}

// SubmitAndWait performs class with args and blocks until its result
// is available or timeout elapses, for RPC-style task execution
// (SPEC_FULL.md §10).
func (c *Client) SubmitAndWait(ctx context.Context, class string, args []any, timeout time.Duration) (*result.Result, error) {
	if c.results == nil {
		return nil, fmt.Errorf("client: no result backend configured, use NewWithResultBackend")
	}

	jid, err := c.PerformAsync(ctx, class, args, nil)
	if err != nil {
		return nil, fmt.Errorf("client: submit: %w", err)
	}

	r, err := c.results.Wait(ctx, jid, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: wait: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("client: job %s did not complete within %v", jid, timeout)
	}
	return r, nil
}

// Close releases the broker connection and, if configured, the result
// backend's connection.
func (c *Client) Close() error {
	brokerErr := c.broker.Close()
	if c.results != nil {
		if err := c.results.Close(); err != nil {
			return err
		}
	}
	return brokerErr
}
