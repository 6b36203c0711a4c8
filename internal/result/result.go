// Package result is an optional sink for job outcomes (SPEC_FULL.md
// §10, supplemented from the teacher's internal/result): a handler's
// return value and duration, or its failure's error_class/error_message,
// stored by jid with a success/failure TTL and a pub/sub "ready"
// notification for synchronous waiters (e.g. a client-side
// perform_async caller awaiting completion).
package result

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the terminal state of a processed job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome stored for one job, keyed by jid. Error fields
// use the job record's own vocabulary (spec §3) rather than a single
// generic message, so a result reader doesn't need a separate schema.
type Result struct {
	JID          string
	Status       Status
	Value        json.RawMessage
	ErrorClass   string
	ErrorMessage string
	CompletedAt  time.Time
	Duration     time.Duration
}

// IsSuccess reports whether the stored outcome succeeded.
func (r *Result) IsSuccess() bool { return r.Status == StatusCompleted }

// Backend stores and retrieves job outcomes.
type Backend interface {
	Store(ctx context.Context, r *Result) error
	Get(ctx context.Context, jid string) (*Result, error)
	Wait(ctx context.Context, jid string, timeout time.Duration) (*Result, error)
	Delete(ctx context.Context, jid string) error
	Close() error
}

// RedisBackend is the Backend implementation backed by a Redis hash
// per job plus a pub/sub "ready" notification, grounded on the
// teacher's RedisBackend.
type RedisBackend struct {
	client     *redis.Client
	successTTL time.Duration
	failureTTL time.Duration
}

// NewRedisBackend builds a RedisBackend applying successTTL to
// completed jobs and failureTTL to dead-lettered or still-retrying
// failures.
func NewRedisBackend(client *redis.Client, successTTL, failureTTL time.Duration) *RedisBackend {
	return &RedisBackend{client: client, successTTL: successTTL, failureTTL: failureTTL}
}

func resultKey(jid string) string        { return "result:" + jid }
func notifyChannel(jid string) string    { return "result:notify:" + jid }

// Store writes r's fields into a Redis hash, sets the status-
// appropriate TTL, and publishes a ready notification, all in one
// pipeline.
func (b *RedisBackend) Store(ctx context.Context, r *Result) error {
	data := map[string]interface{}{
		"status":       string(r.Status),
		"completed_at": r.CompletedAt.Format(time.RFC3339Nano),
		"duration_ms":  r.Duration.Milliseconds(),
	}
	if r.IsSuccess() && len(r.Value) > 0 {
		data["value"] = string(r.Value)
	}
	if !r.IsSuccess() {
		data["error_class"] = r.ErrorClass
		data["error_message"] = r.ErrorMessage
	}

	ttl := b.successTTL
	if !r.IsSuccess() {
		ttl = b.failureTTL
	}

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, resultKey(r.JID), data)
	pipe.Expire(ctx, resultKey(r.JID), ttl)
	pipe.Publish(ctx, notifyChannel(r.JID), "ready")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("result: store %s: %w", r.JID, err)
	}
	return nil
}

// Get returns the stored result for jid, or nil if none exists (not
// yet complete, or expired).
func (b *RedisBackend) Get(ctx context.Context, jid string) (*Result, error) {
	data, err := b.client.HGetAll(ctx, resultKey(jid)).Result()
	if err != nil {
		return nil, fmt.Errorf("result: get %s: %w", jid, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	r := &Result{JID: jid, Status: Status(data["status"])}
	if v, ok := data["completed_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.CompletedAt = t
		}
	}
	if v, ok := data["duration_ms"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.Duration = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := data["value"]; ok {
		r.Value = json.RawMessage(v)
	}
	r.ErrorClass = data["error_class"]
	r.ErrorMessage = data["error_message"]
	return r, nil
}

// Wait blocks until a result for jid is available or timeout elapses,
// subscribing to the ready channel rather than polling.
func (b *RedisBackend) Wait(ctx context.Context, jid string, timeout time.Duration) (*Result, error) {
	if r, err := b.Get(ctx, jid); err != nil {
		return nil, err
	} else if r != nil {
		return r, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := b.client.Subscribe(waitCtx, notifyChannel(jid))
	defer sub.Close()

	select {
	case <-waitCtx.Done():
		return b.Get(ctx, jid)
	case msg := <-sub.Channel():
		if msg != nil && msg.Payload == "ready" {
			return b.Get(ctx, jid)
		}
		return nil, nil
	}
}

// Delete removes jid's stored result, a no-op if none exists.
func (b *RedisBackend) Delete(ctx context.Context, jid string) error {
	if err := b.client.Del(ctx, resultKey(jid)).Err(); err != nil {
		return fmt.Errorf("result: delete %s: %w", jid, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
