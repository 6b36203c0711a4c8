package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/job"
	"github.com/emberq/emberq/internal/retry"
	"github.com/emberq/emberq/internal/worker"
)

// RetryMiddleware wraps dispatch with the terminal-failure disposition
// engine (spec §4.E, §4.G): a handler failure is caught here, handed
// to engine.Handle (which schedules a retry or dead-letters the job),
// and then re-raised so the caller can log and count it. It does not
// swallow the error — disposition and observability are separate
// concerns.
func RetryMiddleware(engine *retry.Engine) Middleware {
	return func(next Next, ctx context.Context, j *job.Job, w *worker.Descriptor, b *broker.Broker) error {
		err := next(ctx, j)
		if err == nil {
			return nil
		}
		if disposeErr := engine.Handle(ctx, j, err, w); disposeErr != nil {
			return disposeErr
		}
		return err
	}
}

// FingerprintFunc computes a dedupe key for a job. The default keys on
// class, queue, and raw argument bytes.
type FingerprintFunc func(j *job.Job) string

// DefaultFingerprint hashes class, queue, and args together.
func DefaultFingerprint(j *job.Job) string {
	h := sha256.New()
	h.Write([]byte(j.Class))
	h.Write([]byte{0})
	h.Write([]byte(j.Queue))
	for _, arg := range j.Args {
		h.Write([]byte{0})
		h.Write(arg)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UniqueMiddleware suppresses duplicate processing on a per-class
// basis: a class only dedupes if its registered Descriptor has
// Options.Unique.Enabled set, and the suppression window it uses is
// that class's own Options.Unique.Window (spec §4.F, §4.E). Classes
// that don't opt in pass straight through, so one chain installation
// covers the whole registry instead of requiring a middleware per
// class. If a job with the same fingerprint was dispatched within the
// window, this call halts the chain (next is not invoked) and returns
// nil, per §4.E's "halting" contract — the job is considered handled
// without running the handler. Backed by the broker's
// SETNX-with-TTL primitive, the same one used by the periodic lock.
func UniqueMiddleware(fp FingerprintFunc) Middleware {
	if fp == nil {
		fp = DefaultFingerprint
	}
	return func(next Next, ctx context.Context, j *job.Job, w *worker.Descriptor, b *broker.Broker) error {
		if w == nil || !w.Options.Unique.Enabled {
			return next(ctx, j)
		}

		window := w.Options.Unique.Window
		if window <= 0 {
			return next(ctx, j)
		}

		key := "dispatch:" + fp(j)
		ok, err := b.SetIfAbsent(ctx, key, j.JID, window)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return next(ctx, j)
	}
}
