// Package middleware implements the ordered interceptor chain that
// wraps job dispatch (spec §4.E), generalized from the teacher's
// single-shot Executor.ExecuteJob into an explicit continuation-passing
// chain so interceptors can run pre- and post-work around the handler.
package middleware

import (
	"context"
	"fmt"

	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/job"
	"github.com/emberq/emberq/internal/worker"
)

// MaxLinks bounds the chain depth (spec §9), guarding against a
// misconfigured processor registering middleware in a loop.
const MaxLinks = 64

// Next continues the chain (or invokes the terminal dispatch closure
// when called by the last middleware).
type Next func(ctx context.Context, j *job.Job) error

// Middleware wraps dispatch. It may run pre-work, call next zero or
// one time, and run post-work. Not calling next halts the chain: the
// job is considered successfully handled for retry purposes, but the
// handler never runs (spec §4.E).
type Middleware func(next Next, ctx context.Context, j *job.Job, w *worker.Descriptor, b *broker.Broker) error

// Chain holds an ordered list of Middleware, invoked in registration
// order on entry and unwound in reverse, onion-style.
type Chain struct {
	links []Middleware
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Use appends m to the chain. Returns an error if the chain would
// exceed MaxLinks.
func (c *Chain) Use(m Middleware) error {
	if len(c.links) >= MaxLinks {
		return fmt.Errorf("middleware: chain already has the maximum of %d links", MaxLinks)
	}
	c.links = append(c.links, m)
	return nil
}

// Len reports the number of registered links.
func (c *Chain) Len() int {
	return len(c.links)
}

// Invoke runs the chain around terminal, the innermost dispatch
// closure (typically worker.Dispatch bound to the job's descriptor).
// w and b are passed through unchanged to every link; only j may be
// mutated as it travels down and back up the chain.
func (c *Chain) Invoke(ctx context.Context, j *job.Job, w *worker.Descriptor, b *broker.Broker, terminal Next) error {
	next := terminal
	for i := len(c.links) - 1; i >= 0; i-- {
		link := c.links[i]
		inner := next
		next = func(ctx context.Context, j *job.Job) error {
			return link(inner, ctx, j, w, b)
		}
	}
	return next(ctx, j)
}
