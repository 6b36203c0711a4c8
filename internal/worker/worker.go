// Package worker holds the class registry and dispatch logic (spec
// §4.F), generalizing the teacher's Registry/Executor from a single
// HandlerFunc(ctx, *job.Job) error map to a capability bundle carrying
// an argument decoder, worker options, and the invocation closure.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	emerrors "github.com/emberq/emberq/internal/errors"
	"github.com/emberq/emberq/internal/job"
)

// UniqueOptions configures the unique-job middleware for a class
// (spec §4.E): when Enabled, a dispatch of a job whose fingerprint was
// already dispatched within Window is skipped. Enqueue itself is not
// checked, so duplicates still reach the queue.
type UniqueOptions struct {
	Enabled bool
	Window  time.Duration
}

// Options carries per-class defaults a middleware or the processor may
// consult (spec §4.F).
type Options struct {
	// Queue is the default queue a client uses if it doesn't override
	// one explicitly at enqueue time.
	Queue string
	// RetryCap, when non-zero, is the retry cap a client gives a new job
	// of this class unless the enqueue call sets its own.
	RetryCap int
	// RetryOnDecodeFailure opts a class into treating a decode failure
	// as retryable instead of the default non-retryable disposition
	// (spec §4.F step 2).
	RetryOnDecodeFailure bool
	Unique               UniqueOptions
}

// Descriptor is the capability bundle a class registers: how to decode
// its wire arguments, how to run, and its options.
type Descriptor struct {
	Class   string
	Decode  func(args []json.RawMessage) (any, error)
	Perform func(ctx context.Context, arg any) error
	Options Options
}

// Registry maps a canonical class string to its Descriptor.
// Registration is idempotent on class name (spec §4.F): re-registering
// replaces the prior descriptor.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register adds or replaces the descriptor for d.Class.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Class] = d
}

// Get retrieves the descriptor registered for class.
func (r *Registry) Get(class string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[class]
	return d, ok
}

// Count returns the number of registered classes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

// RegisterTyped is a generic convenience wrapper, in the spirit of the
// teacher's example_handlers.go, over the erased Descriptor: it builds
// Decode from json.Unmarshal of the first argument into A, and Perform
// from a plain typed handler function.
func RegisterTyped[A any](r *Registry, class string, perform func(ctx context.Context, arg A) error, opts Options) {
	r.Register(&Descriptor{
		Class: class,
		Decode: func(args []json.RawMessage) (any, error) {
			var a A
			if len(args) == 0 {
				return a, fmt.Errorf("worker: class %q requires one argument, got none", class)
			}
			if err := json.Unmarshal(args[0], &a); err != nil {
				return a, fmt.Errorf("worker: class %q: %w", class, err)
			}
			return a, nil
		},
		Perform: func(ctx context.Context, arg any) error {
			a, ok := arg.(A)
			if !ok {
				return fmt.Errorf("worker: class %q: decoded argument has unexpected type %T", class, arg)
			}
			return perform(ctx, a)
		},
		Options: opts,
	})
}

// Dispatch runs d's decode-then-perform steps for j (spec §4.F steps
// 2-3). The caller is responsible for the class lookup (step 1) since
// an unknown class is disposed of differently than a decode or handler
// failure (always dead-lettered, regardless of retry policy).
func Dispatch(ctx context.Context, d *Descriptor, j *job.Job) error {
	arg, err := d.Decode(j.Args)
	if err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBadArguments, err)
	}
	if err := d.Perform(ctx, arg); err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrHandlerFailed, err)
	}
	return nil
}
