// Package errors holds the core's error taxonomy (spec §7) and a
// panic-recovery helper, RecoverPanic, that turns a recovered panic
// into a PanicError.
package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Sentinel errors for the taxonomy in spec §7. Wrap with fmt.Errorf's
// %w and compare with errors.Is.
var (
	// ErrBrokerUnavailable indicates a broker command failed (network,
	// timeout, or protocol error). Retried by the caller.
	ErrBrokerUnavailable = errors.New("broker_unavailable")

	// ErrMalformedJob indicates a list-popped record failed to decode.
	// The record is dropped, not retried.
	ErrMalformedJob = errors.New("malformed_job")

	// ErrUnknownWorker indicates no handler is registered for a job's
	// class. The job is dead-lettered regardless of its retry policy.
	ErrUnknownWorker = errors.New("unknown_worker")

	// ErrBadArguments indicates the registered handler's argument
	// decoder rejected job.Args. Dead-lettered unless the handler opts
	// into retry-on-decode-failure.
	ErrBadArguments = errors.New("bad_arguments")

	// ErrHandlerFailed wraps a user handler's returned error.
	ErrHandlerFailed = errors.New("handler_error")

	// ErrMiddlewareFailed wraps an error returned by a middleware link.
	// Handled identically to ErrHandlerFailed by the retry engine.
	ErrMiddlewareFailed = errors.New("middleware_error")
)

// PanicError represents an error recovered from a panic, carrying the
// captured stack trace for structured logging.
type PanicError struct {
	Value      interface{}
	Stacktrace string
}

// Error implements the error interface.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// RecoverPanic recovers from a panic in progress and returns it as an
// error with a captured stack trace. Returns nil if no panic occurred.
// Call directly inside a deferred function.
func RecoverPanic() error {
	if r := recover(); r != nil {
		return &PanicError{
			Value:      r,
			Stacktrace: string(debug.Stack()),
		}
	}
	return nil
}

// FormatPanicForLog renders a PanicError for structured log fields.
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
