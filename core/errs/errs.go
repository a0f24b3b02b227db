// Package errs defines the error taxonomy shared by every state machine in
// the decode orchestration core: chunk allocator, realloc analyzer,
// lifetime analyzer, buffer planner, buffer allocator, KV cache, batch
// sanitizer, and batch splitter.
//
// Every machine wraps one of the sentinels below with fmt.Errorf("...: %w")
// so callers can classify a failure with errors.Is instead of string
// matching. This is the Go-idiomatic rendering of the reference
// implementation's `error_out int32` out-parameter convention.
package errs

import "errors"

var (
	// ErrInvalidArgument means a request's inputs were malformed: a null
	// slice where one is required, an out-of-range id, a bad mask width,
	// a mode outside the known enum, or a capacity bound exceeded. Always
	// recoverable at the call site; never retried internally.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackend means resource exhaustion or a strategy hook failure:
	// the planner's free-block table is full, the chunk allocator hit its
	// chunk cap, or a multi-buffer realloc was required without an
	// explicit reserve. The owning machine transitions to a failed state;
	// callers must Release and re-Initialize.
	ErrBackend = errors.New("backend")

	// ErrParseFailed marks a boundary failure propagated from an external
	// collaborator (grammar/model parser). The core never produces this
	// itself.
	ErrParseFailed = errors.New("parse failed")

	// ErrModelInvalid marks a boundary failure propagated from an external
	// collaborator (model loader). The core never produces this itself.
	ErrModelInvalid = errors.New("model invalid")

	// ErrSequencing means an event arrived in a state that does not accept
	// it. The owning machine transitions to an `unexpected`/`failed`
	// state; callers must reset via Release or a fresh bootstrap event.
	ErrSequencing = errors.New("sequencing violation")
)
