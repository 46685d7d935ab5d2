// Package perr defines the pipeline's error taxonomy: six
// kinds surfaced to callers and background-job handlers so retry and
// logging policy can be decided from the error alone, without string
// matching.
package perr

import (
	"errors"
	"fmt"
)

// Kind is one of the six error taxonomy tags.
type Kind string

const (
	// BadInput covers missing/invalid ids and malformed bboxes. Surfaced;
	// never retried.
	BadInput Kind = "bad_input"
	// NotFound covers a referenced video/track/link that does not exist.
	NotFound Kind = "not_found"
	// ExternalUnavailable covers the detection, embedding, clip, or PTZ
	// service returning an error or timing out. Retried with exponential
	// backoff for idempotent calls.
	ExternalUnavailable Kind = "external_unavailable"
	// Conflict covers concurrent modification (a track's status changed
	// underneath us). The affected unit is restartable.
	Conflict Kind = "conflict"
	// CorruptClip covers a clip the sanitizer rejected outright.
	CorruptClip Kind = "corrupt_clip"
	// Internal covers an invariant violation. No automatic retry; the
	// work unit aborts and the operator is expected to investigate.
	Internal Kind = "internal"
)

// Error is a pipeline error carrying a taxonomy tag plus the wrapped
// cause.
type Error struct {
	Kind Kind
	Op   string // component/operation that produced the error, e.g. "matcher.ResolveIdentities"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a tagged error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given taxonomy kind, unwrapping
// through wrapped causes. Kind is not itself an error, so
// errors.Is(err, perr.BadInput) does not work; Is is the comparison helper
// callers reach for.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// Retryable reports whether the error's kind should be retried with
// exponential backoff.
func Retryable(err error) bool {
	return Is(err, ExternalUnavailable)
}
