// Package snaperr defines the error taxonomy shared by every core
// component, so callers can discriminate on failure kind with errors.Is
// instead of parsing messages.
package snaperr

import (
	"errors"
	"fmt"
)

// Kind is one of the failure categories the core can surface.
type Kind string

const (
	NotFound           Kind = "not_found"
	IncompatibleShape  Kind = "incompatible_shape"
	OutOfSpace         Kind = "out_of_space"
	CorruptArtifact    Kind = "corrupt_artifact"
	EngineFailure      Kind = "engine_failure"
	Cancelled          Kind = "cancelled"
	Timeout            Kind = "timeout"
	IOError            Kind = "io_error"
	InvalidArgument    Kind = "invalid_argument"
	CopyFailed         Kind = "copy_failed"
)

// Error pairs a Kind with context, and wraps an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, snaperr.Sentinel(snaperr.NotFound)) style
// comparisons work by matching on Kind via a sentinel wrapper, see Sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel returns a comparable sentinel value for a Kind, usable with
// errors.Is(err, snaperr.Sentinel(snaperr.NotFound)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}
