// Package nberr classifies errors into the kinds the kernel surfaces to
// callers: transient, validation, resource, external, fatal.
package nberr

import (
	"errors"
	"fmt"
)

// Kind is the error category a boundary reports upward.
type Kind string

const (
	// Transient errors are retried at the appropriate layer and only
	// surfaced once retries are exhausted.
	Transient Kind = "transient"
	// Validation errors are bad input; the caller gets a structured
	// message and the prior state is kept intact.
	Validation Kind = "validation"
	// Resource errors are limits hit (queue full, subagent cap).
	Resource Kind = "resource"
	// External errors are LLM/tool dependency failures.
	External Kind = "external"
	// Fatal errors are unrecoverable on-disk or invariant problems.
	Fatal Kind = "fatal"
)

// Error pairs a kind with an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, walking the wrap chain.
// Unclassified errors default to External.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return External
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retriable reports whether err is worth retrying.
func Retriable(err error) bool {
	return IsKind(err, Transient)
}
