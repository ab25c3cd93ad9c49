// Package coreerrors defines the error taxonomy shared across the
// management core: Transient, Cancelled, Conflict,
// Invalid, Auth and Fatal, each with its own retry/propagation policy
// enforced by the caller, not by this package.
package coreerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of propagation policy.
type Kind string

const (
	KindTransient Kind = "transient"
	KindCancelled Kind = "cancelled"
	KindConflict  Kind = "conflict"
	KindInvalid   Kind = "invalid"
	KindAuth      Kind = "auth"
	KindFatal     Kind = "fatal"
)

// CoreError wraps an underlying error with a Kind so callers can branch
// on errors.As without string matching.
type CoreError struct {
	Kind Kind
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New wraps err with kind. If err is nil, a bare Kind error is returned.
func New(kind Kind, err error) *CoreError {
	return &CoreError{Kind: kind, Err: err}
}

// Newf builds a CoreError from a format string, the way fmt.Errorf builds
// a plain error.
func Newf(kind Kind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Sentinels used by several packages for errors.Is comparisons that
// don't need the extra Kind wrapping.
var (
	ErrConflictRunning   = errors.New("operation of this kind already running")
	ErrNotFound          = errors.New("not found")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrEmptyArtifact     = errors.New("empty or unparsable artifact")
)
