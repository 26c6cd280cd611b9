package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed enumeration of kernel error kinds. Adapter and
// orchestrator failures are always one of these; callers branch on kind,
// never on message text.
type ErrorKind string

const (
	ErrSpawnFailed          ErrorKind = "SpawnFailed"
	ErrSpawnTimeout         ErrorKind = "SpawnTimeout"
	ErrResumeUnsupported    ErrorKind = "ResumeUnsupported"
	ErrClosedSink           ErrorKind = "ClosedSink"
	ErrUnsupportedOperation ErrorKind = "UnsupportedOperation"
	ErrBadArgs              ErrorKind = "BadArgs"
	ErrSessionNotFound      ErrorKind = "SessionNotFound"
	ErrSessionNotLive       ErrorKind = "SessionNotLive"
	ErrStorageError         ErrorKind = "StorageError"
	ErrAuthRequired         ErrorKind = "AuthRequired"
	ErrSlowConsumer         ErrorKind = "SlowConsumer"
	ErrProtocolError        ErrorKind = "ProtocolError"
)

// Error is a kernel error with a closed kind and an optional wrapped cause.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

// NewError creates a kernel error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a kernel error wrapping an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so that errors.Is(err, &Error{Kind: k}) and
// the sentinel helpers below work across wrapping.
func (e *Error) Is(target error) bool {
	var ke *Error
	if errors.As(target, &ke) {
		return e.Kind == ke.Kind
	}
	return false
}

// KindOf extracts the kernel error kind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err is a kernel error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
