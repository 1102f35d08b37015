package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of failure categories the Scheduler uses
// to decide retry vs. terminal. Leaf components (gateway, store, pool) tag
// every returned error with one of these; only the Scheduler interprets the
// tag into control flow.
type ErrorKind int

const (
	KindUnspecified ErrorKind = iota
	KindTransient
	KindRateLimited
	KindResourceExhausted
	KindConfigurationError
	KindPermissionDenied
	KindInvalidInput
	KindInternalError
	KindCancelled
	KindNotFound
	KindPreconditionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindRateLimited:
		return "RateLimited"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindConfigurationError:
		return "ConfigurationError"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindInvalidInput:
		return "InvalidInput"
	case KindInternalError:
		return "InternalError"
	case KindCancelled:
		return "Cancelled"
	case KindNotFound:
		return "NotFound"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	default:
		return "Unspecified"
	}
}

// Retryable reports whether the scheduler should schedule an automatic retry
// for an error of this kind. Only these three kinds are eligible per spec.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindInternalError:
		return true
	default:
		return false
	}
}

// Error is a tagged failure carrying a stable errorCode and a human-readable
// message, wrapping an optional underlying cause.
type Error struct {
	Kind      ErrorKind
	ErrorCode string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a tagged Error.
func NewError(kind ErrorKind, errorCode, message string, cause error) *Error {
	return &Error{Kind: kind, ErrorCode: errorCode, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to KindInternalError for
// untagged errors (fail closed: an unclassified failure is never retried
// silently forever, it surfaces like any other internal error).
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnspecified
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternalError
}

// ErrDedupedWork is returned internally (never to callers) to signal that an
// Enqueue hit the operationKey dedupe index.
var ErrDedupedWork = errors.New("background work: deduped by operationKey")
