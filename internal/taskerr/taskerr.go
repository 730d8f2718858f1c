// Package taskerr defines the closed error taxonomy shared by the
// storage, validation, and service layers. Callers classify failures
// with errors.As and the Kind field instead of string matching.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind enumerates every failure class the core can surface.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindNotFound           Kind = "NOT_FOUND"
	KindDuplicate          Kind = "DUPLICATE"
	KindStatusTransition   Kind = "STATUS_TRANSITION"
	KindDependencyCycle    Kind = "DEPENDENCY_CYCLE"
	KindDependencyNotMet   Kind = "DEPENDENCY_NOT_MET"
	KindHasChildren        Kind = "HAS_CHILDREN"
	KindHasDependents      Kind = "HAS_DEPENDENTS"
	KindLimitExceeded      Kind = "LIMIT_EXCEEDED"
	KindTransaction        Kind = "TRANSACTION"
	KindTransactionTimeout Kind = "TRANSACTION_TIMEOUT"
	KindConflict           Kind = "CONFLICT"
	KindStorageIO          Kind = "STORAGE_IO"
	KindStorageCorrupt     Kind = "STORAGE_CORRUPT"
	KindCacheError         Kind = "CACHE_ERROR"
	KindInternal           Kind = "INTERNAL"
)

// Error is the structured failure record returned to callers. It is
// safe to serialize into a caller's envelope: no stack traces, no
// internal filesystem paths.
type Error struct {
	Kind          Kind           `json:"kind"`
	Message       string         `json:"message"`
	Path          string         `json:"path,omitempty"` // entity path or id the failure refers to
	Rule          string         `json:"rule,omitempty"` // validation rule that produced the error
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	cause         error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is chains.
func (e *Error) Unwrap() error { return e.cause }

// New constructs an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithPath returns e with the entity path set.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithRule returns e with the originating validation rule set.
func (e *Error) WithRule(rule string) *Error {
	e.Rule = rule
	return e
}

// WithDetail returns e with one detail field added.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCorrelation returns e carrying the tracer correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// KindOf extracts the kind from any error; non-taxonomy errors report
// KindInternal, nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// IsRecoverable reports whether the error is a business failure that
// should be returned to the caller (as opposed to retried or escalated).
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindDuplicate, KindStatusTransition,
		KindDependencyCycle, KindDependencyNotMet, KindHasChildren,
		KindHasDependents, KindLimitExceeded:
		return true
	}
	return false
}

// IsRetryable reports whether the failure is transient (lock
// contention, busy storage) and worth retrying with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindStorageIO:
		return true
	}
	return false
}

// IsFatal reports whether the process should shut down on this error.
func IsFatal(err error) bool {
	return KindOf(err) == KindStorageCorrupt
}
