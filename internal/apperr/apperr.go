// Package apperr classifies coordination failures so that every transport
// can answer a rejected command with the same kind and reason.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindForbidden         Kind = "FORBIDDEN"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindInternal          Kind = "INTERNAL"
)

type Error struct {
	Kind      Kind
	Reason    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err, Retryable: IsRetryable(err)}
}

func Validation(reason string) *Error { return New(KindValidation, reason) }
func NotFound(reason string) *Error   { return New(KindNotFound, reason) }
func Conflict(reason string) *Error   { return New(KindConflict, reason) }
func Forbidden(reason string) *Error  { return New(KindForbidden, reason) }

// Internal wraps an unexpected store or collaborator failure. An error that
// already carries a kind is returned unchanged.
func Internal(reason string, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return Wrap(KindInternal, reason, err)
}

// Retryable marks an internal failure that is safe to re-attempt from a fresh read.
func Retryable(reason string, err error) *Error {
	return &Error{Kind: KindInternal, Reason: reason, Err: err, Retryable: true}
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return "internal error"
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryableError is implemented by store errors that report a transient conflict.
type RetryableError interface {
	Retryable() bool
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Retryable {
		return true
	}
	var re RetryableError
	return errors.As(err, &re) && re.Retryable()
}
