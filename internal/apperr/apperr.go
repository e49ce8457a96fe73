// Package apperr carries the error taxonomy shared by the chat, notification and scheduling services.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it to a status or an error event.
type Kind string

const (
	KindAccessDenied    Kind = "access_denied"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindValidation      Kind = "validation"
	KindDeliveryFailure Kind = "delivery_failure"
	KindClaimConflict   Kind = "claim_conflict"
	KindUserUnavailable Kind = "user_unavailable"
	KindInternal        Kind = "internal"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrAccessDenied    = errors.New(string(KindAccessDenied))
	ErrNotFound        = errors.New(string(KindNotFound))
	ErrForbidden       = errors.New(string(KindForbidden))
	ErrValidation      = errors.New(string(KindValidation))
	ErrDeliveryFailure = errors.New(string(KindDeliveryFailure))
	ErrClaimConflict   = errors.New(string(KindClaimConflict))
	ErrUserUnavailable = errors.New(string(KindUserUnavailable))
	ErrInternal        = errors.New(string(KindInternal))
)

var sentinels = map[Kind]error{
	KindAccessDenied:    ErrAccessDenied,
	KindNotFound:        ErrNotFound,
	KindForbidden:       ErrForbidden,
	KindValidation:      ErrValidation,
	KindDeliveryFailure: ErrDeliveryFailure,
	KindClaimConflict:   ErrClaimConflict,
	KindUserUnavailable: ErrUserUnavailable,
	KindInternal:        ErrInternal,
}

// Error is a classified service error. Code has the form "<operation>.<reason>".
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds a classified error for operation and reason, wrapping cause when present.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.kind] == target
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Code() string {
	return e.code
}

// KindOf reports the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// CodeOf returns the error code of a classified error, or the kind for anything else.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code
	}
	return string(KindOf(err))
}
