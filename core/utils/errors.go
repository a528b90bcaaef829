package utils

import (
	"errors"
	"fmt"
)

const (
	KindValidation      = "validation"
	KindNotFound        = "not_found"
	KindForbidden       = "forbidden"
	KindConflict        = "conflict"
	KindUnauthorized    = "unauthorized"
	KindRateLimited     = "rate_limited"
	KindPayloadTooLarge = "payload_too_large"
	KindInternal        = "internal"
)

// DomainError carries a stable kind that the HTTP layer maps to a status code.
type DomainError struct {
	Kind   string
	Reason string
}

func (e *DomainError) Error() string {
	if e.Reason == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Reason
}

func Validation(format string, args ...any) error {
	return &DomainError{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &DomainError{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &DomainError{Kind: KindForbidden, Reason: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &DomainError{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
