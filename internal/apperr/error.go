package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable error class surfaced to API callers.
type Kind string

const (
	KindAuthFail          Kind = "AUTH_FAIL"
	KindNoEmail           Kind = "NO_EMAIL"
	KindMalformedToken    Kind = "MALFORMED_TOKEN"
	KindBadRequest        Kind = "BAD_REQUEST"
	KindInvalidTimezone   Kind = "INVALID_TIMEZONE"
	KindNoMethod          Kind = "NO_METHOD"
	KindDatabaseError     Kind = "DATABASE_ERROR"
	KindAlreadyRegistered Kind = "ALREADY_REGISTERED"
	// KindDispatchError never reaches an HTTP response; it marks mail transport failures.
	KindDispatchError Kind = "DISPATCH_ERROR"
)

// Error pairs an API kind with a dotted "<operation>.<reason>" code and the underlying cause.
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds an *Error for the given operation and reason.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
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

// Code returns the dotted operation/reason code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the API error class.
func (e *Error) Kind() Kind {
	return e.kind
}

// KindOf extracts the Kind carried by err. Errors without one are treated as persistence failures.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindDatabaseError
}

// CodeOf extracts the dotted code carried by err, or an empty string.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return ""
}
