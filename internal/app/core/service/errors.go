// Package service holds the error kinds shared by the application services.
//
// Services return *Error values for failures the caller can act on; the
// message is shown to end users, so it is written in Spanish.
package service

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrPaymentRequired = errors.New("payment required")
	ErrUnavailable     = errors.New("dependency unavailable")
)

// Error is a classified service failure.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func Invalid(message string) error {
	return &Error{Kind: ErrInvalidInput, Message: message}
}

func InvalidCause(message string, cause error) error {
	return &Error{Kind: ErrInvalidInput, Message: message, Cause: cause}
}

func Unauthorized(message string) error {
	return &Error{Kind: ErrUnauthorized, Message: message}
}

func Forbidden(message string) error {
	return &Error{Kind: ErrForbidden, Message: message}
}

func Conflict(message string) error {
	return &Error{Kind: ErrConflict, Message: message}
}

func PaymentRequired(message string) error {
	return &Error{Kind: ErrPaymentRequired, Message: message}
}

func Unavailable(message string, cause error) error {
	return &Error{Kind: ErrUnavailable, Message: message, Cause: cause}
}

// Message returns the user-facing message carried by err, or "".
func Message(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return ""
}
