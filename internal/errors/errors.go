// Package errors provides the service error type shared by the HTTP layer.
//
// Messages carried by a ServiceError are shown to end users and are therefore
// written in Spanish; the wrapped Err keeps the technical cause for logs.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of service error.
type ErrorCode string

const (
	CodeBadRequest      ErrorCode = "BAD_REQUEST"
	CodeValidation      ErrorCode = "VALIDATION_FAILED"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken    ErrorCode = "INVALID_TOKEN"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeConflict        ErrorCode = "CONFLICT"
	CodePaymentRequired ErrorCode = "PAYMENT_REQUIRED"
	CodeRateLimited     ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable     ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error with an HTTP mapping and a user-facing message.
type ServiceError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail entry and returns the same error.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	if message == "" {
		message = "Solicitud inválida"
	}
	return newError(CodeBadRequest, http.StatusBadRequest, message, nil)
}

func Validation(message string, err error) *ServiceError {
	if message == "" {
		message = "Los datos enviados no son válidos"
	}
	return newError(CodeValidation, http.StatusBadRequest, message, err)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Debes iniciar sesión"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "Sesión inválida o expirada", err)
}

func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "No tienes permiso para realizar esta acción"
	}
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

func NotFound(resource string) *ServiceError {
	message := "Recurso no encontrado"
	if resource != "" {
		message = resource + " no encontrado"
	}
	return newError(CodeNotFound, http.StatusNotFound, message, nil)
}

func Conflict(message string) *ServiceError {
	if message == "" {
		message = "La operación no es posible en el estado actual"
	}
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

func PaymentRequired(message string) *ServiceError {
	if message == "" {
		message = "Debes completar el pago para descargar tu CV"
	}
	return newError(CodePaymentRequired, http.StatusPaymentRequired, message, nil)
}

// RateLimitExceeded reports an exhausted budget; retryAfter is in seconds.
func RateLimitExceeded(scope string, retryAfter int) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests,
		"Demasiadas solicitudes, intenta de nuevo en unos momentos", nil).
		WithDetails("scope", scope).
		WithDetails("retry_after", retryAfter)
}

func Unavailable(message string, err error) *ServiceError {
	if message == "" {
		message = "El servicio no está disponible en este momento"
	}
	return newError(CodeUnavailable, http.StatusServiceUnavailable, message, err)
}

func Internal(message string, err error) *ServiceError {
	if message == "" {
		message = "Ocurrió un error inesperado"
	}
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError returns the ServiceError in err's chain, if any.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
