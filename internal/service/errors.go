package service

import (
	"errors"
	"fmt"
	"net/http"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

// Domain failure constructors. Codes are stable API surface; handlers map
// AppError directly onto the error envelope.

func Unauthorized(msg string) *AppError {
	return NewAppError(http.StatusForbidden, "UNAUTHORIZED", msg, false, nil)
}

func NotHolder(msg string) *AppError {
	return NewAppError(http.StatusForbidden, "NOT_HOLDER", msg, false, nil)
}

func InvalidTransition(msg string, cause error) *AppError {
	return NewAppError(http.StatusConflict, "INVALID_TRANSITION", msg, false, cause)
}

func NotFound(msg string) *AppError {
	return NewAppError(http.StatusNotFound, "NOT_FOUND", msg, false, nil)
}

func BadRequest(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, "BAD_REQUEST", msg, false, nil)
}

func LedgerRejected(msg string, cause error) *AppError {
	return NewAppError(http.StatusConflict, "LEDGER_REJECTED", msg, false, cause)
}

func LedgerTimeout(cause error) *AppError {
	return NewAppError(http.StatusGatewayTimeout, "LEDGER_TIMEOUT",
		"ledger did not confirm in time; retrying with the same request is safe", true, cause)
}

func LedgerUnavailable(cause error) *AppError {
	return NewAppError(http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE",
		"ledger node unreachable", true, cause)
}
