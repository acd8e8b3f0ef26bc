package errors

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

const (
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeResourceBusy     = "RESOURCE_BUSY"
	CodeAlreadyFinalized = "ALREADY_FINALIZED"
	CodeKeyConflict      = "IDEMPOTENCY_KEY_CONFLICT"
)

// DetailRetryAfter carries the suggested back-off, in whole seconds, for
// RESOURCE_BUSY errors. The HTTP layer mirrors it into a Retry-After header.
const DetailRetryAfter = "retry_after_seconds"

type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) StatusCode() int {
	return e.HTTPStatus
}

func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
	}
}

func NotFoundWithID(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details: map[string]any{
			"resource": resource,
			"id":       id,
		},
	}
}

func Validation(message string, details map[string]any) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func Timeout(message string) *AppError {
	return &AppError{
		Code:       CodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ResourceBusy reports that a shared resource could not be locked in time.
// The caller is expected to back off for roughly retryAfter and try again.
func ResourceBusy(resource string, retryAfter time.Duration, err error) *AppError {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &AppError{
		Code:       CodeResourceBusy,
		Message:    fmt.Sprintf("%s is busy, retry later", resource),
		HTTPStatus: http.StatusServiceUnavailable,
		Details: map[string]any{
			"resource":       resource,
			DetailRetryAfter: secs,
		},
		Err: err,
	}
}

func AlreadyFinalized(message string) *AppError {
	return &AppError{
		Code:       CodeAlreadyFinalized,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// KeyConflict signals a duplicate idempotency key on insert. Keys are random,
// so this is an invariant breach and is reported as a server error.
func KeyConflict(message string, err error) *AppError {
	return &AppError{
		Code:       CodeKeyConflict,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("An unexpected error occurred", err)
}

// HasCode reports whether err is (or wraps) an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
