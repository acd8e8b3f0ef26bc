package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("driver: connection reset")

	tests := []struct {
		name       string
		err        *AppError
		wantCode   string
		wantStatus int
		wantCause  bool
	}{
		{"new", New(CodeInvalidInput, "bad", http.StatusUnsupportedMediaType), CodeInvalidInput, http.StatusUnsupportedMediaType, false},
		{"not found", NotFound("Idempotency key"), CodeNotFound, http.StatusNotFound, false},
		{"not found with id", NotFoundWithID("Booking", "42"), CodeNotFound, http.StatusNotFound, false},
		{"validation", Validation("invalid", nil), CodeValidation, http.StatusUnprocessableEntity, false},
		{"invalid input", InvalidInput("malformed"), CodeInvalidInput, http.StatusBadRequest, false},
		{"conflict", Conflict("wrong state"), CodeConflict, http.StatusConflict, false},
		{"internal", Internal("failed", cause), CodeInternal, http.StatusInternalServerError, true},
		{"timeout", Timeout("too slow"), CodeTimeout, http.StatusGatewayTimeout, false},
		{"resource busy", ResourceBusy("hotel:1", time.Second, cause), CodeResourceBusy, http.StatusServiceUnavailable, true},
		{"already finalized", AlreadyFinalized("used"), CodeAlreadyFinalized, http.StatusConflict, false},
		{"key conflict", KeyConflict("duplicate", cause), CodeKeyConflict, http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantStatus, tt.err.StatusCode())
			assert.Equal(t, tt.wantCause, errors.Is(tt.err, cause))
		})
	}
}

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: Booking not found", NotFound("Booking").Error())
	assert.Equal(t,
		"INTERNAL_ERROR: failed (caused by: disk full)",
		Internal("failed", errors.New("disk full")).Error())
}

func TestNotFoundWithID_Details(t *testing.T) {
	err := NotFoundWithID("Booking", "42")

	assert.Equal(t, "Booking not found", err.Message)
	assert.Equal(t, map[string]any{"resource": "Booking", "id": "42"}, err.Details)
}

func TestResourceBusy_RetryAfter(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{5 * time.Second, 5},
	}

	for _, tt := range tests {
		t.Run(tt.wait.String(), func(t *testing.T) {
			err := ResourceBusy("hotel:42", tt.wait, nil)
			assert.Equal(t, tt.want, err.Details[DetailRetryAfter])
			assert.Equal(t, "hotel:42", err.Details["resource"])
		})
	}
}

func TestAsAppError(t *testing.T) {
	plain := errors.New("plain")
	finalized := AlreadyFinalized("done")

	assert.Same(t, finalized, AsAppError(finalized))
	assert.Same(t, finalized, AsAppError(fmt.Errorf("confirm: %w", finalized)))

	wrapped := AsAppError(plain)
	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.ErrorIs(t, wrapped, plain)
}

func TestIsAppErrorAndHasCode(t *testing.T) {
	wrapped := fmt.Errorf("confirm: %w", AlreadyFinalized("done"))

	assert.True(t, IsAppError(wrapped))
	assert.False(t, IsAppError(errors.New("plain")))
	assert.True(t, HasCode(wrapped, CodeAlreadyFinalized))
	assert.False(t, HasCode(wrapped, CodeNotFound))
	assert.False(t, HasCode(nil, CodeNotFound))
}
