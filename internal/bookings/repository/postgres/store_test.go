package postgres

import (
	"errors"
	"fmt"
	"testing"

	bookingserrors "staybook/internal/bookings/errors"
	"staybook/internal/bookings/repository"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{codeUniqueViolation, bookingserrors.ErrKeyExists},
		{codeForeignKeyViolation, bookingserrors.ErrBookingNotFound},
		{codeSerializationFailure, repository.ErrTxConflict},
		{codeDeadlockDetected, repository.ErrTxConflict},
		{codeLockNotAvailable, repository.ErrTxConflict},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: tt.code, Message: "boom"})
			if got := mapError(err); !errors.Is(got, tt.want) {
				t.Errorf("mapError(%s) = %v, want wrapping %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestMapError_PassesThroughOtherErrors(t *testing.T) {
	other := &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
	if got := mapError(other); got != error(other) {
		t.Errorf("expected unmapped error to pass through, got %v", got)
	}
}

func TestParseID(t *testing.T) {
	if _, err := parseID("x"); !errors.Is(err, bookingserrors.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if n, err := parseID("5"); err != nil || n != 5 {
		t.Errorf("parseID(5) = %d, %v", n, err)
	}
}
