package errors

import "errors"

var (
	ErrBookingNotFound = errors.New("booking not found")

	ErrInvalidID = errors.New("invalid booking ID format")

	ErrInvalidTransition = errors.New("booking status transition not allowed")

	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists means a key (or a key for the same booking) is already
	// stored. Keys are random, so this indicates a broken invariant.
	ErrKeyExists = errors.New("idempotency key already exists")
)
