// Package repository defines the store contracts the booking workflow runs
// against. Drivers live in subpackages (mysql, postgres, mongo, memory) and
// map their native errors onto the sentinels in internal/bookings/errors and
// onto ErrTxConflict.
package repository

import (
	"context"
	"errors"

	"staybook/pkg/model"
)

// ErrTxConflict marks a transaction the store aborted because of contention
// (deadlock, serialization failure, write conflict). The unit of work can be
// retried from the start.
var ErrTxConflict = errors.New("transaction conflict")

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// Tx is an open store transaction. Every repository call that takes a Tx runs
// inside it; locks taken through it are held until Commit or Rollback.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Bookings() BookingRepository
	IdempotencyKeys() IdempotencyKeyRepository
	Ping(ctx context.Context) error
}

type BookingRepository interface {
	// Create inserts b with status "created" and fills in its ID and timestamps.
	Create(ctx context.Context, tx Tx, b *model.Booking) error
	FindByID(ctx context.Context, id string) (*model.Booking, error)
	// UpdateStatus moves the booking from one status to another and returns the
	// updated row. A booking not currently in status from yields
	// ErrInvalidTransition.
	UpdateStatus(ctx context.Context, tx Tx, id string, from, to model.BookingStatus) (*model.Booking, error)
}

type IdempotencyKeyRepository interface {
	// Create binds key to bookingID. A duplicate key, or a second key for the
	// same booking, yields ErrKeyExists.
	Create(ctx context.Context, tx Tx, key, bookingID string) (*model.IdempotencyKey, error)
	Get(ctx context.Context, key string) (*model.IdempotencyKey, error)
	// GetForUpdate reads key and holds a row lock on it until tx ends.
	GetForUpdate(ctx context.Context, tx Tx, key string) (*model.IdempotencyKey, error)
	// Finalize sets finalized=true. Finalizing twice is not an error.
	Finalize(ctx context.Context, tx Tx, key string) error
}
