// Package postgres stores bookings and idempotency keys in PostgreSQL through
// a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	bookingserrors "staybook/internal/bookings/errors"
	"staybook/internal/bookings/repository"
	"staybook/pkg/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

type Store struct {
	pool     *pgxpool.Pool
	bookings *bookingRepository
	keys     *keyRepository
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:     pool,
		bookings: &bookingRepository{pool: pool},
		keys:     &keyRepository{pool: pool},
	}
}

type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return repository.ErrTxDone
		}
		return mapError(err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Bookings() repository.BookingRepository {
	return s.bookings
}

func (s *Store) IdempotencyKeys() repository.IdempotencyKeyRepository {
	return s.keys
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgTx(t repository.Tx) (pgx.Tx, error) {
	pt, ok := t.(*Tx)
	if !ok || pt == nil {
		return nil, fmt.Errorf("postgres: transaction %T does not belong to this store", t)
	}
	return pt.tx, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", bookingserrors.ErrKeyExists, pgErr.Message)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %s", bookingserrors.ErrBookingNotFound, pgErr.Message)
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", repository.ErrTxConflict, pgErr.Message)
	}
	return err
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, bookingserrors.ErrInvalidID
	}
	return n, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type bookingRepository struct {
	pool *pgxpool.Pool
}

const selectBooking = `SELECT id, user_id, hotel_id, total_guests, booking_amount, status, created_at, updated_at FROM bookings WHERE id = $1`

func scanBooking(ctx context.Context, q querier, query string, id int64) (*model.Booking, error) {
	var (
		b      model.Booking
		rawID  int64
		status string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&rawID, &b.UserID, &b.HotelID, &b.TotalGuests, &b.BookingAmount, &status, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bookingserrors.ErrBookingNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	b.ID = strconv.FormatInt(rawID, 10)
	b.Status = model.BookingStatus(status)
	return &b, nil
}

func (r *bookingRepository) Create(ctx context.Context, t repository.Tx, b *model.Booking) error {
	tx, err := pgTx(t)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	const q = `INSERT INTO bookings (user_id, hotel_id, total_guests, booking_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`
	var id int64
	if err := tx.QueryRow(ctx, q, b.UserID, b.HotelID, b.TotalGuests, b.BookingAmount, string(model.BookingStatusCreated), now).Scan(&id); err != nil {
		return mapError(err)
	}

	b.ID = strconv.FormatInt(id, 10)
	b.Status = model.BookingStatusCreated
	b.CreatedAt = now
	b.UpdatedAt = now
	return nil
}

func (r *bookingRepository) FindByID(ctx context.Context, id string) (*model.Booking, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return scanBooking(ctx, r.pool, selectBooking, n)
}

func (r *bookingRepository) UpdateStatus(ctx context.Context, t repository.Tx, id string, from, to model.BookingStatus) (*model.Booking, error) {
	tx, err := pgTx(t)
	if err != nil {
		return nil, err
	}
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}

	const q = `UPDATE bookings SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	tag, err := tx.Exec(ctx, q, string(to), time.Now().UTC().Truncate(time.Millisecond), n, string(from))
	if err != nil {
		return nil, mapError(err)
	}

	b, err := scanBooking(ctx, tx, selectBooking+" FOR UPDATE", n)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s -> %s, current %s", bookingserrors.ErrInvalidTransition, from, to, b.Status)
	}
	return b, nil
}

type keyRepository struct {
	pool *pgxpool.Pool
}

const selectKey = `SELECT idem_key, booking_id, finalized, created_at FROM idempotency_keys WHERE idem_key = $1`

func scanKey(ctx context.Context, q querier, query, key string) (*model.IdempotencyKey, error) {
	var (
		rec       model.IdempotencyKey
		bookingID int64
	)
	err := q.QueryRow(ctx, query, key).Scan(&rec.Key, &bookingID, &rec.Finalized, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bookingserrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	rec.BookingID = strconv.FormatInt(bookingID, 10)
	return &rec, nil
}

func (r *keyRepository) Create(ctx context.Context, t repository.Tx, key, bookingID string) (*model.IdempotencyKey, error) {
	tx, err := pgTx(t)
	if err != nil {
		return nil, err
	}
	n, err := parseID(bookingID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	const q = `INSERT INTO idempotency_keys (idem_key, booking_id, finalized, created_at) VALUES ($1, $2, FALSE, $3)`
	if _, err := tx.Exec(ctx, q, key, n, now); err != nil {
		return nil, mapError(err)
	}
	return &model.IdempotencyKey{Key: key, BookingID: bookingID, CreatedAt: now}, nil
}

func (r *keyRepository) Get(ctx context.Context, key string) (*model.IdempotencyKey, error) {
	return scanKey(ctx, r.pool, selectKey, key)
}

func (r *keyRepository) GetForUpdate(ctx context.Context, t repository.Tx, key string) (*model.IdempotencyKey, error) {
	tx, err := pgTx(t)
	if err != nil {
		return nil, err
	}
	return scanKey(ctx, tx, selectKey+" FOR UPDATE", key)
}

func (r *keyRepository) Finalize(ctx context.Context, t repository.Tx, key string) error {
	tx, err := pgTx(t)
	if err != nil {
		return err
	}

	const q = `UPDATE idempotency_keys SET finalized = TRUE WHERE idem_key = $1`
	tag, err := tx.Exec(ctx, q, key)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return bookingserrors.ErrKeyNotFound
	}
	return nil
}
