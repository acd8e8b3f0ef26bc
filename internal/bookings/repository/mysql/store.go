// Package mysql stores bookings and idempotency keys in MySQL (InnoDB).
// GetForUpdate relies on SELECT ... FOR UPDATE row locks.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	bookingserrors "staybook/internal/bookings/errors"
	"staybook/internal/bookings/repository"
	"staybook/pkg/model"

	"github.com/go-sql-driver/mysql"
)

const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errNoReferencedRow = 1452
)

type Store struct {
	db       *sql.DB
	bookings *bookingRepository
	keys     *keyRepository
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		bookings: &bookingRepository{db: db},
		keys:     &keyRepository{db: db},
	}
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return repository.ErrTxDone
		}
		return mapError(err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
	return s.db.PingContext(ctx)
}

func sqlTx(t repository.Tx) (*sql.Tx, error) {
	mt, ok := t.(*Tx)
	if !ok || mt == nil {
		return nil, fmt.Errorf("mysql: transaction %T does not belong to this store", t)
	}
	return mt.tx, nil
}

// mapError translates MySQL server errors into repository sentinels.
func mapError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case errDupEntry:
		return fmt.Errorf("%w: %s", bookingserrors.ErrKeyExists, myErr.Message)
	case errDeadlock, errLockWaitTimeout:
		return fmt.Errorf("%w: %s", repository.ErrTxConflict, myErr.Message)
	case errNoReferencedRow:
		return fmt.Errorf("%w: %s", bookingserrors.ErrBookingNotFound, myErr.Message)
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

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type bookingRepository struct {
	db *sql.DB
}

const selectBooking = `SELECT id, user_id, hotel_id, total_guests, booking_amount, status, created_at, updated_at FROM bookings WHERE id = ?`

func scanBooking(ctx context.Context, q queryRower, query string, id int64) (*model.Booking, error) {
	var (
		b      model.Booking
		rawID  int64
		status string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&rawID, &b.UserID, &b.HotelID, &b.TotalGuests, &b.BookingAmount, &status, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
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
	tx, err := sqlTx(t)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	const q = `INSERT INTO bookings (user_id, hotel_id, total_guests, booking_amount, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, b.UserID, b.HotelID, b.TotalGuests, b.BookingAmount, model.BookingStatusCreated, now, now)
	if err != nil {
		return mapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
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
	return scanBooking(ctx, r.db, selectBooking, n)
}

func (r *bookingRepository) UpdateStatus(ctx context.Context, t repository.Tx, id string, from, to model.BookingStatus) (*model.Booking, error) {
	tx, err := sqlTx(t)
	if err != nil {
		return nil, err
	}
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}

	const q = `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, to, time.Now().UTC().Truncate(time.Millisecond), n, from)
	if err != nil {
		return nil, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	b, err := scanBooking(ctx, tx, selectBooking+" FOR UPDATE", n)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s -> %s, current %s", bookingserrors.ErrInvalidTransition, from, to, b.Status)
	}
	return b, nil
}

type keyRepository struct {
	db *sql.DB
}

const selectKey = `SELECT idem_key, booking_id, finalized, created_at FROM idempotency_keys WHERE idem_key = ?`

func scanKey(ctx context.Context, q queryRower, query, key string) (*model.IdempotencyKey, error) {
	var (
		rec       model.IdempotencyKey
		bookingID int64
	)
	err := q.QueryRowContext(ctx, query, key).Scan(&rec.Key, &bookingID, &rec.Finalized, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bookingserrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	rec.BookingID = strconv.FormatInt(bookingID, 10)
	return &rec, nil
}

func (r *keyRepository) Create(ctx context.Context, t repository.Tx, key, bookingID string) (*model.IdempotencyKey, error) {
	tx, err := sqlTx(t)
	if err != nil {
		return nil, err
	}
	n, err := parseID(bookingID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	const q = `INSERT INTO idempotency_keys (idem_key, booking_id, finalized, created_at) VALUES (?, ?, FALSE, ?)`
	if _, err := tx.ExecContext(ctx, q, key, n, now); err != nil {
		return nil, mapError(err)
	}
	return &model.IdempotencyKey{Key: key, BookingID: bookingID, CreatedAt: now}, nil
}

func (r *keyRepository) Get(ctx context.Context, key string) (*model.IdempotencyKey, error) {
	return scanKey(ctx, r.db, selectKey, key)
}

func (r *keyRepository) GetForUpdate(ctx context.Context, t repository.Tx, key string) (*model.IdempotencyKey, error) {
	tx, err := sqlTx(t)
	if err != nil {
		return nil, err
	}
	return scanKey(ctx, tx, selectKey+" FOR UPDATE", key)
}

func (r *keyRepository) Finalize(ctx context.Context, t repository.Tx, key string) error {
	tx, err := sqlTx(t)
	if err != nil {
		return err
	}

	// RowsAffected is 0 both for a missing key and for an already finalized
	// one, so existence is checked under the same row lock.
	if _, err := scanKey(ctx, tx, selectKey+" FOR UPDATE", key); err != nil {
		return err
	}
	const q = `UPDATE idempotency_keys SET finalized = TRUE WHERE idem_key = ?`
	if _, err := tx.ExecContext(ctx, q, key); err != nil {
		return mapError(err)
	}
	return nil
}
