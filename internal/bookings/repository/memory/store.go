// Package memory is an in-process store with real transaction semantics:
// writes are buffered per transaction and applied atomically on commit, and
// row locks are held until the transaction ends. It backs tests and
// single-instance development runs.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	bookingserrors "staybook/internal/bookings/errors"
	"staybook/internal/bookings/repository"
	"staybook/pkg/model"

	"github.com/puzpuzpuz/xsync/v3"
)

type Store struct {
	mu        sync.RWMutex
	bookings  map[string]model.Booking
	keys      map[string]model.IdempotencyKey
	keyByBook map[string]string

	nextID   atomic.Int64
	rowLocks *xsync.MapOf[string, *rowLock]

	bookingRepo *bookingRepository
	keyRepo     *keyRepository
}

func NewStore() *Store {
	s := &Store{
		bookings:  make(map[string]model.Booking),
		keys:      make(map[string]model.IdempotencyKey),
		keyByBook: make(map[string]string),
		rowLocks:  xsync.NewMapOf[string, *rowLock](),
	}
	s.bookingRepo = &bookingRepository{store: s}
	s.keyRepo = &keyRepository{store: s}
	return s
}

func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		store:    s,
		held:     make(map[string]*rowLock),
		bookings: make(map[string]model.Booking),
		keys:     make(map[string]model.IdempotencyKey),
	}, nil
}

func (s *Store) Bookings() repository.BookingRepository {
	return s.bookingRepo
}

func (s *Store) IdempotencyKeys() repository.IdempotencyKeyRepository {
	return s.keyRepo
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// BookingCount reports committed bookings.
func (s *Store) BookingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bookings)
}

// LockedRows reports rows that still have a lock entry, held or awaited.
func (s *Store) LockedRows() int {
	return s.rowLocks.Size()
}

func (s *Store) newID() string {
	return strconv.FormatInt(s.nextID.Add(1), 10)
}

// rowLock is a one-slot semaphore. refs counts holders and waiters and is
// only touched inside rowLocks.Compute; the entry goes away at zero.
type rowLock struct {
	sem  chan struct{}
	refs int
}

func (s *Store) refRow(row string) *rowLock {
	rl, _ := s.rowLocks.Compute(row, func(old *rowLock, loaded bool) (*rowLock, bool) {
		if !loaded {
			old = &rowLock{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return rl
}

func (s *Store) unrefRow(row string) {
	s.rowLocks.Compute(row, func(old *rowLock, loaded bool) (*rowLock, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

type tx struct {
	store *Store

	mu       sync.Mutex
	done     bool
	held     map[string]*rowLock
	bookings map[string]model.Booking
	keys     map[string]model.IdempotencyKey
}

func asTx(t repository.Tx) (*tx, error) {
	mt, ok := t.(*tx)
	if !ok || mt == nil {
		return nil, fmt.Errorf("memory: transaction %T does not belong to this store", t)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.done {
		return nil, repository.ErrTxDone
	}
	return mt, nil
}

// lockRow blocks until the row is free or ctx ends. Locks are reentrant for
// the owning transaction.
func (t *tx) lockRow(ctx context.Context, row string) error {
	t.mu.Lock()
	_, owned := t.held[row]
	t.mu.Unlock()
	if owned {
		return nil
	}

	rl := t.store.refRow(row)
	select {
	case rl.sem <- struct{}{}:
	case <-ctx.Done():
		t.store.unrefRow(row)
		return ctx.Err()
	}

	t.mu.Lock()
	t.held[row] = rl
	t.mu.Unlock()
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return repository.ErrTxDone
	}

	s := t.store
	s.mu.Lock()
	for id, b := range t.bookings {
		s.bookings[id] = b
	}
	for k, rec := range t.keys {
		s.keys[k] = rec
		s.keyByBook[rec.BookingID] = k
	}
	s.mu.Unlock()

	t.finish()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// finish releases every row lock. Callers hold t.mu.
func (t *tx) finish() {
	t.done = true
	for row, rl := range t.held {
		<-rl.sem
		t.store.unrefRow(row)
		delete(t.held, row)
	}
	t.bookings = nil
	t.keys = nil
}

func (t *tx) booking(id string) (model.Booking, bool) {
	t.mu.Lock()
	b, ok := t.bookings[id]
	t.mu.Unlock()
	if ok {
		return b, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok = t.store.bookings[id]
	return b, ok
}

func (t *tx) key(k string) (model.IdempotencyKey, bool) {
	t.mu.Lock()
	rec, ok := t.keys[k]
	t.mu.Unlock()
	if ok {
		return rec, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok = t.store.keys[k]
	return rec, ok
}

func (t *tx) putBooking(b model.Booking) {
	t.mu.Lock()
	t.bookings[b.ID] = b
	t.mu.Unlock()
}

func (t *tx) putKey(rec model.IdempotencyKey) {
	t.mu.Lock()
	t.keys[rec.Key] = rec
	t.mu.Unlock()
}

func (t *tx) bookingHasKey(bookingID string) bool {
	t.mu.Lock()
	for _, rec := range t.keys {
		if rec.BookingID == bookingID {
			t.mu.Unlock()
			return true
		}
	}
	t.mu.Unlock()
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.keyByBook[bookingID]
	return ok
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

type bookingRepository struct {
	store *Store
}

func (r *bookingRepository) Create(ctx context.Context, t repository.Tx, b *model.Booking) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}

	id := r.store.newID()
	if err := mt.lockRow(ctx, "booking:"+id); err != nil {
		return err
	}

	ts := now()
	b.ID = id
	b.Status = model.BookingStatusCreated
	b.CreatedAt = ts
	b.UpdatedAt = ts
	mt.putBooking(*b)
	return nil
}

func (r *bookingRepository) FindByID(ctx context.Context, id string) (*model.Booking, error) {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return nil, bookingserrors.ErrInvalidID
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.bookings[id]
	if !ok {
		return nil, bookingserrors.ErrBookingNotFound
	}
	return &b, nil
}

func (r *bookingRepository) UpdateStatus(ctx context.Context, t repository.Tx, id string, from, to model.BookingStatus) (*model.Booking, error) {
	mt, err := asTx(t)
	if err != nil {
		return nil, err
	}
	if err := mt.lockRow(ctx, "booking:"+id); err != nil {
		return nil, err
	}

	b, ok := mt.booking(id)
	if !ok {
		return nil, bookingserrors.ErrBookingNotFound
	}
	if b.Status != from {
		return nil, fmt.Errorf("%w: %s -> %s, current %s", bookingserrors.ErrInvalidTransition, from, to, b.Status)
	}

	b.Status = to
	b.UpdatedAt = now()
	mt.putBooking(b)
	return &b, nil
}

type keyRepository struct {
	store *Store
}

func (r *keyRepository) Create(ctx context.Context, t repository.Tx, key, bookingID string) (*model.IdempotencyKey, error) {
	mt, err := asTx(t)
	if err != nil {
		return nil, err
	}
	if err := mt.lockRow(ctx, "key:"+key); err != nil {
		return nil, err
	}

	if _, exists := mt.key(key); exists {
		return nil, bookingserrors.ErrKeyExists
	}
	if _, ok := mt.booking(bookingID); !ok {
		return nil, bookingserrors.ErrBookingNotFound
	}
	if mt.bookingHasKey(bookingID) {
		return nil, bookingserrors.ErrKeyExists
	}

	rec := model.IdempotencyKey{
		Key:       key,
		BookingID: bookingID,
		Finalized: false,
		CreatedAt: now(),
	}
	mt.putKey(rec)
	return &rec, nil
}

func (r *keyRepository) Get(ctx context.Context, key string) (*model.IdempotencyKey, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.keys[key]
	if !ok {
		return nil, bookingserrors.ErrKeyNotFound
	}
	return &rec, nil
}

func (r *keyRepository) GetForUpdate(ctx context.Context, t repository.Tx, key string) (*model.IdempotencyKey, error) {
	mt, err := asTx(t)
	if err != nil {
		return nil, err
	}
	if err := mt.lockRow(ctx, "key:"+key); err != nil {
		return nil, err
	}

	rec, ok := mt.key(key)
	if !ok {
		return nil, bookingserrors.ErrKeyNotFound
	}
	return &rec, nil
}

func (r *keyRepository) Finalize(ctx context.Context, t repository.Tx, key string) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	if err := mt.lockRow(ctx, "key:"+key); err != nil {
		return err
	}

	rec, ok := mt.key(key)
	if !ok {
		return bookingserrors.ErrKeyNotFound
	}
	rec.Finalized = true
	mt.putKey(rec)
	return nil
}
