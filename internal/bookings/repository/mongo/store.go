// Package mongo stores bookings and idempotency keys in MongoDB using
// multi-document transactions (replica set required).
//
// MongoDB has no SELECT ... FOR UPDATE. GetForUpdate therefore writes a
// locked_at stamp on the key document: a second transaction touching the same
// document hits a write conflict, which surfaces as ErrTxConflict and is
// retried once the first transaction has finished.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	bookingserrors "staybook/internal/bookings/errors"
	"staybook/internal/bookings/repository"
	mongotx "staybook/pkg/db/mongo"
	"staybook/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	BookingsCollection        = "Bookings"
	IdempotencyKeysCollection = "Idempotency_keys"
)

type Store struct {
	client   *mongo.Client
	bookings *bookingRepository
	keys     *keyRepository
}

func NewStore(client *mongo.Client, database string, opTimeout time.Duration) *Store {
	db := client.Database(database)
	return &Store{
		client:   client,
		bookings: &bookingRepository{collection: db.Collection(BookingsCollection), timeout: opTimeout},
		keys:     &keyRepository{collection: db.Collection(IdempotencyKeysCollection), timeout: opTimeout},
	}
}

type Tx struct {
	tx *mongotx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, mongotx.ErrTxDone) {
			return repository.ErrTxDone
		}
		return mapError(err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	return t.tx.Abort(ctx)
}

func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := mongotx.Begin(ctx, s.client)
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
	return s.client.Ping(ctx, nil)
}

func sessionContext(t repository.Tx) (mongo.SessionContext, error) {
	mt, ok := t.(*Tx)
	if !ok || mt == nil {
		return nil, fmt.Errorf("mongo: transaction %T does not belong to this store", t)
	}
	return mt.tx.SessionContext(), nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", bookingserrors.ErrKeyExists, err)
	case mongotx.IsTransient(err):
		return fmt.Errorf("%w: %v", repository.ErrTxConflict, err)
	}
	return err
}

// withTimeout bounds standalone reads. Calls inside a transaction keep the
// session context untouched.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.(mongo.SessionContext); ok || timeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

type bookingDoc struct {
	ID            primitive.ObjectID `bson:"_id"`
	UserID        int64              `bson:"user_id"`
	HotelID       int64              `bson:"hotel_id"`
	TotalGuests   int                `bson:"total_guests"`
	BookingAmount int64              `bson:"booking_amount"`
	Status        string             `bson:"status"`
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

func (d *bookingDoc) toModel() *model.Booking {
	return &model.Booking{
		ID:            d.ID.Hex(),
		UserID:        d.UserID,
		HotelID:       d.HotelID,
		TotalGuests:   d.TotalGuests,
		BookingAmount: d.BookingAmount,
		Status:        model.BookingStatus(d.Status),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type bookingRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func (r *bookingRepository) Create(ctx context.Context, t repository.Tx, b *model.Booking) error {
	sessCtx, err := sessionContext(t)
	if err != nil {
		return err
	}

	ts := now()
	doc := bookingDoc{
		ID:            primitive.NewObjectID(),
		UserID:        b.UserID,
		HotelID:       b.HotelID,
		TotalGuests:   b.TotalGuests,
		BookingAmount: b.BookingAmount,
		Status:        string(model.BookingStatusCreated),
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if _, err := r.collection.InsertOne(sessCtx, doc); err != nil {
		return mapError(err)
	}

	*b = *doc.toModel()
	return nil
}

func (r *bookingRepository) FindByID(ctx context.Context, id string) (*model.Booking, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, bookingserrors.ErrInvalidID
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var doc bookingDoc
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, bookingserrors.ErrBookingNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return doc.toModel(), nil
}

func (r *bookingRepository) UpdateStatus(ctx context.Context, t repository.Tx, id string, from, to model.BookingStatus) (*model.Booking, error) {
	sessCtx, err := sessionContext(t)
	if err != nil {
		return nil, err
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, bookingserrors.ErrInvalidID
	}

	var doc bookingDoc
	err = r.collection.FindOneAndUpdate(sessCtx,
		bson.M{"_id": oid, "status": string(from)},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.toModel(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, mapError(err)
	}

	err = r.collection.FindOne(sessCtx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, bookingserrors.ErrBookingNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return nil, fmt.Errorf("%w: %s -> %s, current %s", bookingserrors.ErrInvalidTransition, from, to, doc.Status)
}

type keyDoc struct {
	Key       string             `bson:"_id"`
	BookingID primitive.ObjectID `bson:"booking_id"`
	Finalized bool               `bson:"finalized"`
	CreatedAt time.Time          `bson:"created_at"`
	LockedAt  *time.Time         `bson:"locked_at,omitempty"`
}

func (d *keyDoc) toModel() *model.IdempotencyKey {
	return &model.IdempotencyKey{
		Key:       d.Key,
		BookingID: d.BookingID.Hex(),
		Finalized: d.Finalized,
		CreatedAt: d.CreatedAt,
	}
}

type keyRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func (r *keyRepository) Create(ctx context.Context, t repository.Tx, key, bookingID string) (*model.IdempotencyKey, error) {
	sessCtx, err := sessionContext(t)
	if err != nil {
		return nil, err
	}
	oid, err := primitive.ObjectIDFromHex(bookingID)
	if err != nil {
		return nil, bookingserrors.ErrInvalidID
	}

	doc := keyDoc{Key: key, BookingID: oid, CreatedAt: now()}
	if _, err := r.collection.InsertOne(sessCtx, doc); err != nil {
		return nil, mapError(err)
	}
	return doc.toModel(), nil
}

func (r *keyRepository) Get(ctx context.Context, key string) (*model.IdempotencyKey, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var doc keyDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, bookingserrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return doc.toModel(), nil
}

func (r *keyRepository) GetForUpdate(ctx context.Context, t repository.Tx, key string) (*model.IdempotencyKey, error) {
	sessCtx, err := sessionContext(t)
	if err != nil {
		return nil, err
	}

	var doc keyDoc
	err = r.collection.FindOneAndUpdate(sessCtx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"locked_at": now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, bookingserrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return doc.toModel(), nil
}

func (r *keyRepository) Finalize(ctx context.Context, t repository.Tx, key string) error {
	sessCtx, err := sessionContext(t)
	if err != nil {
		return err
	}

	res, err := r.collection.UpdateOne(sessCtx, bson.M{"_id": key}, bson.M{"$set": bson.M{"finalized": true}})
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return bookingserrors.ErrKeyNotFound
	}
	return nil
}
