package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	bookingserrors "staybook/internal/bookings/errors"
	"staybook/internal/bookings/events"
	"staybook/internal/bookings/keygen"
	"staybook/internal/bookings/repository"
	"staybook/internal/bookings/validator"
	"staybook/pkg/config"
	"staybook/pkg/dlock"
	apperrors "staybook/pkg/errors"
	"staybook/pkg/metrics"
	"staybook/pkg/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "staybook/internal/bookings/service"

const publishTimeout = 5 * time.Second

var (
	errLeaseExpired     = errors.New("lock lease expired before commit")
	errAlreadyFinalized = errors.New("idempotency key already finalized")
)

type BookingService interface {
	// Create books a hotel under the hotel's distributed lock and returns the
	// new booking's ID with the single-use key that confirms it.
	Create(ctx context.Context, req *model.CreateBookingRequest) (*model.BookingReceipt, error)
	// Confirm consumes key and moves its booking to "confirmed". It succeeds at
	// most once per key.
	Confirm(ctx context.Context, key string) (*model.Booking, error)
	GetByID(ctx context.Context, id string) (*model.Booking, error)
}

// Locker is the part of *dlock.Manager the service depends on.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*dlock.Lease, error)
	Release(ctx context.Context, lease *dlock.Lease) error
}

type bookingService struct {
	store     repository.Store
	locker    Locker
	keys      keygen.Generator
	validator *validator.BookingValidator
	publisher events.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	cfg       *config.Config
}

func NewBookingService(
	store repository.Store,
	locker Locker,
	keys keygen.Generator,
	validator *validator.BookingValidator,
	publisher events.Publisher,
	m *metrics.Metrics,
	cfg *config.Config,
) BookingService {
	if publisher == nil {
		publisher = events.Noop()
	}
	return &bookingService{
		store:     store,
		locker:    locker,
		keys:      keys,
		validator: validator,
		publisher: publisher,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
	}
}

// LockResource names the lock every creator for hotelID contends on.
func LockResource(hotelID int64) string {
	return fmt.Sprintf("hotel:%d", hotelID)
}

func (s *bookingService) Create(ctx context.Context, req *model.CreateBookingRequest) (*model.BookingReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.Create")
	defer span.End()

	if err := s.validate(req); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("hotel.id", req.HotelID), attribute.Int64("user.id", req.UserID))

	resource := LockResource(req.HotelID)
	lease, err := s.acquire(ctx, resource)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	released := false
	defer func() {
		if !released {
			s.release(ctx, lease)
		}
	}()

	booking := &model.Booking{
		UserID:        req.UserID,
		HotelID:       req.HotelID,
		TotalGuests:   req.TotalGuests,
		BookingAmount: req.BookingAmount,
	}
	var key string

	err = repository.WithinTx(ctx, s.store, s.txOptions("create"), func(ctx context.Context, tx repository.Tx) error {
		if err := s.store.Bookings().Create(ctx, tx, booking); err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		k, err := s.keys.NewKey()
		if err != nil {
			return err
		}
		if _, err := s.store.IdempotencyKeys().Create(ctx, tx, k, booking.ID); err != nil {
			return fmt.Errorf("bind idempotency key: %w", err)
		}
		// Past this point another creator may already hold the lock.
		if !lease.Valid() {
			return errLeaseExpired
		}
		key = k
		return nil
	})
	// Free the hotel before any post-commit work so a slow broker never
	// holds up the next creator.
	released = true
	s.release(ctx, lease)
	if err != nil {
		appErr := s.createError(err, resource)
		recordError(span, appErr)
		s.cfg.Log.Error("Failed to create booking", "resource", resource, "error", err)
		return nil, appErr
	}

	s.metrics.BookingCreated()
	span.SetAttributes(attribute.String("booking.id", booking.ID))
	s.cfg.Log.Info("Booking created successfully",
		"booking_id", booking.ID,
		"hotel_id", booking.HotelID,
		"user_id", booking.UserID,
		"lock_attempts", lease.Attempts,
	)
	s.publish(ctx, events.NewBookingEvent(events.BookingCreated, booking))

	return &model.BookingReceipt{BookingID: booking.ID, IdempotencyKey: key}, nil
}

func (s *bookingService) Confirm(ctx context.Context, key string) (*model.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.Confirm")
	defer span.End()

	// Keys are only ever issued by keygen, so anything else cannot exist.
	if !keygen.Valid(key) {
		s.metrics.Confirmation(metrics.ConfirmNotFound)
		return nil, apperrors.NotFound("Idempotency key")
	}

	var confirmed *model.Booking
	err := repository.WithinTx(ctx, s.store, s.txOptions("confirm"), func(ctx context.Context, tx repository.Tx) error {
		rec, err := s.store.IdempotencyKeys().GetForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Finalized {
			return errAlreadyFinalized
		}
		b, err := s.store.Bookings().UpdateStatus(ctx, tx, rec.BookingID, model.BookingStatusCreated, model.BookingStatusConfirmed)
		if err != nil {
			return fmt.Errorf("confirm booking %s: %w", rec.BookingID, err)
		}
		if err := s.store.IdempotencyKeys().Finalize(ctx, tx, key); err != nil {
			return fmt.Errorf("finalize idempotency key: %w", err)
		}
		confirmed = b
		return nil
	})
	if err != nil {
		result, appErr := s.confirmError(err)
		s.metrics.Confirmation(result)
		recordError(span, appErr)
		if result == metrics.ConfirmError {
			s.cfg.Log.Error("Failed to confirm booking", "error", err)
		} else {
			s.cfg.Log.Info("Booking confirmation rejected", "reason", appErr.Code)
		}
		return nil, appErr
	}

	s.metrics.Confirmation(metrics.ConfirmConfirmed)
	span.SetAttributes(attribute.String("booking.id", confirmed.ID))
	s.cfg.Log.Info("Booking confirmed successfully", "booking_id", confirmed.ID, "hotel_id", confirmed.HotelID)
	s.publish(ctx, events.NewBookingEvent(events.BookingConfirmed, confirmed))

	return confirmed, nil
}

func (s *bookingService) GetByID(ctx context.Context, id string) (*model.Booking, error) {
	if id == "" {
		return nil, apperrors.InvalidInput("Booking ID cannot be empty")
	}

	booking, err := s.store.Bookings().FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, bookingserrors.ErrBookingNotFound) {
			return nil, apperrors.NotFoundWithID("Booking", id)
		}
		if errors.Is(err, bookingserrors.ErrInvalidID) {
			return nil, apperrors.InvalidInput("Invalid booking ID format")
		}
		return nil, apperrors.Internal("Failed to retrieve booking", err)
	}

	return booking, nil
}

// --- Helpers ---

func (s *bookingService) validate(req *model.CreateBookingRequest) error {
	err := s.validator.ValidateCreate(req)
	if err == nil {
		return nil
	}
	s.cfg.Log.Warn("Booking validation failed", "error", err)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apperrors.Validation("Booking validation failed", verrs.Details())
	}
	return apperrors.Validation("Booking validation failed", map[string]any{"error": err.Error()})
}

// acquire takes the resource lock. Every lock-layer failure, including an
// unreachable quorum, is reported as RESOURCE_BUSY.
func (s *bookingService) acquire(ctx context.Context, resource string) (*dlock.Lease, error) {
	start := time.Now()
	lease, err := s.locker.Acquire(ctx, resource, s.cfg.LockTTL)
	if err != nil {
		s.metrics.ObserveLock(metrics.LockBusy, time.Since(start))
		s.cfg.Log.Warn("Could not acquire booking lock", "resource", resource, "error", err)
		return nil, apperrors.ResourceBusy(resource, s.cfg.LockTTL, err)
	}
	s.metrics.ObserveLock(metrics.LockAcquired, time.Since(start))
	if lease.Attempts > 1 {
		s.cfg.Log.Debug("Booking lock acquired after contention", "resource", resource, "attempts", lease.Attempts)
	}
	return lease, nil
}

// release runs on a detached context so a cancelled request still frees the
// lock instead of waiting out the TTL.
func (s *bookingService) release(ctx context.Context, lease *dlock.Lease) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LockReleaseTimeout)
	defer cancel()
	if err := s.locker.Release(rctx, lease); err != nil {
		s.cfg.Log.Warn("Failed to release booking lock", "resource", lease.Resource, "error", err)
	}
}

func (s *bookingService) txOptions(op string) repository.TxOptions {
	return repository.TxOptions{
		MaxAttempts:  s.cfg.TxMaxAttempts,
		RetryBackoff: s.cfg.TxRetryBackoff,
		OnRetry: func(attempt int, err error) {
			s.metrics.TxRetry()
			s.cfg.Log.Warn("Retrying transaction after conflict", "operation", op, "attempt", attempt, "error", err)
		},
	}
}

// publish is best effort. The booking is already committed.
func (s *bookingService) publish(ctx context.Context, e events.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, e); err != nil {
		s.cfg.Log.Warn("Failed to publish booking event", "event_type", e.Type, "booking_id", e.BookingID, "error", err)
	}
}

func (s *bookingService) createError(err error, resource string) *apperrors.AppError {
	switch {
	case errors.Is(err, errLeaseExpired):
		return apperrors.ResourceBusy(resource, s.cfg.LockTTL, err)
	case errors.Is(err, bookingserrors.ErrKeyExists):
		return apperrors.KeyConflict("Idempotency key collision", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Timeout("Booking creation timed out")
	default:
		return apperrors.Internal("Failed to create booking", err)
	}
}

func (s *bookingService) confirmError(err error) (string, *apperrors.AppError) {
	switch {
	case errors.Is(err, bookingserrors.ErrKeyNotFound):
		return metrics.ConfirmNotFound, apperrors.NotFound("Idempotency key")
	case errors.Is(err, errAlreadyFinalized):
		return metrics.ConfirmAlreadyFinalized, apperrors.AlreadyFinalized("Booking has already been confirmed with this key")
	case errors.Is(err, bookingserrors.ErrInvalidTransition):
		return metrics.ConfirmError, apperrors.Conflict("Booking cannot be confirmed in its current state")
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.ConfirmError, apperrors.Timeout("Booking confirmation timed out")
	default:
		return metrics.ConfirmError, apperrors.Internal("Failed to confirm booking", err)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
