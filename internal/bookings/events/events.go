// Package events announces booking state changes to downstream consumers.
// Publishing happens after the owning transaction commits and is best effort:
// a failed publish never undoes a booking.
package events

import (
	"context"
	"fmt"
	"time"

	"staybook/pkg/config"
	"staybook/pkg/kafka"
	kafka_config "staybook/pkg/kafka/config"
	kafka_middleware "staybook/pkg/kafka/middleware"
	"staybook/pkg/metrics"
	"staybook/pkg/model"

	"github.com/google/uuid"
)

type Type string

const (
	BookingCreated   Type = "booking.created"
	BookingConfirmed Type = "booking.confirmed"
)

const schemaVersion = "1"

// Event never carries the idempotency key: holding the key is what
// authorizes a confirmation.
type Event struct {
	ID            string              `json:"event_id"`
	Type          Type                `json:"type"`
	BookingID     string              `json:"booking_id"`
	UserID        int64               `json:"user_id"`
	HotelID       int64               `json:"hotel_id"`
	TotalGuests   int                 `json:"total_guests"`
	BookingAmount int64               `json:"booking_amount"`
	Status        model.BookingStatus `json:"status"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

func NewBookingEvent(t Type, b *model.Booking) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		BookingID:     b.ID,
		UserID:        b.UserID,
		HotelID:       b.HotelID,
		TotalGuests:   b.TotalGuests,
		BookingAmount: b.BookingAmount,
		Status:        b.Status,
		OccurredAt:    time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type noopPublisher struct{}

// Noop returns a publisher that drops every event.
func Noop() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, Event) error { return nil }
func (noopPublisher) Close() error                         { return nil }

// New builds the publisher selected by cfg.EventsDriver.
func New(cfg *config.Config, m *metrics.Metrics) (Publisher, error) {
	switch cfg.EventsDriver {
	case config.EventsDriverNone, "":
		return Noop(), nil

	case config.EventsDriverKafka:
		kcfg, err := kafka_config.Load()
		if err != nil {
			return nil, err
		}
		kcfg.LogConfiguration(cfg.Log)
		producer, err := kafka.NewProducer(kcfg, cfg.Log, cfg.EventsTopic)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		producer.Use(kafka_middleware.LoggingProducerMiddleware(cfg.Log))
		producer.Use(kafka_middleware.MetricsProducerMiddleware(m))
		return NewKafkaPublisher(producer, cfg.ServiceName), nil

	case config.EventsDriverRabbitMQ:
		return NewRabbitMQPublisher(cfg.AMQPURL, cfg.EventsTopic, cfg.ServiceName, cfg.Log, m)

	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.EventsDriver)
	}
}
