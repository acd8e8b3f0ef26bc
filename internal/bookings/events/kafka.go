package events

import (
	"context"
	"fmt"

	"staybook/pkg/kafka"
)

// KafkaPublisher keys every record by booking ID so that a booking's events
// land on one partition in order.
type KafkaPublisher struct {
	producer *kafka.Producer
	source   string
}

func NewKafkaPublisher(producer *kafka.Producer, source string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, source: source}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := kafka.NewMessage().
		WithKey(e.BookingID).
		WithValue(e).
		WithEventID(e.ID).
		WithEventType(string(e.Type)).
		WithSchemaVersion(schemaVersion).
		WithSource(p.source).
		WithTimestamp(e.OccurredAt).
		Build()
	if err != nil {
		return fmt.Errorf("build %s message: %w", e.Type, err)
	}
	return p.producer.Publish(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
