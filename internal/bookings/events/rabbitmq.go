package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"staybook/pkg/logger"
	"staybook/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const rabbitTransport = "rabbitmq"

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a connection and a channel with the queue declared.
type dialFunc func() (closer, channel, error)

type closer interface {
	Close() error
}

// RabbitMQPublisher publishes persistent messages to a durable queue through
// the default exchange. A closed connection is redialled once per publish.
type RabbitMQPublisher struct {
	mu      sync.Mutex
	dial    dialFunc
	conn    closer
	ch      channel
	queue   string
	source  string
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewRabbitMQPublisher(url, queue, source string, log *logger.Logger, m *metrics.Metrics) (*RabbitMQPublisher, error) {
	dial := func() (closer, channel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("rabbitmq channel open: %w", err)
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("rabbitmq queue declare: %w", err)
		}
		return conn, ch, nil
	}

	p := newRabbitMQPublisher(dial, queue, source, log, m)
	if err := p.connect(); err != nil {
		return nil, err
	}
	log.Info("RabbitMQ publisher ready", "queue", queue)
	return p, nil
}

func newRabbitMQPublisher(dial dialFunc, queue, source string, log *logger.Logger, m *metrics.Metrics) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		dial:    dial,
		queue:   queue,
		source:  source,
		log:     log,
		metrics: m,
	}
}

func (p *RabbitMQPublisher) connect() error {
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, e Event) error {
	start := time.Now()
	err := p.publish(ctx, e)
	p.metrics.EventPublished(rabbitTransport, err, time.Since(start))
	if err != nil {
		p.log.Error("Failed to publish event", "transport", rabbitTransport, "event_type", e.Type, "booking_id", e.BookingID, "error", err)
	}
	return err
}

func (p *RabbitMQPublisher) publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		AppId:        p.source,
		Timestamp:    e.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	p.log.Warn("RabbitMQ channel closed, reconnecting", "queue", p.queue)
	p.closeLocked()
	if err := p.connect(); err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *RabbitMQPublisher) closeLocked() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}
