package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/storefront/checkout-api/internal/services"
)

const publishTimeout = 3 * time.Second

// RabbitPublisher sends events to a durable queue through the default exchange.
type RabbitPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	now   func() time.Time
}

// DialRabbit connects to url and declares queue.
func DialRabbit(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	p, err := NewRabbitPublisher(conn, queue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// NewRabbitPublisher opens a channel on conn. The connection is closed with the publisher.
func NewRabbitPublisher(conn *amqp.Connection, queue string) (*RabbitPublisher, error) {
	if conn == nil {
		return nil, errors.New("rabbitmq publisher: connection is required")
	}
	if queue == "" {
		return nil, errors.New("rabbitmq publisher: queue is required")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, queue: queue, now: time.Now}, nil
}

// PublishEvent implements services.EventPublisher.
func (p *RabbitPublisher) PublishEvent(ctx context.Context, event services.DomainEvent) error {
	env, data, err := encode(event, p.now())
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	for k, v := range attributes(env) {
		headers[k] = v
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(pubCtx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Type,
		Timestamp:    env.OccurredAt,
		Headers:      headers,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.ch.Close(), p.conn.Close())
}
