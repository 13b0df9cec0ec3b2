package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/storefront/checkout-api/internal/services"
)

// PubSubPublisher publishes events to a topic, ordered per order id.
type PubSubPublisher struct {
	topic *pubsub.Topic
	now   func() time.Time
}

// NewPubSubPublisher wraps an existing topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic, now: time.Now}, nil
}

// PublishEvent implements services.EventPublisher.
func (p *PubSubPublisher) PublishEvent(ctx context.Context, event services.DomainEvent) error {
	env, data, err := encode(event, p.now())
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes(env),
		OrderingKey: env.OrderID,
	})
	if _, err := result.Get(ctx); err != nil {
		if env.OrderID != "" {
			// A failed publish pauses the ordering key until resumed.
			p.topic.ResumePublish(env.OrderID)
		}
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// Close flushes outstanding messages.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return nil
}
