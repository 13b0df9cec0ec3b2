// Package events delivers order and wallet domain events to Pub/Sub or RabbitMQ.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storefront/checkout-api/internal/services"
)

// Envelope is the wire form shared by every backend.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OrderID    string          `json:"orderId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurredAt"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

var newID = func() string { return uuid.NewString() }

func envelopeFor(event services.DomainEvent, now time.Time) Envelope {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	return Envelope{
		ID:         newID(),
		Type:       event.Type,
		OrderID:    event.OrderID,
		UserID:     event.UserID,
		Status:     event.Status,
		Amount:     event.Amount,
		OccurredAt: occurred.UTC(),
		Metadata:   event.Metadata,
	}
}

func encode(event services.DomainEvent, now time.Time) (Envelope, []byte, error) {
	if strings.TrimSpace(event.Type) == "" {
		return Envelope{}, nil, fmt.Errorf("events: event type is required")
	}
	env := envelopeFor(event, now)
	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("events: marshal %s: %w", event.Type, err)
	}
	return env, data, nil
}

// attributes are the routing hints sent alongside the body.
func attributes(env Envelope) map[string]string {
	attrs := map[string]string{"eventId": env.ID, "eventType": env.Type}
	if env.OrderID != "" {
		attrs["orderId"] = env.OrderID
	}
	if env.UserID != "" {
		attrs["userId"] = env.UserID
	}
	return attrs
}
