package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/storefront/checkout-api/internal/services"
)

func TestPubSubPublisherPublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() { _ = client.Close() }()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	fixed := time.Date(2025, time.June, 3, 10, 0, 0, 0, time.UTC)
	publisher.now = func() time.Time { return fixed }
	original := newID
	newID = func() string { return "evt-1" }
	t.Cleanup(func() { newID = original })

	err = publisher.PublishEvent(ctx, services.DomainEvent{
		Type:    services.EventOrderPaid,
		OrderID: "ORD-1",
		UserID:  "user-1",
		Status:  "Pending",
		Amount:  decimal.RequireFromString("1299.50"),
	})
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.OrderingKey != "ORD-1" {
		t.Fatalf("expected ordering key ORD-1, got %q", msg.OrderingKey)
	}
	if msg.Attributes["eventType"] != services.EventOrderPaid || msg.Attributes["eventId"] != "evt-1" {
		t.Fatalf("unexpected attributes %#v", msg.Attributes)
	}

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if !env.Amount.Equal(decimal.RequireFromString("1299.5")) || !env.OccurredAt.Equal(fixed) || env.UserID != "user-1" {
		t.Fatalf("unexpected envelope %#v", env)
	}
}

func TestPublishEventRequiresType(t *testing.T) {
	if _, _, err := encode(services.DomainEvent{OrderID: "ORD-1"}, time.Now()); err == nil {
		t.Fatal("expected error for event without type")
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
