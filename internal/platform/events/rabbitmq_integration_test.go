//go:build integration

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/checkout-api/internal/platform/events"
	"github.com/storefront/checkout-api/internal/platform/testutil"
	"github.com/storefront/checkout-api/internal/services"
)

func TestRabbitPublisherDeliversToQueue(t *testing.T) {
	url := testutil.StartRabbitMQ(t)
	const queue = "order-events-test"

	publisher, err := events.DialRabbit(url, queue)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	msgs, err := ch.Consume(queue, "events-test", true, false, false, false, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, publisher.PublishEvent(ctx, services.DomainEvent{
		Type:    services.EventOrderReturned,
		OrderID: "ORD-7",
		UserID:  "user-7",
		Amount:  decimal.NewFromInt(500),
	}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, services.EventOrderReturned, msg.Type)
		assert.Equal(t, "ORD-7", msg.Headers["orderId"])

		var env events.Envelope
		require.NoError(t, json.Unmarshal(msg.Body, &env))
		assert.Equal(t, msg.MessageId, env.ID)
		assert.True(t, env.Amount.Equal(decimal.NewFromInt(500)))
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
