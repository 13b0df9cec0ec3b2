package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntents struct {
	newParams    *stripe.PaymentIntentParams
	cancelledID  string
	intent       *stripe.PaymentIntent
	err          error
	getCalls     int
	updateCalled bool
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.newParams = params
	return f.intent, f.err
}

func (f *fakeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.getCalls++
	return f.intent, f.err
}

func (f *fakeIntents) Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.updateCalled = true
	return f.intent, f.err
}

func (f *fakeIntents) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.cancelledID = id
	return f.intent, f.err
}

func TestStripeGatewayCreateOrderCarriesReceiptAndNotes(t *testing.T) {
	intents := &fakeIntents{intent: &stripe.PaymentIntent{
		ID:          "pi_123",
		Amount:      72000,
		Currency:    stripe.Currency("inr"),
		Status:      stripe.PaymentIntentStatusRequiresPaymentMethod,
		Description: "ORD-1",
		Metadata:    map[string]string{"receipt": "ORD-1", "finalAmount": "720"},
		Created:     1735689600,
	}}
	gateway, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{intents: intents}})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	order, err := gateway.CreateOrder(context.Background(), CreateOrderRequest{
		Amount:         72000,
		Currency:       "INR",
		Receipt:        "ORD-1",
		Notes:          map[string]string{"finalAmount": "720"},
		IdempotencyKey: "ORD-1:1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if intents.newParams == nil {
		t.Fatalf("expected stripe call")
	}
	if got := *intents.newParams.Amount; got != 72000 {
		t.Fatalf("expected amount 72000, got %d", got)
	}
	if got := *intents.newParams.Currency; got != "inr" {
		t.Fatalf("expected lower-case currency, got %s", got)
	}
	if intents.newParams.Metadata["receipt"] != "ORD-1" {
		t.Fatalf("expected receipt metadata, got %#v", intents.newParams.Metadata)
	}
	if intents.newParams.IdempotencyKey == nil || *intents.newParams.IdempotencyKey != "ORD-1:1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}

	if order.ID != "pi_123" || order.Receipt != "ORD-1" || order.Currency != "INR" {
		t.Fatalf("unexpected order %#v", order)
	}
	if order.Status != OrderStatusCreated || !order.Payable() {
		t.Fatalf("expected payable created order, got %s", order.Status)
	}
	if _, ok := order.Notes["receipt"]; ok {
		t.Fatalf("receipt should be lifted out of notes")
	}
}

func TestStripeGatewayCreateOrderRejectsInvalidRequest(t *testing.T) {
	intents := &fakeIntents{}
	gateway, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{intents: intents}})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gateway.CreateOrder(context.Background(), CreateOrderRequest{Amount: 0, Currency: "INR", Receipt: "ORD-1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if intents.newParams != nil {
		t.Fatalf("gateway should not be called")
	}
}

func TestStripeGatewayStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		intent *stripe.PaymentIntent
		want   OrderStatus
	}{
		{"succeeded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}, OrderStatusPaid},
		{"canceled", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, OrderStatusCancelled},
		{"failed attempt", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{Msg: "declined"}}, OrderStatusAttempted},
		{"processing", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, OrderStatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripeGatewayOrder(tc.intent).Status; got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestStripeGatewayEditOrderCancels(t *testing.T) {
	intents := &fakeIntents{intent: &stripe.PaymentIntent{ID: "pi_9", Status: stripe.PaymentIntentStatusCanceled}}
	gateway, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{intents: intents}})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	order, err := gateway.EditOrder(context.Background(), "pi_9", OrderStatusCancelled)
	if err != nil {
		t.Fatalf("edit order: %v", err)
	}
	if intents.cancelledID != "pi_9" || order.Status != OrderStatusCancelled {
		t.Fatalf("expected cancelled pi_9, got %q %s", intents.cancelledID, order.Status)
	}

	if _, err := gateway.EditOrder(context.Background(), "pi_9", OrderStatusPaid); !errors.Is(err, ErrUnsupportedStatus) {
		t.Fatalf("expected unsupported status, got %v", err)
	}
}
