package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingGateway struct {
	calls int
	err   error
}

func (g *countingGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayOrder, error) {
	g.calls++
	return GatewayOrder{ID: "order_1"}, g.err
}

func (g *countingGateway) FetchOrder(ctx context.Context, id string) (GatewayOrder, error) {
	g.calls++
	return GatewayOrder{ID: id}, g.err
}

func (g *countingGateway) EditOrder(ctx context.Context, id string, status OrderStatus) (GatewayOrder, error) {
	g.calls++
	return GatewayOrder{ID: id, Status: status}, g.err
}

func TestBreakerGatewayOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &countingGateway{err: errors.New("connection refused")}
	gateway, err := NewBreakerGateway(inner, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := gateway.FetchOrder(ctx, "order_1"); err == nil {
			t.Fatalf("expected failure on call %d", i)
		}
	}

	_, err = gateway.FetchOrder(ctx, "order_1")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected open breaker to short-circuit, inner calls %d", inner.calls)
	}
	if gateway.State() != "open" {
		t.Fatalf("expected open state, got %s", gateway.State())
	}
}

func TestBreakerGatewayIgnoresValidationFailures(t *testing.T) {
	inner := &countingGateway{err: ErrInvalidRequest}
	gateway, err := NewBreakerGateway(inner, BreakerConfig{ConsecutiveFailures: 1})
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := gateway.CreateOrder(ctx, CreateOrderRequest{}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected invalid request, got %v", err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("expected every call to reach the gateway, got %d", inner.calls)
	}
	if gateway.State() != "closed" {
		t.Fatalf("expected closed state, got %s", gateway.State())
	}
}
