package payments

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrGatewayUnavailable is returned while the breaker rejects calls.
var ErrGatewayUnavailable = errors.New("payments: gateway unavailable")

// BreakerConfig tunes the circuit breaker wrapped around a Gateway.
type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	Logger      StripeLogger
}

// BreakerGateway guards a Gateway with a circuit breaker so an unreachable gateway fails fast.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[GatewayOrder]
}

// NewBreakerGateway wraps next with a circuit breaker.
func NewBreakerGateway(next Gateway, cfg BreakerConfig) (*BreakerGateway, error) {
	if next == nil {
		return nil, errors.New("payments: breaker requires a gateway")
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "payment-gateway"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	cb := gobreaker.NewCircuitBreaker[GatewayOrder](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger(context.Background(), "payments.breaker.state_changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		// Request validation failures say nothing about gateway health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnsupportedStatus)
		},
	})
	return &BreakerGateway{next: next, cb: cb}, nil
}

func (b *BreakerGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayOrder, error) {
	return b.execute(func() (GatewayOrder, error) {
		return b.next.CreateOrder(ctx, req)
	})
}

func (b *BreakerGateway) FetchOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error) {
	return b.execute(func() (GatewayOrder, error) {
		return b.next.FetchOrder(ctx, gatewayOrderID)
	})
}

func (b *BreakerGateway) EditOrder(ctx context.Context, gatewayOrderID string, status OrderStatus) (GatewayOrder, error) {
	return b.execute(func() (GatewayOrder, error) {
		return b.next.EditOrder(ctx, gatewayOrderID, status)
	})
}

// State exposes the breaker state for readiness reporting.
func (b *BreakerGateway) State() string {
	return b.cb.State().String()
}

func (b *BreakerGateway) execute(fn func() (GatewayOrder, error)) (GatewayOrder, error) {
	order, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return GatewayOrder{}, errors.Join(ErrGatewayUnavailable, err)
	}
	return order, err
}
