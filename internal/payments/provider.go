package payments

import (
	"context"
	"errors"
	"time"
)

// OrderStatus enumerates the normalised gateway order states.
type OrderStatus string

const (
	// OrderStatusCreated indicates the order is open and awaiting payment.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusAttempted indicates a payment attempt failed but the order can still be paid.
	OrderStatusAttempted OrderStatus = "attempted"
	// OrderStatusPaid indicates the gateway captured the payment.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCancelled indicates the order was cancelled and can no longer be paid.
	OrderStatusCancelled OrderStatus = "cancelled"
)

var (
	// ErrInvalidRequest is returned when a gateway request is missing required fields.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrUnsupportedStatus is returned when EditOrder receives a status the gateway cannot apply.
	ErrUnsupportedStatus = errors.New("payments: unsupported status")
)

// CreateOrderRequest captures the payload required to open a gateway order.
type CreateOrderRequest struct {
	// Amount is expressed in integer minor units.
	Amount   int64
	Currency string
	// Receipt carries the internal order id.
	Receipt        string
	Notes          map[string]string
	IdempotencyKey string
}

// GatewayOrder is the gateway's view of a payable order.
type GatewayOrder struct {
	ID        string
	Receipt   string
	Amount    int64
	Currency  string
	Status    OrderStatus
	Notes     map[string]string
	CreatedAt time.Time
}

// Payable reports whether the customer can still complete payment against the order.
func (o GatewayOrder) Payable() bool {
	return o.Status == OrderStatusCreated || o.Status == OrderStatusAttempted
}

// Gateway abstracts the external payment gateway order API.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayOrder, error)
	FetchOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error)
	EditOrder(ctx context.Context, gatewayOrderID string, status OrderStatus) (GatewayOrder, error)
}
