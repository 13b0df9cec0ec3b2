package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart              = domain.Cart
	CartItem          = domain.CartItem
	Offer             = domain.Offer
	Coupon            = domain.Coupon
	CheckoutSnapshot  = domain.CheckoutSnapshot
	SnapshotItem      = domain.SnapshotItem
	PendingPayment    = domain.PendingPayment
	Order             = domain.Order
	OrderItem         = domain.OrderItem
	OrderStatus       = domain.OrderStatus
	ItemStatus        = domain.ItemStatus
	ShippingAddress   = domain.ShippingAddress
	WalletTransaction = domain.WalletTransaction
)

// Logger receives structured service events. cmd/api adapts it to zap.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

// PricingService computes offer and coupon pricing for carts.
type PricingService interface {
	BestOffer(ctx context.Context, productID, categoryID string) (*Offer, error)
	PriceCart(ctx context.Context, cart Cart) (PricedCart, error)
}

// PricedCart is the result of pricing a cart against the live catalog.
type PricedCart struct {
	Items          []SnapshotItem
	Subtotal       decimal.Decimal
	OfferDiscount  decimal.Decimal
	CouponCode     string
	CouponDiscount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// CheckoutService opens checkout sessions and payment intents.
type CheckoutService interface {
	OpenCheckout(ctx context.Context, userID string) (CheckoutSnapshot, error)
	CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error)
	RetryPaymentIntent(ctx context.Context, cmd RetryPaymentIntentCommand) (PaymentIntent, error)
}

// CreatePaymentIntentCommand selects the shipping address for the locked snapshot.
type CreatePaymentIntentCommand struct {
	UserID    string
	AddressID string
}

// RetryPaymentIntentCommand reopens payment for a pending order id.
type RetryPaymentIntentCommand struct {
	UserID  string
	OrderID string
}

// PaymentIntent is returned to the client to start the gateway payment.
type PaymentIntent struct {
	GatewayOrderID  string
	InternalOrderID string
	AmountMinor     int64
	Currency        string
	Attempts        int
}

// PaymentReconciliationService turns a gateway success report into an order.
type PaymentReconciliationService interface {
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (OrderSummary, error)
}

// VerifyPaymentCommand carries the client-relayed gateway success report.
type VerifyPaymentCommand struct {
	UserID           string
	GatewayPaymentID string
	GatewayOrderID   string
	Signature        string
	OrderID          string
}

// OrderSummary is the minimal order view returned by payment endpoints.
type OrderSummary struct {
	OrderID     string
	Status      OrderStatus
	TotalAmount decimal.Decimal
	Replayed    bool
}

// PaymentFailureService records failed payments and cancels open intents.
type PaymentFailureService interface {
	HandlePaymentFailure(ctx context.Context, cmd PaymentFailureCommand) (string, error)
	CancelPaymentIntent(ctx context.Context, cmd CancelPaymentIntentCommand) error
	Cleanup(ctx context.Context, userID string) error
}

// PaymentFailureCommand carries a gateway failure report.
type PaymentFailureCommand struct {
	UserID         string
	OrderID        string
	GatewayOrderID string
	Reason         string
}

// CancelPaymentIntentCommand identifies the intent the user abandoned.
type CancelPaymentIntentCommand struct {
	UserID         string
	OrderID        string
	GatewayOrderID string
}

// OrderService drives the order and item lifecycle.
type OrderService interface {
	GetOrder(ctx context.Context, userID, orderID string) (Order, error)
	ListOrders(ctx context.Context, userID string) ([]Order, error)
	UpdateItemStatus(ctx context.Context, cmd UpdateItemStatusCommand) (Order, error)
	UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	CancelItem(ctx context.Context, cmd CancelItemCommand) (Order, error)
	RequestReturn(ctx context.Context, cmd RequestReturnCommand) (Order, error)
	ApproveReturn(ctx context.Context, cmd ReviewReturnCommand) (Order, error)
	DenyReturn(ctx context.Context, cmd ReviewReturnCommand) (Order, error)
}

// UpdateItemStatusCommand is an admin item transition.
type UpdateItemStatusCommand struct {
	OrderID string
	ItemID  string
	Status  ItemStatus
	ActorID string
}

// UpdateOrderStatusCommand is an admin order-level transition.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	ActorID string
}

// CancelItemCommand is a customer cancelling one line before shipment.
type CancelItemCommand struct {
	UserID  string
	OrderID string
	ItemID  string
	Reason  string
}

// RequestReturnCommand is a customer return request.
type RequestReturnCommand struct {
	UserID  string
	OrderID string
	Reason  string
}

// ReviewReturnCommand is an admin decision on a pending return.
type ReviewReturnCommand struct {
	OrderID  string
	Response string
	ActorID  string
}

// WalletService maintains the wallet ledger.
type WalletService interface {
	Credit(ctx context.Context, cmd CreditCommand) (WalletTransaction, error)
	ReconcileBalance(ctx context.Context, userID string) (ReconcileResult, error)
	GetWallet(ctx context.Context, userID string) (WalletView, error)
}

// CreditCommand appends a positive ledger entry.
type CreditCommand struct {
	UserID        string
	Amount        decimal.Decimal
	Description   string
	OrderID       string
	Type          domain.WalletTransactionType
	// TransactionID fixes the ledger entry id so a repeated credit is applied once.
	TransactionID string
}

// ReconcileResult reports a ledger fold against the cached balance.
type ReconcileResult struct {
	UserID     string
	Stored     decimal.Decimal
	Computed   decimal.Decimal
	Adjusted   bool
	Adjustment *WalletTransaction
}

// WalletView is the wallet balance with its ledger history.
type WalletView struct {
	UserID       string
	Balance      decimal.Decimal
	Transactions []WalletTransaction
}

// EventPublisher emits domain events to downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event DomainEvent) error
}

// DomainEvent captures metadata for emitted domain events.
type DomainEvent struct {
	Type       string
	OrderID    string
	UserID     string
	Status     string
	Amount     decimal.Decimal
	OccurredAt time.Time
	Metadata   map[string]any
}

const (
	EventOrderPaid          = "order.paid"
	EventOrderPaymentFailed = "order.payment_failed"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderReturned      = "order.returned"
	EventWalletCredited     = "wallet.credited"
)
