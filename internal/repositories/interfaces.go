package repositories

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
)

// Registry exposes the repositories backing the checkout pipeline.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Products() ProductRepository
	Offers() OfferRepository
	Coupons() CouponRepository
	Addresses() AddressRepository
	Inventory() InventoryRepository
	Sessions() CheckoutSessionRepository
	Orders() OrderRepository
	Wallets() WalletRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository reads and clears carts owned by the cart collaborator.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	// ClearCart empties the items and detaches the coupon. Clearing an absent cart is not an error.
	ClearCart(ctx context.Context, userID string) error
}

// ProductRepository exposes the product fields the pipeline depends on.
type ProductRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// InventoryRepository mutates (product, size) stock cells atomically.
type InventoryRepository interface {
	// AdjustStock adds delta to the cell and returns the resulting quantity. A decrement below zero fails
	// with an *InventoryError carrying InventoryErrorInsufficientStock and leaves the cell untouched.
	AdjustStock(ctx context.Context, productID, size string, delta int) (int, error)
}

// OfferRepository lists offers targeting a product or category. Validity filtering is left to callers.
type OfferRepository interface {
	ListOffers(ctx context.Context, scope domain.OfferScope, targetID string) ([]domain.Offer, error)
}

// CouponRepository reads coupons and records their usage.
type CouponRepository interface {
	GetCoupon(ctx context.Context, code string) (domain.Coupon, error)
	RecordUsage(ctx context.Context, code, userID string) error
}

// AddressRepository resolves addresses scoped to their owner.
type AddressRepository interface {
	GetAddress(ctx context.Context, userID, addressID string) (domain.Address, error)
}

// CheckoutSessionRepository keeps the ephemeral, TTL-bearing checkout state per user.
// Missing or expired records surface as a RepositoryError with IsNotFound.
type CheckoutSessionRepository interface {
	SaveSnapshot(ctx context.Context, snapshot domain.CheckoutSnapshot, ttl time.Duration) error
	GetSnapshot(ctx context.Context, userID string) (domain.CheckoutSnapshot, error)
	DeleteSnapshot(ctx context.Context, userID string) error
	SavePending(ctx context.Context, pending domain.PendingPayment, ttl time.Duration) error
	GetPending(ctx context.Context, userID string) (domain.PendingPayment, error)
	// TakePending atomically reads and removes the pending payment so only one caller can act on it.
	TakePending(ctx context.Context, userID string) (domain.PendingPayment, error)
	DeletePending(ctx context.Context, userID string) error
}

// OrderKey identifies the order matched by an idempotent insert.
type OrderKey struct {
	OrderID string
	UserID  string
	// GatewayOrderID, when set, also matches an existing order of the same user carrying this gateway id.
	GatewayOrderID string
}

// OrderRepository persists orders. Creation is insert-or-fetch; existing documents are never overwritten by it.
type OrderRepository interface {
	// InsertIfAbsent returns the existing order matching key, or calls build and inserts its result.
	// The boolean reports whether a new document was created. An order id held by another user is a conflict.
	InsertIfAbsent(ctx context.Context, key OrderKey, build func() (domain.Order, error)) (domain.Order, bool, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)
	// UpdateOrder applies mutate inside a transaction and persists the result unless mutate fails.
	UpdateOrder(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error)
}

// WalletRepository stores the cached balance and the append-only ledger.
type WalletRepository interface {
	// GetBalance returns the canonical balance, normalising legacy representations.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	// AppendTransaction writes entry and sets the balance to entry.ResultingBalance in one transaction,
	// failing with a conflict when the stored balance no longer equals expected. An entry whose id is already
	// in the ledger was applied by an earlier call; the write is skipped and reported as success.
	AppendTransaction(ctx context.Context, entry domain.WalletTransaction, expected decimal.Decimal) error
	// ListTransactions returns the ledger in chronological order.
	ListTransactions(ctx context.Context, userID string) ([]domain.WalletTransaction, error)
}
