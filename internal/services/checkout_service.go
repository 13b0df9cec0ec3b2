package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/payments"
	"github.com/storefront/checkout-api/internal/repositories"
)

const (
	orderIDPrefix             = "ORD-"
	defaultCheckoutSessionTTL = 30 * time.Minute
	defaultPendingPaymentTTL  = 24 * time.Hour
	defaultCurrency           = "INR"
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts      repositories.CartRepository
	Products   repositories.ProductRepository
	Addresses  repositories.AddressRepository
	Inventory  repositories.InventoryRepository
	Sessions   repositories.CheckoutSessionRepository
	Pricing    PricingService
	Gateway    payments.Gateway
	Currency   string
	SessionTTL time.Duration
	PendingTTL time.Duration
	Clock      func() time.Time
	Logger     Logger
	// OrderIDs overrides internal order id generation.
	OrderIDs func(now time.Time) string
}

type checkoutService struct {
	carts      repositories.CartRepository
	products   repositories.ProductRepository
	addresses  repositories.AddressRepository
	inventory  repositories.InventoryRepository
	sessions   repositories.CheckoutSessionRepository
	pricing    PricingService
	gateway    payments.Gateway
	currency   string
	sessionTTL time.Duration
	pendingTTL time.Duration
	now        func() time.Time
	logger     Logger
	orderIDs   func(now time.Time) string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Carts == nil:
		return nil, errors.New("checkout service: cart repository is required")
	case deps.Products == nil:
		return nil, errors.New("checkout service: product repository is required")
	case deps.Addresses == nil:
		return nil, errors.New("checkout service: address repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("checkout service: inventory repository is required")
	case deps.Sessions == nil:
		return nil, errors.New("checkout service: session repository is required")
	case deps.Pricing == nil:
		return nil, errors.New("checkout service: pricing service is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	sessionTTL := deps.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultCheckoutSessionTTL
	}
	pendingTTL := deps.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingPaymentTTL
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	orderIDs := deps.OrderIDs
	if orderIDs == nil {
		orderIDs = newInternalOrderID
	}

	return &checkoutService{
		carts:     deps.Carts,
		products:  deps.Products,
		addresses: deps.Addresses,
		inventory: deps.Inventory,
		sessions:  deps.Sessions,
		pricing:   deps.Pricing,
		gateway:   deps.Gateway,
		currency:  currency,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:     logger,
		sessionTTL: sessionTTL,
		pendingTTL: pendingTTL,
		orderIDs:   orderIDs,
	}, nil
}

// newInternalOrderID returns "ORD-" followed by a ULID: millisecond timestamp plus monotonic randomness.
func newInternalOrderID(now time.Time) string {
	return orderIDPrefix + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// OpenCheckout prices the cart, checks stock and locks the result as the user's checkout snapshot.
func (s *checkoutService) OpenCheckout(ctx context.Context, userID string) (CheckoutSnapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CheckoutSnapshot{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	priced, err := s.priceLiveCart(ctx, userID)
	if err != nil {
		return CheckoutSnapshot{}, err
	}
	if len(priced.Items) == 0 {
		return CheckoutSnapshot{}, ErrEmptyCart
	}
	if err := s.checkStock(ctx, priced.Items); err != nil {
		return CheckoutSnapshot{}, err
	}

	snapshot := priced.Snapshot(userID, s.now())
	if err := s.sessions.SaveSnapshot(ctx, snapshot, s.sessionTTL); err != nil {
		return CheckoutSnapshot{}, mapRepositoryError(err)
	}

	s.logger(ctx, "checkout.opened", map[string]any{
		"userID":      userID,
		"items":       len(snapshot.Items),
		"finalAmount": snapshot.FinalAmount.String(),
		"coupon":      snapshot.CouponCode,
	})
	return snapshot, nil
}

// CreatePaymentIntent reserves stock for the locked snapshot and opens a gateway order for it.
func (s *checkoutService) CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error) {
	userID := strings.TrimSpace(cmd.UserID)
	addressID := strings.TrimSpace(cmd.AddressID)
	if userID == "" {
		return PaymentIntent{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if addressID == "" {
		return PaymentIntent{}, ErrInvalidAddress
	}

	snapshot, err := s.sessions.GetSnapshot(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return PaymentIntent{}, ErrNoCheckoutSession
		}
		return PaymentIntent{}, mapRepositoryError(err)
	}

	address, err := s.addresses.GetAddress(ctx, userID, addressID)
	if err != nil {
		if isNotFound(err) {
			return PaymentIntent{}, ErrInvalidAddress
		}
		return PaymentIntent{}, mapRepositoryError(err)
	}
	if address.UserID != "" && address.UserID != userID {
		return PaymentIntent{}, ErrInvalidAddress
	}

	if snapshot.FinalAmount.Sign() <= 0 {
		return PaymentIntent{}, ErrInvalidAmount
	}

	live, err := s.priceLiveCart(ctx, userID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if !live.FinalAmount.Equal(snapshot.FinalAmount) {
		s.logger(ctx, "checkout.amount_drift", map[string]any{
			"userID":   userID,
			"snapshot": snapshot.FinalAmount.String(),
			"live":     live.FinalAmount.String(),
		})
		return PaymentIntent{}, fmt.Errorf("%w: snapshot %s, live %s", ErrConsistency, snapshot.FinalAmount, live.FinalAmount)
	}

	now := s.now()
	orderID := s.orderIDs(now)

	reserved, err := s.reserveStock(ctx, snapshot.Items)
	if err != nil {
		return PaymentIntent{}, err
	}

	amountMinor := domain.ToMinorUnits(snapshot.FinalAmount)
	gatewayOrder, err := s.gateway.CreateOrder(ctx, payments.CreateOrderRequest{
		Amount:         amountMinor,
		Currency:       s.currency,
		Receipt:        orderID,
		Notes:          paymentNotes(snapshot),
		IdempotencyKey: orderID + ":1",
	})
	if err != nil {
		s.restoreStock(ctx, reserved, "gateway_failed")
		s.logger(ctx, "checkout.gateway_create_failed", map[string]any{
			"userID":  userID,
			"orderID": orderID,
			"error":   err.Error(),
		})
		return PaymentIntent{}, fmt.Errorf("%w: create gateway order: %v", ErrExternalService, err)
	}

	s.releaseSupersededPending(ctx, userID, orderID)

	pending := PendingPayment{
		InternalOrderID: orderID,
		GatewayOrderID:  gatewayOrder.ID,
		UserID:          userID,
		Amount:          snapshot.FinalAmount,
		AmountMinor:     amountMinor,
		Currency:        s.currency,
		Subtotal:        snapshot.Subtotal,
		OfferDiscount:   snapshot.OfferDiscount,
		CouponCode:      snapshot.CouponCode,
		CouponDiscount:  snapshot.CouponDiscount,
		Items:           snapshot.Items,
		ShippingAddress: address.Snapshot(),
		Status:          domain.PendingPaymentCreated,
		Attempts:        1,
		CreatedAt:       now,
	}
	if err := s.sessions.SavePending(ctx, pending, s.pendingTTL); err != nil {
		s.restoreStock(ctx, reserved, "persist_failed")
		if _, cancelErr := s.gateway.EditOrder(ctx, gatewayOrder.ID, payments.OrderStatusCancelled); cancelErr != nil {
			s.logger(ctx, "checkout.gateway_cancel_failed", map[string]any{
				"orderID":        orderID,
				"gatewayOrderID": gatewayOrder.ID,
				"error":          cancelErr.Error(),
			})
		}
		return PaymentIntent{}, mapRepositoryError(err)
	}

	s.logger(ctx, "checkout.payment_intent_created", map[string]any{
		"userID":         userID,
		"orderID":        orderID,
		"gatewayOrderID": gatewayOrder.ID,
		"amountMinor":    amountMinor,
	})

	return PaymentIntent{
		GatewayOrderID:  gatewayOrder.ID,
		InternalOrderID: orderID,
		AmountMinor:     amountMinor,
		Currency:        s.currency,
		Attempts:        pending.Attempts,
	}, nil
}

// RetryPaymentIntent lets the user pay again for a pending order id. A still payable gateway order is reused;
// otherwise a new gateway order is opened with the same receipt.
func (s *checkoutService) RetryPaymentIntent(ctx context.Context, cmd RetryPaymentIntentCommand) (PaymentIntent, error) {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if userID == "" || orderID == "" {
		return PaymentIntent{}, fmt.Errorf("%w: user id and order id are required", ErrValidation)
	}

	pending, err := s.sessions.GetPending(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return PaymentIntent{}, ErrNoPendingPayment
		}
		return PaymentIntent{}, mapRepositoryError(err)
	}
	if pending.InternalOrderID != orderID {
		return PaymentIntent{}, ErrOrderIDMismatch
	}

	current, err := s.gateway.FetchOrder(ctx, pending.GatewayOrderID)
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("%w: fetch gateway order: %v", ErrExternalService, err)
	}
	if current.Status == payments.OrderStatusPaid {
		return PaymentIntent{}, fmt.Errorf("%w: gateway order already paid", ErrAlreadyProcessed)
	}

	attempts := pending.Attempts + 1
	if !current.Payable() {
		reopened, err := s.gateway.CreateOrder(ctx, payments.CreateOrderRequest{
			Amount:         pending.AmountMinor,
			Currency:       pending.Currency,
			Receipt:        pending.InternalOrderID,
			Notes:          pendingNotes(pending),
			IdempotencyKey: pending.InternalOrderID + ":" + strconv.Itoa(attempts),
		})
		if err != nil {
			return PaymentIntent{}, fmt.Errorf("%w: reopen gateway order: %v", ErrExternalService, err)
		}
		pending.GatewayOrderID = reopened.ID
	}
	pending.Attempts = attempts
	pending.Status = domain.PendingPaymentCreated

	if err := s.sessions.SavePending(ctx, pending, s.pendingTTL); err != nil {
		return PaymentIntent{}, mapRepositoryError(err)
	}

	s.logger(ctx, "checkout.payment_intent_retried", map[string]any{
		"userID":         userID,
		"orderID":        orderID,
		"gatewayOrderID": pending.GatewayOrderID,
		"attempts":       attempts,
	})

	return PaymentIntent{
		GatewayOrderID:  pending.GatewayOrderID,
		InternalOrderID: pending.InternalOrderID,
		AmountMinor:     pending.AmountMinor,
		Currency:        pending.Currency,
		Attempts:        attempts,
	}, nil
}

func (s *checkoutService) priceLiveCart(ctx context.Context, userID string) (PricedCart, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return PricedCart{}, ErrEmptyCart
		}
		return PricedCart{}, mapRepositoryError(err)
	}
	cart.UserID = userID
	return s.pricing.PriceCart(ctx, cart)
}

type stockKey struct {
	productID string
	size      string
}

func (s *checkoutService) checkStock(ctx context.Context, items []SnapshotItem) error {
	wanted := make(map[stockKey]int, len(items))
	order := make([]stockKey, 0, len(items))
	for _, item := range items {
		key := stockKey{productID: item.ProductID, size: item.Size}
		if _, ok := wanted[key]; !ok {
			order = append(order, key)
		}
		wanted[key] += item.Quantity
	}
	for _, key := range order {
		product, err := s.products.GetProduct(ctx, key.productID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if available := product.StockFor(key.size); available < wanted[key] {
			return fmt.Errorf("%w: product %s size %s has %d, need %d", ErrInsufficientStock, key.productID, key.size, available, wanted[key])
		}
	}
	return nil
}

// reserveStock decrements every snapshot line and rolls back what it already took on failure.
func (s *checkoutService) reserveStock(ctx context.Context, items []SnapshotItem) ([]SnapshotItem, error) {
	reserved := make([]SnapshotItem, 0, len(items))
	for _, item := range items {
		if _, err := s.inventory.AdjustStock(ctx, item.ProductID, item.Size, -item.Quantity); err != nil {
			s.restoreStock(ctx, reserved, "reserve_failed")
			return nil, mapRepositoryError(err)
		}
		reserved = append(reserved, item)
	}
	return reserved, nil
}

func (s *checkoutService) restoreStock(ctx context.Context, items []SnapshotItem, reason string) {
	restoreItems(ctx, s.inventory, s.logger, items, reason)
}

// releaseSupersededPending returns the stock held by a previous pending payment for another order id.
func (s *checkoutService) releaseSupersededPending(ctx context.Context, userID, orderID string) {
	previous, err := s.sessions.GetPending(ctx, userID)
	if err != nil {
		if !isNotFound(err) {
			s.logger(ctx, "checkout.pending_lookup_failed", map[string]any{
				"userID": userID,
				"error":  err.Error(),
			})
		}
		return
	}
	if previous.InternalOrderID == orderID {
		return
	}
	s.restoreStock(ctx, previous.Items, "superseded")
	if previous.GatewayOrderID != "" {
		if _, err := s.gateway.EditOrder(ctx, previous.GatewayOrderID, payments.OrderStatusCancelled); err != nil {
			s.logger(ctx, "checkout.gateway_cancel_failed", map[string]any{
				"orderID":        previous.InternalOrderID,
				"gatewayOrderID": previous.GatewayOrderID,
				"error":          err.Error(),
			})
		}
	}
}

// restoreItems increments stock for every line, logging failures instead of returning them.
func restoreItems(ctx context.Context, inventory repositories.InventoryRepository, logger Logger, items []SnapshotItem, reason string) {
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		if _, err := inventory.AdjustStock(ctx, item.ProductID, item.Size, item.Quantity); err != nil {
			logger(ctx, "inventory.restore_failed", map[string]any{
				"productID": item.ProductID,
				"size":      item.Size,
				"quantity":  item.Quantity,
				"reason":    reason,
				"error":     err.Error(),
			})
		}
	}
}

func paymentNotes(snapshot CheckoutSnapshot) map[string]string {
	notes := map[string]string{
		"subtotal":       snapshot.Subtotal.StringFixed(2),
		"offerDiscount":  snapshot.OfferDiscount.StringFixed(2),
		"couponDiscount": snapshot.CouponDiscount.StringFixed(2),
		"finalAmount":    snapshot.FinalAmount.StringFixed(2),
	}
	if snapshot.CouponCode != "" {
		notes["couponCode"] = snapshot.CouponCode
	}
	return notes
}

func pendingNotes(pending PendingPayment) map[string]string {
	return paymentNotes(CheckoutSnapshot{
		Subtotal:       pending.Subtotal,
		OfferDiscount:  pending.OfferDiscount,
		CouponCode:     pending.CouponCode,
		CouponDiscount: pending.CouponDiscount,
		FinalAmount:    pending.Amount,
	})
}
