package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/payments"
)

type checkoutFixture struct {
	catalog  *memoryCatalog
	carts    *memoryCarts
	sessions *memorySessions
	gateway  *stubGateway
	service  CheckoutService
	ids      []string
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	now := time.Date(2025, 2, 10, 9, 30, 0, 0, time.UTC)

	f := &checkoutFixture{
		catalog: newMemoryCatalog(
			domain.Product{ID: "p1", Name: "Kurta", CategoryID: "c1", Price: dec("1000"), Stock: map[string]int{"M": 5}},
			domain.Product{ID: "p2", Name: "Dupatta", CategoryID: "c2", Price: dec("500"), Stock: map[string]int{"F": 1}},
		),
		carts: newMemoryCarts(domain.Cart{UserID: "u1", Items: []domain.CartItem{
			{ProductID: "p1", Size: "M", Quantity: 2},
			{ProductID: "p2", Size: "F", Quantity: 1},
		}}),
		sessions: newMemorySessions(),
		gateway:  &stubGateway{},
		ids:      []string{"ORD-A", "ORD-B", "ORD-C"},
	}

	pricing, err := NewPricingEngine(PricingEngineDeps{Products: f.catalog, Offers: f.catalog, Coupons: f.catalog, Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	next := 0
	service, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:    f.carts,
		Products: f.catalog,
		Addresses: memoryAddresses{addresses: map[string]domain.Address{
			"addr-1": {ID: "addr-1", UserID: "u1", FullName: "Asha Rao", Phone: "9999999999", Line: "12 MG Road", City: "Pune", State: "MH", PostalCode: "411001"},
			"addr-2": {ID: "addr-2", UserID: "u2", FullName: "Someone Else"},
		}},
		Inventory:  f.catalog,
		Sessions:   f.sessions,
		Pricing:    pricing,
		Gateway:    f.gateway,
		Currency:   "inr",
		SessionTTL: 20 * time.Minute,
		Clock:      fixedClock(now),
		OrderIDs: func(time.Time) string {
			id := f.ids[next]
			next++
			return id
		},
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	f.service = service
	return f
}

func TestOpenCheckoutStoresSnapshot(t *testing.T) {
	f := newCheckoutFixture(t)

	snapshot, err := f.service.OpenCheckout(context.Background(), "u1")
	if err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	assertDecimal(t, "final", snapshot.FinalAmount, "2500")
	if len(snapshot.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(snapshot.Items))
	}

	stored, err := f.sessions.GetSnapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected stored snapshot: %v", err)
	}
	assertDecimal(t, "stored final", stored.FinalAmount, "2500")
	if ttl := f.sessions.ttls["snapshot:u1"]; ttl != 20*time.Minute {
		t.Fatalf("expected session ttl, got %s", ttl)
	}
}

func TestOpenCheckoutEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t)
	f.carts.carts["u1"] = domain.Cart{UserID: "u1"}

	if _, err := f.service.OpenCheckout(context.Background(), "u1"); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected empty cart, got %v", err)
	}
	if _, err := f.service.OpenCheckout(context.Background(), "nobody"); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected empty cart for missing cart, got %v", err)
	}
}

func TestOpenCheckoutInsufficientStock(t *testing.T) {
	f := newCheckoutFixture(t)
	f.carts.carts["u1"] = domain.Cart{UserID: "u1", Items: []domain.CartItem{{ProductID: "p2", Size: "F", Quantity: 2}}}

	_, err := f.service.OpenCheckout(context.Background(), "u1")
	if !errors.Is(err, ErrInsufficientStock) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected insufficient stock validation error, got %v", err)
	}
}

func TestCreatePaymentIntentRequiresSession(t *testing.T) {
	f := newCheckoutFixture(t)
	_, err := f.service.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"})
	if !errors.Is(err, ErrNoCheckoutSession) {
		t.Fatalf("expected no checkout session, got %v", err)
	}
}

func TestCreatePaymentIntentRejectsForeignAddress(t *testing.T) {
	f := newCheckoutFixture(t)
	if _, err := f.service.OpenCheckout(context.Background(), "u1"); err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	for _, addressID := range []string{"addr-2", "missing"} {
		_, err := f.service.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "u1", AddressID: addressID})
		if !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected invalid address for %s, got %v", addressID, err)
		}
	}
	if len(f.gateway.created) != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestCreatePaymentIntentRejectsZeroAmount(t *testing.T) {
	f := newCheckoutFixture(t)
	f.sessions.snapshots["u1"] = domain.CheckoutSnapshot{UserID: "u1", FinalAmount: dec("0")}

	_, err := f.service.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestCreatePaymentIntentDetectsPriceDrift(t *testing.T) {
	f := newCheckoutFixture(t)
	if _, err := f.service.OpenCheckout(context.Background(), "u1"); err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	p := f.catalog.products["p1"]
	p.Price = dec("1100")
	f.catalog.products["p1"] = p

	_, err := f.service.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"})
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected consistency error, got %v", err)
	}
	if f.catalog.stock("p1", "M") != 5 {
		t.Fatalf("stock must be untouched")
	}
}

func TestCreatePaymentIntentSuccess(t *testing.T) {
	f := newCheckoutFixture(t)
	if _, err := f.service.OpenCheckout(context.Background(), "u1"); err != nil {
		t.Fatalf("open checkout: %v", err)
	}

	intent, err := f.service.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"})
	if err != nil {
		t.Fatalf("create payment intent: %v", err)
	}
	if intent.InternalOrderID != "ORD-A" || intent.GatewayOrderID != "gw_ORD-A" {
		t.Fatalf("unexpected intent %#v", intent)
	}
	if intent.AmountMinor != 250000 || intent.Currency != "INR" {
		t.Fatalf("expected 250000 INR minor units, got %d %s", intent.AmountMinor, intent.Currency)
	}

	req := f.gateway.created[0]
	if req.Receipt != "ORD-A" || req.Notes["finalAmount"] != "2500.00" || req.Notes["subtotal"] != "2500.00" {
		t.Fatalf("unexpected gateway request %#v", req)
	}

	pending, err := f.sessions.GetPending(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected pending payment: %v", err)
	}
	if pending.Status != domain.PendingPaymentCreated || pending.Attempts != 1 || pending.ShippingAddress.City != "Pune" {
		t.Fatalf("unexpected pending %#v", pending)
	}
	if f.catalog.stock("p1", "M") != 3 || f.catalog.stock("p2", "F") != 0 {
		t.Fatalf("expected stock to be reserved, got %d/%d", f.catalog.stock("p1", "M"), f.catalog.stock("p2", "F"))
	}
}

func TestCreatePaymentIntentGatewayFailureRestoresStock(t *testing.T) {
	f := newCheckoutFixture(t)
	if _, err := f.service.OpenCheckout(context.Background(), "u1"); err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	f.gateway.createFunc = func(context.Context, payments.CreateOrderRequest) (payments.GatewayOrder, error) {
		return payments.GatewayOrder{}, errBoom
	}

	_, err := f.service.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"})
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	if _, err := f.sessions.GetPending(context.Background(), "u1"); err == nil {
		t.Fatalf("pending payment must not be stored")
	}
	if f.catalog.stock("p1", "M") != 5 || f.catalog.stock("p2", "F") != 1 {
		t.Fatalf("expected stock restored")
	}
}

func TestCreatePaymentIntentReleasesSupersededPending(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	if _, err := f.service.OpenCheckout(ctx, "u1"); err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	f.carts.carts["u1"] = domain.Cart{UserID: "u1", Items: []domain.CartItem{{ProductID: "p1", Size: "M", Quantity: 1}}}
	if _, err := f.service.OpenCheckout(ctx, "u1"); err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	if _, err := f.service.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"}); err != nil {
		t.Fatalf("first intent: %v", err)
	}
	if _, err := f.service.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"}); err != nil {
		t.Fatalf("second intent: %v", err)
	}

	if got := f.catalog.stock("p1", "M"); got != 4 {
		t.Fatalf("expected only the live attempt to hold stock, got %d", got)
	}
	pending, _ := f.sessions.GetPending(ctx, "u1")
	if pending.InternalOrderID != "ORD-B" {
		t.Fatalf("expected latest pending to win, got %s", pending.InternalOrderID)
	}
	if len(f.gateway.edited) != 1 || f.gateway.edited[0] != "gw_ORD-A" {
		t.Fatalf("expected superseded gateway order to be cancelled, got %v", f.gateway.edited)
	}
}

func TestRetryPaymentIntent(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	if _, err := f.service.OpenCheckout(ctx, "u1"); err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	if _, err := f.service.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{UserID: "u1", AddressID: "addr-1"}); err != nil {
		t.Fatalf("create intent: %v", err)
	}

	reused, err := f.service.RetryPaymentIntent(ctx, RetryPaymentIntentCommand{UserID: "u1", OrderID: "ORD-A"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reused.GatewayOrderID != "gw_ORD-A" || reused.Attempts != 2 {
		t.Fatalf("expected payable order to be reused, got %#v", reused)
	}

	f.gateway.fetchFunc = func(_ context.Context, id string) (payments.GatewayOrder, error) {
		return payments.GatewayOrder{ID: id, Status: payments.OrderStatusCancelled}, nil
	}
	f.gateway.createFunc = func(_ context.Context, req payments.CreateOrderRequest) (payments.GatewayOrder, error) {
		return payments.GatewayOrder{ID: "gw_new", Receipt: req.Receipt, Status: payments.OrderStatusCreated}, nil
	}
	reopened, err := f.service.RetryPaymentIntent(ctx, RetryPaymentIntentCommand{UserID: "u1", OrderID: "ORD-A"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reopened.GatewayOrderID != "gw_new" || reopened.InternalOrderID != "ORD-A" || reopened.Attempts != 3 {
		t.Fatalf("expected reopened gateway order, got %#v", reopened)
	}
	last := f.gateway.created[len(f.gateway.created)-1]
	if last.Receipt != "ORD-A" || last.IdempotencyKey != "ORD-A:3" {
		t.Fatalf("unexpected reopen request %#v", last)
	}

	if _, err := f.service.RetryPaymentIntent(ctx, RetryPaymentIntentCommand{UserID: "u1", OrderID: "ORD-Z"}); !errors.Is(err, ErrOrderIDMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
