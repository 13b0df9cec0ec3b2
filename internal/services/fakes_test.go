package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/payments"
	"github.com/storefront/checkout-api/internal/repositories"
)

type repoErr struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repoErr) Error() string {
	switch {
	case e.notFound:
		return "not found"
	case e.conflict:
		return "conflict"
	default:
		return "unavailable"
	}
}

func (e repoErr) IsNotFound() bool    { return e.notFound }
func (e repoErr) IsConflict() bool    { return e.conflict }
func (e repoErr) IsUnavailable() bool { return e.unavailable }

var (
	errRepoNotFound    = repoErr{notFound: true}
	errRepoConflict    = repoErr{conflict: true}
	errRepoUnavailable = repoErr{unavailable: true}
)

type memoryCarts struct {
	mu      sync.Mutex
	carts   map[string]domain.Cart
	cleared []string
}

func newMemoryCarts(carts ...domain.Cart) *memoryCarts {
	m := &memoryCarts{carts: map[string]domain.Cart{}}
	for _, c := range carts {
		m.carts[c.UserID] = c
	}
	return m
}

func (m *memoryCarts) GetCart(_ context.Context, userID string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart, ok := m.carts[userID]
	if !ok {
		return domain.Cart{}, errRepoNotFound
	}
	return cart, nil
}

func (m *memoryCarts) ClearCart(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, userID)
	if cart, ok := m.carts[userID]; ok {
		cart.Items = nil
		cart.CouponCode = ""
		m.carts[userID] = cart
	}
	return nil
}

type memoryCatalog struct {
	mu       sync.Mutex
	products map[string]domain.Product
	offers   []domain.Offer
	coupons  map[string]domain.Coupon
	usage    map[string][]string
}

func newMemoryCatalog(products ...domain.Product) *memoryCatalog {
	c := &memoryCatalog{
		products: map[string]domain.Product{},
		coupons:  map[string]domain.Coupon{},
		usage:    map[string][]string{},
	}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *memoryCatalog) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return domain.Product{}, errRepoNotFound
	}
	return p, nil
}

func (c *memoryCatalog) ListOffers(_ context.Context, scope domain.OfferScope, targetID string) ([]domain.Offer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Offer
	for _, o := range c.offers {
		if o.Scope == scope && o.TargetID == targetID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *memoryCatalog) GetCoupon(_ context.Context, code string) (domain.Coupon, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coupon, ok := c.coupons[code]
	if !ok {
		return domain.Coupon{}, errRepoNotFound
	}
	return coupon, nil
}

func (c *memoryCatalog) RecordUsage(_ context.Context, code, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage[code] = append(c.usage[code], userID)
	return nil
}

// AdjustStock makes the catalog double as the inventory store.
func (c *memoryCatalog) AdjustStock(_ context.Context, productID, size string, delta int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return 0, errRepoNotFound
	}
	next := p.Stock[size] + delta
	if next < 0 {
		return 0, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, productID, size, nil)
	}
	stock := make(map[string]int, len(p.Stock)+1)
	for k, v := range p.Stock {
		stock[k] = v
	}
	stock[size] = next
	p.Stock = stock
	c.products[productID] = p
	return next, nil
}

func (c *memoryCatalog) stock(productID, size string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.products[productID].Stock[size]
}

type memoryAddresses struct {
	addresses map[string]domain.Address
}

func (m memoryAddresses) GetAddress(_ context.Context, userID, addressID string) (domain.Address, error) {
	addr, ok := m.addresses[addressID]
	if !ok || addr.UserID != userID {
		return domain.Address{}, errRepoNotFound
	}
	return addr, nil
}

type memorySessions struct {
	mu        sync.Mutex
	snapshots map[string]domain.CheckoutSnapshot
	pending   map[string]domain.PendingPayment
	ttls      map[string]time.Duration
}

func newMemorySessions() *memorySessions {
	return &memorySessions{
		snapshots: map[string]domain.CheckoutSnapshot{},
		pending:   map[string]domain.PendingPayment{},
		ttls:      map[string]time.Duration{},
	}
}

func (m *memorySessions) SaveSnapshot(_ context.Context, snapshot domain.CheckoutSnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.UserID] = snapshot
	m.ttls["snapshot:"+snapshot.UserID] = ttl
	return nil
}

func (m *memorySessions) GetSnapshot(_ context.Context, userID string) (domain.CheckoutSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[userID]
	if !ok {
		return domain.CheckoutSnapshot{}, errRepoNotFound
	}
	return s, nil
}

func (m *memorySessions) DeleteSnapshot(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, userID)
	return nil
}

func (m *memorySessions) SavePending(_ context.Context, pending domain.PendingPayment, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[pending.UserID] = pending
	m.ttls["pending:"+pending.UserID] = ttl
	return nil
}

func (m *memorySessions) GetPending(_ context.Context, userID string) (domain.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[userID]
	if !ok {
		return domain.PendingPayment{}, errRepoNotFound
	}
	return p, nil
}

func (m *memorySessions) TakePending(_ context.Context, userID string) (domain.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[userID]
	if !ok {
		return domain.PendingPayment{}, errRepoNotFound
	}
	delete(m.pending, userID)
	return p, nil
}

func (m *memorySessions) DeletePending(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, userID)
	return nil
}

type memoryOrders struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	inserts int
}

func newMemoryOrders(orders ...domain.Order) *memoryOrders {
	m := &memoryOrders{orders: map[string]domain.Order{}}
	for _, o := range orders {
		m.orders[o.OrderID] = o
	}
	return m
}

func (m *memoryOrders) InsertIfAbsent(_ context.Context, key repositories.OrderKey, build func() (domain.Order, error)) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[key.OrderID]; ok && existing.UserID == key.UserID {
		return existing, false, nil
	}
	if key.GatewayOrderID != "" {
		for _, o := range m.orders {
			if o.UserID == key.UserID && o.PaymentDetails.GatewayOrderID == key.GatewayOrderID {
				return o, false, nil
			}
		}
	}
	if _, taken := m.orders[key.OrderID]; taken {
		return domain.Order{}, false, errRepoConflict
	}
	order, err := build()
	if err != nil {
		return domain.Order{}, false, err
	}
	m.orders[order.OrderID] = order
	m.inserts++
	return order, true, nil
}

func (m *memoryOrders) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, errRepoNotFound
	}
	return o, nil
}

func (m *memoryOrders) ListOrders(_ context.Context, userID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryOrders) UpdateOrder(_ context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, errRepoNotFound
	}
	working := cloneOrder(o)
	if err := mutate(&working); err != nil {
		return domain.Order{}, err
	}
	m.orders[orderID] = working
	return working, nil
}

func (m *memoryOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	o.PendingRefunds = append([]domain.PendingRefund(nil), o.PendingRefunds...)
	if o.ReturnRequest != nil {
		rr := *o.ReturnRequest
		o.ReturnRequest = &rr
	}
	return o
}

type memoryWallets struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	entries   map[string][]domain.WalletTransaction
	conflicts int
}

func newMemoryWallets() *memoryWallets {
	return &memoryWallets{
		balances: map[string]decimal.Decimal{},
		entries:  map[string][]domain.WalletTransaction{},
	}
}

func (m *memoryWallets) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memoryWallets) AppendTransaction(_ context.Context, entry domain.WalletTransaction, expected decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return errRepoConflict
	}
	for _, existing := range m.entries[entry.UserID] {
		if existing.ID == entry.ID {
			return nil
		}
	}
	if !m.balances[entry.UserID].Equal(expected) {
		return errRepoConflict
	}
	m.balances[entry.UserID] = entry.ResultingBalance
	m.entries[entry.UserID] = append(m.entries[entry.UserID], entry)
	return nil
}

func (m *memoryWallets) ListTransactions(_ context.Context, userID string) ([]domain.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WalletTransaction(nil), m.entries[userID]...), nil
}

type stubGateway struct {
	createFunc func(ctx context.Context, req payments.CreateOrderRequest) (payments.GatewayOrder, error)
	fetchFunc  func(ctx context.Context, id string) (payments.GatewayOrder, error)
	editFunc   func(ctx context.Context, id string, status payments.OrderStatus) (payments.GatewayOrder, error)
	created    []payments.CreateOrderRequest
	edited     []string
}

func (s *stubGateway) CreateOrder(ctx context.Context, req payments.CreateOrderRequest) (payments.GatewayOrder, error) {
	s.created = append(s.created, req)
	if s.createFunc != nil {
		return s.createFunc(ctx, req)
	}
	return payments.GatewayOrder{ID: "gw_" + req.Receipt, Receipt: req.Receipt, Amount: req.Amount, Currency: req.Currency, Status: payments.OrderStatusCreated}, nil
}

func (s *stubGateway) FetchOrder(ctx context.Context, id string) (payments.GatewayOrder, error) {
	if s.fetchFunc != nil {
		return s.fetchFunc(ctx, id)
	}
	return payments.GatewayOrder{ID: id, Status: payments.OrderStatusCreated}, nil
}

func (s *stubGateway) EditOrder(ctx context.Context, id string, status payments.OrderStatus) (payments.GatewayOrder, error) {
	s.edited = append(s.edited, id)
	if s.editFunc != nil {
		return s.editFunc(ctx, id, status)
	}
	return payments.GatewayOrder{ID: id, Status: status}, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []DomainEvent
	err    error
}

func (r *recordingEvents) PublishEvent(_ context.Context, event DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var errBoom = errors.New("boom")
