package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/platform/textutil"
	"github.com/storefront/checkout-api/internal/repositories"
)

var itemStateTransitions = map[domain.ItemStatus][]domain.ItemStatus{
	domain.ItemStatusOrdered:    {domain.ItemStatusProcessing, domain.ItemStatusShipped, domain.ItemStatusDelivered, domain.ItemStatusCancelled},
	domain.ItemStatusProcessing: {domain.ItemStatusShipped, domain.ItemStatusDelivered, domain.ItemStatusCancelled},
	domain.ItemStatusShipped:    {domain.ItemStatusDelivered},
	// Delivered -> Returned happens through return approval only.
	domain.ItemStatusDelivered: {},
	domain.ItemStatusCancelled: {},
	domain.ItemStatusReturned:  {},
}

var adminOrderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:   {domain.OrderStatusConfirmed},
	domain.OrderStatusConfirmed: {domain.OrderStatusProcessing},
}

// DeriveOrderStatus folds item statuses into the order status. Cancelled items are ignored while at least one
// item is active; admin-set states (Pending, Confirmed, Processing) are kept until an item ships.
func DeriveOrderStatus(current domain.OrderStatus, items []domain.OrderItem) domain.OrderStatus {
	if current == domain.OrderStatusPaymentFailed || len(items) == 0 {
		return current
	}

	active := make([]domain.ItemStatus, 0, len(items))
	for _, item := range items {
		if item.Status != domain.ItemStatusCancelled {
			active = append(active, item.Status)
		}
	}
	if len(active) == 0 {
		return domain.OrderStatusCancelled
	}

	all := func(ok func(domain.ItemStatus) bool) bool {
		for _, status := range active {
			if !ok(status) {
				return false
			}
		}
		return true
	}

	switch {
	case all(func(s domain.ItemStatus) bool { return s == domain.ItemStatusReturned }):
		return domain.OrderStatusReturned
	case all(func(s domain.ItemStatus) bool {
		return s == domain.ItemStatusDelivered || s == domain.ItemStatusReturned
	}):
		if current == domain.OrderStatusReturnRequested {
			return current
		}
		return domain.OrderStatusDelivered
	case slices.ContainsFunc(active, func(s domain.ItemStatus) bool {
		return s == domain.ItemStatusDelivered || s == domain.ItemStatusShipped || s == domain.ItemStatusReturned
	}):
		return domain.OrderStatusShipped
	}

	switch current {
	case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusProcessing:
		return current
	default:
		return domain.OrderStatusProcessing
	}
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Inventory repositories.InventoryRepository
	Wallet    WalletService
	Events    EventPublisher
	Currency  string
	Clock     func() time.Time
	Logger    Logger
}

type orderService struct {
	orders    repositories.OrderRepository
	inventory repositories.InventoryRepository
	wallet    WalletService
	events    EventPublisher
	currency  string
	clock     func() time.Time
	logger    Logger
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("order service: inventory repository is required")
	case deps.Wallet == nil:
		return nil, errors.New("order service: wallet service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &orderService{
		orders:    deps.Orders,
		inventory: deps.Inventory,
		wallet:    deps.Wallet,
		events:    deps.Events,
		currency:  currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetOrder loads an order. A non-empty userID restricts the lookup to that owner.
func (s *orderService) GetOrder(ctx context.Context, userID, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	if userID = strings.TrimSpace(userID); userID != "" && order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	orders, err := s.orders.ListOrders(ctx, userID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return orders, nil
}

// UpdateItemStatus applies an admin item transition and re-derives the order status.
func (s *orderService) UpdateItemStatus(ctx context.Context, cmd UpdateItemStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if orderID == "" || itemID == "" {
		return Order{}, fmt.Errorf("%w: order id and item id are required", ErrValidation)
	}
	if _, known := itemStateTransitions[cmd.Status]; !known {
		return Order{}, fmt.Errorf("%w: unknown item status %q", ErrValidation, cmd.Status)
	}

	var (
		previous  domain.OrderStatus
		cancelled *domain.OrderItem
	)
	order, err := s.orders.UpdateOrder(ctx, orderID, func(order *domain.Order) error {
		cancelled = nil
		previous = order.Status
		idx, err := s.transitionItem(order, itemID, cmd.Status)
		if err != nil {
			return err
		}
		if cmd.Status == domain.ItemStatusCancelled {
			item := order.Items[idx]
			cancelled = &item
			s.bookRefund(order, item.Amount(), "Refund for cancelled item in order "+order.OrderID)
		}
		return nil
	})
	if err != nil {
		if cmd.Status == domain.ItemStatusCancelled && errors.Is(err, ErrInvalidTransition) {
			if resumed, ok, rerr := s.resumeRefunds(ctx, orderID, itemCancelled("", itemID)); ok {
				return resumed, rerr
			}
		}
		return Order{}, s.mapMutationError(err)
	}

	if cancelled != nil {
		restoreItems(ctx, s.inventory, s.logger, []SnapshotItem{{ProductID: cancelled.ProductID, Size: cancelled.Size, Quantity: cancelled.Quantity}}, "item_cancelled")
		if order, err = s.settleRefunds(ctx, order); err != nil {
			return order, err
		}
	}
	s.statusChanged(ctx, order, previous, cmd.ActorID)
	return order, nil
}

// CancelItem lets the owner cancel an item that has not shipped yet. Paid amounts are refunded to the wallet.
func (s *orderService) CancelItem(ctx context.Context, cmd CancelItemCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if userID == "" || orderID == "" || itemID == "" {
		return Order{}, fmt.Errorf("%w: user, order and item ids are required", ErrValidation)
	}
	reason := textutil.SanitizeText(cmd.Reason, maxReasonLength)

	var (
		previous  domain.OrderStatus
		cancelled domain.OrderItem
	)
	order, err := s.orders.UpdateOrder(ctx, orderID, func(order *domain.Order) error {
		if order.UserID != userID {
			return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		previous = order.Status
		idx, err := s.transitionItem(order, itemID, domain.ItemStatusCancelled)
		if err != nil {
			return err
		}
		cancelled = order.Items[idx]
		if reason != "" && order.Status == domain.OrderStatusCancelled {
			order.CancelReason = reason
		}
		s.bookRefund(order, cancelled.Amount(), "Refund for cancelled item in order "+order.OrderID)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			if resumed, ok, rerr := s.resumeRefunds(ctx, orderID, itemCancelled(userID, itemID)); ok {
				return resumed, rerr
			}
		}
		return Order{}, s.mapMutationError(err)
	}

	restoreItems(ctx, s.inventory, s.logger, []SnapshotItem{{ProductID: cancelled.ProductID, Size: cancelled.Size, Quantity: cancelled.Quantity}}, "item_cancelled")
	if order, err = s.settleRefunds(ctx, order); err != nil {
		return order, err
	}
	s.statusChanged(ctx, order, previous, userID)
	return order, nil
}

// UpdateOrderStatus moves the order through the admin-driven states Pending -> Confirmed -> Processing.
func (s *orderService) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}

	var previous domain.OrderStatus
	order, err := s.orders.UpdateOrder(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		if order.Status == cmd.Status {
			return nil
		}
		if !slices.Contains(adminOrderTransitions[order.Status], cmd.Status) {
			return fmt.Errorf("%w: order %s -> %s", ErrInvalidTransition, order.Status, cmd.Status)
		}
		order.Status = cmd.Status
		order.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return Order{}, s.mapMutationError(err)
	}
	s.statusChanged(ctx, order, previous, cmd.ActorID)
	return order, nil
}

// RequestReturn opens a return request on a delivered order.
func (s *orderService) RequestReturn(ctx context.Context, cmd RequestReturnCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	reason := textutil.SanitizeText(cmd.Reason, maxReasonLength)
	if userID == "" || orderID == "" {
		return Order{}, fmt.Errorf("%w: user id and order id are required", ErrValidation)
	}
	if reason == "" {
		return Order{}, fmt.Errorf("%w: reason is required", ErrValidation)
	}

	var previous domain.OrderStatus
	order, err := s.orders.UpdateOrder(ctx, orderID, func(order *domain.Order) error {
		if order.UserID != userID {
			return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		if order.ReturnRequest != nil {
			return fmt.Errorf("%w: return already requested", ErrAlreadyProcessed)
		}
		if order.Status != domain.OrderStatusDelivered {
			return fmt.Errorf("%w: return requires a delivered order, got %s", ErrInvalidTransition, order.Status)
		}
		previous = order.Status
		now := s.clock()
		order.ReturnRequest = &domain.ReturnRequest{
			Status:      domain.ReturnStatusPending,
			Reason:      reason,
			RequestedAt: now,
		}
		order.Status = domain.OrderStatusReturnRequested
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapMutationError(err)
	}
	s.statusChanged(ctx, order, previous, userID)
	return order, nil
}

// ApproveReturn accepts a pending return: items become Returned, stock is restored and the refundable amount
// is credited to the wallet. The pending check inside the transaction makes the side effects happen once; a
// repeated approval only finishes a refund that did not reach the wallet.
func (s *orderService) ApproveReturn(ctx context.Context, cmd ReviewReturnCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	response := textutil.SanitizeText(cmd.Response, maxReasonLength)

	var (
		previous domain.OrderStatus
		returned []domain.OrderItem
		refund   decimal.Decimal
	)
	order, err := s.orders.UpdateOrder(ctx, orderID, func(order *domain.Order) error {
		returned, refund = nil, decimal.Zero
		if err := requirePendingReturn(order); err != nil {
			return err
		}
		previous = order.Status
		now := s.clock()
		for i := range order.Items {
			if order.Items[i].Status == domain.ItemStatusCancelled || order.Items[i].Status == domain.ItemStatusReturned {
				continue
			}
			order.Items[i].Status = domain.ItemStatusReturned
			returned = append(returned, order.Items[i])
		}
		refund = s.bookRefund(order, order.Refundable(), "Refund for returned order "+order.OrderID)
		if order.PaymentStatus == domain.PaymentStatusPaid {
			order.PaymentStatus = domain.PaymentStatusRefunded
		}
		order.Status = DeriveOrderStatus(domain.OrderStatusDelivered, order.Items)
		order.ReturnRequest.Status = domain.ReturnStatusApproved
		order.ReturnRequest.AdminResponse = response
		order.ReturnRequest.ProcessedAt = &now
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			if resumed, ok, rerr := s.resumeRefunds(ctx, orderID, returnApproved); ok {
				return resumed, rerr
			}
		}
		return Order{}, s.mapMutationError(err)
	}

	for _, item := range returned {
		restoreItems(ctx, s.inventory, s.logger, []SnapshotItem{{ProductID: item.ProductID, Size: item.Size, Quantity: item.Quantity}}, "return_approved")
	}
	if order, err = s.settleRefunds(ctx, order); err != nil {
		return order, err
	}

	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventOrderReturned,
		OrderID:    order.OrderID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		Amount:     refund,
		OccurredAt: s.clock(),
		Metadata:   map[string]any{"actor": cmd.ActorID},
	})
	s.statusChanged(ctx, order, previous, cmd.ActorID)
	return order, nil
}

// DenyReturn rejects a pending return and puts the order back to Delivered.
func (s *orderService) DenyReturn(ctx context.Context, cmd ReviewReturnCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	response := textutil.SanitizeText(cmd.Response, maxReasonLength)

	var previous domain.OrderStatus
	order, err := s.orders.UpdateOrder(ctx, orderID, func(order *domain.Order) error {
		if err := requirePendingReturn(order); err != nil {
			return err
		}
		previous = order.Status
		now := s.clock()
		order.Status = domain.OrderStatusDelivered
		order.ReturnRequest.Status = domain.ReturnStatusDenied
		order.ReturnRequest.AdminResponse = response
		order.ReturnRequest.ProcessedAt = &now
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapMutationError(err)
	}
	s.statusChanged(ctx, order, previous, cmd.ActorID)
	return order, nil
}

func requirePendingReturn(order *domain.Order) error {
	if order.ReturnRequest == nil {
		return fmt.Errorf("%w: no return request", ErrInvalidTransition)
	}
	if order.ReturnRequest.Status != domain.ReturnStatusPending {
		return fmt.Errorf("%w: return request is %s", ErrAlreadyProcessed, order.ReturnRequest.Status)
	}
	return nil
}

// transitionItem validates and applies an item transition, then re-derives the order status.
func (s *orderService) transitionItem(order *domain.Order, itemID string, target domain.ItemStatus) (int, error) {
	if order.Status == domain.OrderStatusPaymentFailed {
		return -1, fmt.Errorf("%w: order payment failed", ErrInvalidTransition)
	}
	idx, ok := order.Item(itemID)
	if !ok {
		return -1, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	current := order.Items[idx].Status
	if !canTransitionItem(current, target) {
		return -1, fmt.Errorf("%w: item %s -> %s", ErrInvalidTransition, current, target)
	}
	order.Items[idx].Status = target
	order.Status = DeriveOrderStatus(order.Status, order.Items)
	order.UpdatedAt = s.clock()
	return idx, nil
}

// bookRefund reserves up to amount of what is still refundable on a paid order and queues it for the wallet.
// The refund id is derived from the order so retries credit the same ledger entry.
func (s *orderService) bookRefund(order *domain.Order, amount decimal.Decimal, description string) decimal.Decimal {
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return decimal.Zero
	}
	refund := decimal.Min(amount, order.Refundable())
	if refund.Sign() <= 0 {
		return decimal.Zero
	}
	order.RefundedAmount = order.RefundedAmount.Add(refund)
	if order.Refundable().Sign() == 0 {
		order.PaymentStatus = domain.PaymentStatusRefunded
	}
	order.RefundSeq++
	order.PendingRefunds = append(order.PendingRefunds, domain.PendingRefund{
		ID:          fmt.Sprintf("%s-refund-%d", order.OrderID, order.RefundSeq),
		Amount:      refund,
		Description: fmt.Sprintf("%s (%s)", description, textutil.FormatAmount(s.currency, refund)),
	})
	return refund
}

// settleRefunds credits every pending refund and then drops the settled ones from the order. A failed credit
// leaves its refund pending and is returned.
func (s *orderService) settleRefunds(ctx context.Context, order Order) (Order, error) {
	if len(order.PendingRefunds) == 0 {
		return order, nil
	}
	settled := make(map[string]bool, len(order.PendingRefunds))
	var creditErr error
	for _, refund := range order.PendingRefunds {
		_, err := s.wallet.Credit(ctx, CreditCommand{
			UserID:        order.UserID,
			Amount:        refund.Amount,
			Description:   refund.Description,
			OrderID:       order.OrderID,
			Type:          domain.WalletRefund,
			TransactionID: refund.ID,
		})
		if err != nil {
			s.logger(ctx, "order.refund_failed", map[string]any{
				"orderID":  order.OrderID,
				"userID":   order.UserID,
				"refundID": refund.ID,
				"amount":   refund.Amount.String(),
				"error":    err.Error(),
			})
			creditErr = err
			break
		}
		settled[refund.ID] = true
	}
	if len(settled) == 0 {
		return order, creditErr
	}

	updated, err := s.orders.UpdateOrder(ctx, order.OrderID, func(current *domain.Order) error {
		current.PendingRefunds = slices.DeleteFunc(current.PendingRefunds, func(r domain.PendingRefund) bool {
			return settled[r.ID]
		})
		return nil
	})
	if err != nil {
		// The ledger entries exist; a later settle finds them and only clears the markers.
		s.logger(ctx, "order.refund_clear_failed", map[string]any{
			"orderID": order.OrderID,
			"error":   err.Error(),
		})
		return order, creditErr
	}
	return updated, creditErr
}

// resumeRefunds settles refunds left pending by an earlier call when applies recognises the order as the
// outcome of that call.
func (s *orderService) resumeRefunds(ctx context.Context, orderID string, applies func(Order) bool) (Order, bool, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil || len(order.PendingRefunds) == 0 || !applies(order) {
		return Order{}, false, nil
	}
	settled, err := s.settleRefunds(ctx, order)
	return settled, true, err
}

func returnApproved(order Order) bool {
	return order.ReturnRequest != nil && order.ReturnRequest.Status == domain.ReturnStatusApproved
}

func itemCancelled(userID, itemID string) func(Order) bool {
	return func(order Order) bool {
		if userID != "" && order.UserID != userID {
			return false
		}
		idx, ok := order.Item(itemID)
		return ok && order.Items[idx].Status == domain.ItemStatusCancelled
	}
}

func (s *orderService) statusChanged(ctx context.Context, order Order, previous domain.OrderStatus, actor string) {
	if previous == order.Status {
		return
	}
	s.logger(ctx, "order.status_changed", map[string]any{
		"orderID": order.OrderID,
		"from":    string(previous),
		"to":      string(order.Status),
		"actor":   actor,
	})
	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventOrderStatusChanged,
		OrderID:    order.OrderID,
		UserID:     order.UserID,
		Status:     string(order.Status),
		OccurredAt: s.clock(),
		Metadata:   map[string]any{"previousStatus": string(previous), "actor": actor},
	})
}

// mapMutationError keeps service errors raised inside a mutation and maps repository failures.
func (s *orderService) mapMutationError(err error) error {
	for _, class := range []error{ErrValidation, ErrState, ErrNotFound} {
		if errors.Is(err, class) {
			return err
		}
	}
	return mapRepositoryError(err)
}

func canTransitionItem(current, target domain.ItemStatus) bool {
	if current == target {
		return false
	}
	return slices.Contains(itemStateTransitions[current], target)
}
