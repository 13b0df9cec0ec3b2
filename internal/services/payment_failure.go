package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/payments"
	"github.com/storefront/checkout-api/internal/platform/textutil"
	"github.com/storefront/checkout-api/internal/repositories"
)

const maxReasonLength = 500

// PaymentFailureDeps wires the dependencies required by the failure and cancellation handler.
type PaymentFailureDeps struct {
	Sessions   repositories.CheckoutSessionRepository
	Orders     repositories.OrderRepository
	Carts      repositories.CartRepository
	Inventory  repositories.InventoryRepository
	Gateway    payments.Gateway
	Events     EventPublisher
	PendingTTL time.Duration
	Clock      func() time.Time
	Logger     Logger
}

type paymentFailureService struct {
	sessions   repositories.CheckoutSessionRepository
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	inventory  repositories.InventoryRepository
	gateway    payments.Gateway
	events     EventPublisher
	pendingTTL time.Duration
	now        func() time.Time
	logger     Logger
}

// NewPaymentFailureService constructs the failure handler validating required dependencies.
func NewPaymentFailureService(deps PaymentFailureDeps) (PaymentFailureService, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("payment failure service: session repository is required")
	case deps.Orders == nil:
		return nil, errors.New("payment failure service: order repository is required")
	case deps.Carts == nil:
		return nil, errors.New("payment failure service: cart repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("payment failure service: inventory repository is required")
	case deps.Gateway == nil:
		return nil, errors.New("payment failure service: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	ttl := deps.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingPaymentTTL
	}
	return &paymentFailureService{
		sessions:   deps.Sessions,
		orders:     deps.Orders,
		carts:      deps.Carts,
		inventory:  deps.Inventory,
		gateway:    deps.Gateway,
		events:     deps.Events,
		pendingTTL: ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandlePaymentFailure records a payment-failed order unless an order for the same attempt already exists,
// then releases the checkout state. Repeating the call is a no-op on the order.
func (s *paymentFailureService) HandlePaymentFailure(ctx context.Context, cmd PaymentFailureCommand) (string, error) {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	reason := textutil.SanitizeText(cmd.Reason, maxReasonLength)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if reason == "" {
		return "", fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if orderID == "" && gatewayOrderID == "" {
		return "", fmt.Errorf("%w: order id or gateway order id is required", ErrValidation)
	}

	pending, hasPending, err := s.pending(ctx, userID)
	if err != nil {
		return "", err
	}
	matches := hasPending && pendingMatches(pending, orderID, gatewayOrderID)
	if orderID == "" && matches {
		orderID = pending.InternalOrderID
	}
	if orderID == "" {
		return "", ErrNoPendingPayment
	}

	key := repositories.OrderKey{OrderID: orderID, UserID: userID, GatewayOrderID: gatewayOrderID}
	order, created, err := s.orders.InsertIfAbsent(ctx, key, func() (domain.Order, error) {
		now := s.now()
		if matches {
			details := domain.PaymentDetails{GatewayOrderID: pending.GatewayOrderID, Attempts: pending.Attempts}
			order := orderFromPending(pending, domain.OrderStatusPaymentFailed, domain.PaymentStatusFailed, details, now)
			order.CancelReason = reason
			return order, nil
		}
		return s.orderFromSnapshot(ctx, userID, orderID, gatewayOrderID, reason, now)
	})
	if err != nil {
		if errors.Is(err, ErrNoPendingPayment) {
			return "", err
		}
		return "", mapRepositoryError(err)
	}

	if created {
		recordPaymentOutcome(ctx, "failed")
		publish(ctx, s.events, s.logger, DomainEvent{
			Type:       EventOrderPaymentFailed,
			OrderID:    order.OrderID,
			UserID:     userID,
			Status:     string(order.Status),
			Amount:     order.TotalAmount,
			OccurredAt: s.now(),
			Metadata:   map[string]any{"reason": reason},
		})
	}
	s.logger(ctx, "payment.failure_recorded", map[string]any{
		"userID":  userID,
		"orderID": order.OrderID,
		"created": created,
		"status":  string(order.Status),
	})

	// A pending record for a newer attempt belongs to that attempt and is left alone.
	if hasPending && !matches {
		return order.OrderID, nil
	}
	if !created && order.PaymentStatus == domain.PaymentStatusPaid {
		// The paid order owns the reserved stock.
		if err := s.discardPending(ctx, userID); err != nil {
			return "", err
		}
		return order.OrderID, nil
	}
	if err := s.Cleanup(ctx, userID); err != nil {
		return "", err
	}
	return order.OrderID, nil
}

// discardPending drops the pending record and snapshot without releasing stock.
func (s *paymentFailureService) discardPending(ctx context.Context, userID string) error {
	if _, err := s.sessions.TakePending(ctx, userID); err != nil && !isNotFound(err) {
		return mapRepositoryError(err)
	}
	if err := s.sessions.DeleteSnapshot(ctx, userID); err != nil {
		s.logger(ctx, "payment.snapshot_clear_failed", map[string]any{"userID": userID, "error": err.Error()})
	}
	return nil
}

func (s *paymentFailureService) orderFromSnapshot(ctx context.Context, userID, orderID, gatewayOrderID, reason string, now time.Time) (domain.Order, error) {
	snapshot, err := s.sessions.GetSnapshot(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return domain.Order{}, ErrNoPendingPayment
		}
		return domain.Order{}, err
	}
	return domain.Order{
		OrderID:        orderID,
		UserID:         userID,
		Items:          orderItems(orderID, snapshot.Items),
		TotalAmount:    snapshot.FinalAmount,
		Status:         domain.OrderStatusPaymentFailed,
		PaymentStatus:  domain.PaymentStatusFailed,
		PaymentMethod:  paymentMethodOnline,
		PaymentDetails: domain.PaymentDetails{GatewayOrderID: gatewayOrderID},
		CancelReason:   reason,
		CouponCode:     snapshot.CouponCode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CancelPaymentIntent asks the gateway to cancel the order and marks the pending record cancelled.
// Gateway failures are logged and never returned; the pending record stays so the order id can be retried.
func (s *paymentFailureService) CancelPaymentIntent(ctx context.Context, cmd CancelPaymentIntentCommand) error {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if orderID == "" && gatewayOrderID == "" {
		return fmt.Errorf("%w: order id or gateway order id is required", ErrValidation)
	}

	pending, hasPending, err := s.pending(ctx, userID)
	if err != nil {
		return err
	}
	if hasPending {
		if !pendingMatches(pending, orderID, gatewayOrderID) {
			return ErrOrderIDMismatch
		}
		if gatewayOrderID == "" {
			gatewayOrderID = pending.GatewayOrderID
		}
	}

	if gatewayOrderID != "" {
		if _, err := s.gateway.EditOrder(ctx, gatewayOrderID, payments.OrderStatusCancelled); err != nil {
			s.logger(ctx, "payment.gateway_cancel_failed", map[string]any{
				"userID":         userID,
				"orderID":        orderID,
				"gatewayOrderID": gatewayOrderID,
				"error":          err.Error(),
			})
		}
	}

	if hasPending && pending.Status != domain.PendingPaymentCancelled {
		pending.Status = domain.PendingPaymentCancelled
		if err := s.sessions.SavePending(ctx, pending, s.pendingTTL); err != nil {
			return mapRepositoryError(err)
		}
	}
	recordPaymentOutcome(ctx, "cancelled")
	return nil
}

// Cleanup releases the stock held by the pending payment, empties the cart and drops the pending record.
// Once the record is gone there is nothing left to release, so repeated calls are no-ops.
func (s *paymentFailureService) Cleanup(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}

	pending, err := s.sessions.TakePending(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return mapRepositoryError(err)
	}

	restoreItems(ctx, s.inventory, s.logger, pending.Items, "payment_cleanup")
	if err := s.carts.ClearCart(ctx, userID); err != nil {
		s.logger(ctx, "payment.cart_clear_failed", map[string]any{"userID": userID, "error": err.Error()})
	}
	if err := s.sessions.DeleteSnapshot(ctx, userID); err != nil {
		s.logger(ctx, "payment.snapshot_clear_failed", map[string]any{"userID": userID, "error": err.Error()})
	}

	s.logger(ctx, "payment.cleanup", map[string]any{
		"userID":  userID,
		"orderID": pending.InternalOrderID,
		"items":   len(pending.Items),
	})
	return nil
}

func (s *paymentFailureService) pending(ctx context.Context, userID string) (PendingPayment, bool, error) {
	pending, err := s.sessions.GetPending(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return PendingPayment{}, false, nil
		}
		return PendingPayment{}, false, mapRepositoryError(err)
	}
	return pending, true, nil
}

func pendingMatches(pending PendingPayment, orderID, gatewayOrderID string) bool {
	if orderID != "" && pending.InternalOrderID == orderID {
		return true
	}
	return gatewayOrderID != "" && pending.GatewayOrderID == gatewayOrderID
}
