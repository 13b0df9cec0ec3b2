package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/payments"
	"github.com/storefront/checkout-api/internal/repositories"
)

const paymentMethodOnline = "online"

// PaymentReconciliationDeps wires the dependencies required by payment reconciliation.
type PaymentReconciliationDeps struct {
	Sessions repositories.CheckoutSessionRepository
	Orders   repositories.OrderRepository
	Carts    repositories.CartRepository
	Coupons  repositories.CouponRepository
	Events   EventPublisher
	// SignatureSecret is the gateway shared secret used for HMAC verification.
	SignatureSecret string
	// RequireSignature rejects success reports that carry no signature.
	RequireSignature bool
	Clock            func() time.Time
	Logger           Logger
}

type paymentReconciliation struct {
	sessions         repositories.CheckoutSessionRepository
	orders           repositories.OrderRepository
	carts            repositories.CartRepository
	coupons          repositories.CouponRepository
	events           EventPublisher
	secret           string
	requireSignature bool
	now              func() time.Time
	logger           Logger
}

// NewPaymentReconciliationService constructs the reconciliation service validating required dependencies.
func NewPaymentReconciliationService(deps PaymentReconciliationDeps) (PaymentReconciliationService, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("payment reconciliation: session repository is required")
	case deps.Orders == nil:
		return nil, errors.New("payment reconciliation: order repository is required")
	case deps.Carts == nil:
		return nil, errors.New("payment reconciliation: cart repository is required")
	case strings.TrimSpace(deps.SignatureSecret) == "":
		return nil, errors.New("payment reconciliation: signature secret is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &paymentReconciliation{
		sessions:         deps.Sessions,
		orders:           deps.Orders,
		carts:            deps.Carts,
		coupons:          deps.Coupons,
		events:           deps.Events,
		secret:           deps.SignatureSecret,
		requireSignature: deps.RequireSignature,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// VerifyPayment checks a gateway success report against the pending payment and creates the order exactly once.
func (s *paymentReconciliation) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (OrderSummary, error) {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	gatewayPaymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	signature := strings.TrimSpace(cmd.Signature)
	if userID == "" || orderID == "" || gatewayOrderID == "" || gatewayPaymentID == "" {
		return OrderSummary{}, fmt.Errorf("%w: user, order, gateway order and gateway payment ids are required", ErrValidation)
	}

	pending, err := s.sessions.GetPending(ctx, userID)
	if err != nil {
		if !isNotFound(err) {
			return OrderSummary{}, mapRepositoryError(err)
		}
		return s.replay(ctx, userID, orderID, gatewayOrderID, gatewayPaymentID, signature)
	}

	if pending.GatewayOrderID != gatewayOrderID || pending.InternalOrderID != orderID {
		recordPaymentOutcome(ctx, "mismatch")
		return OrderSummary{}, ErrOrderIDMismatch
	}
	if err := s.checkSignature(gatewayOrderID, gatewayPaymentID, signature); err != nil {
		recordPaymentOutcome(ctx, "signature_invalid")
		s.logger(ctx, "payment.signature_invalid", map[string]any{
			"userID":         userID,
			"orderID":        orderID,
			"gatewayOrderID": gatewayOrderID,
		})
		return OrderSummary{}, err
	}

	key := repositories.OrderKey{OrderID: orderID, UserID: userID}
	order, created, err := s.orders.InsertIfAbsent(ctx, key, func() (domain.Order, error) {
		details := domain.PaymentDetails{
			GatewayOrderID:   gatewayOrderID,
			GatewayPaymentID: gatewayPaymentID,
			Signature:        signature,
			Attempts:         pending.Attempts,
		}
		return orderFromPending(pending, domain.OrderStatusPending, domain.PaymentStatusPaid, details, s.now()), nil
	})
	if err != nil {
		return OrderSummary{}, mapRepositoryError(err)
	}

	s.clearCheckoutState(ctx, userID)

	if created {
		recordPaymentOutcome(ctx, "paid")
		if order.CouponCode != "" && s.coupons != nil {
			if err := s.coupons.RecordUsage(ctx, order.CouponCode, userID); err != nil {
				s.logger(ctx, "payment.coupon_usage_failed", map[string]any{
					"orderID": orderID,
					"coupon":  order.CouponCode,
					"error":   err.Error(),
				})
			}
		}
		publish(ctx, s.events, s.logger, DomainEvent{
			Type:       EventOrderPaid,
			OrderID:    order.OrderID,
			UserID:     userID,
			Status:     string(order.Status),
			Amount:     order.TotalAmount,
			OccurredAt: s.now(),
			Metadata: map[string]any{
				"gatewayOrderId":   gatewayOrderID,
				"gatewayPaymentId": gatewayPaymentID,
			},
		})
	} else {
		recordPaymentOutcome(ctx, "duplicate")
	}

	s.logger(ctx, "payment.verified", map[string]any{
		"userID":  userID,
		"orderID": order.OrderID,
		"created": created,
	})

	return OrderSummary{
		OrderID:     order.OrderID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Replayed:    !created,
	}, nil
}

// replay answers a repeated success report after the pending record was consumed by the first one.
func (s *paymentReconciliation) replay(ctx context.Context, userID, orderID, gatewayOrderID, gatewayPaymentID, signature string) (OrderSummary, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return OrderSummary{}, ErrNoPendingPayment
		}
		return OrderSummary{}, mapRepositoryError(err)
	}
	if order.UserID != userID || order.PaymentDetails.GatewayOrderID != gatewayOrderID || order.PaymentStatus != domain.PaymentStatusPaid {
		return OrderSummary{}, ErrNoPendingPayment
	}
	if err := s.checkSignature(gatewayOrderID, gatewayPaymentID, signature); err != nil {
		return OrderSummary{}, err
	}
	recordPaymentOutcome(ctx, "replayed")
	return OrderSummary{
		OrderID:     order.OrderID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Replayed:    true,
	}, nil
}

func (s *paymentReconciliation) checkSignature(gatewayOrderID, gatewayPaymentID, signature string) error {
	if signature == "" {
		if s.requireSignature {
			return ErrSignatureInvalid
		}
		return nil
	}
	if !payments.VerifySignature(gatewayOrderID, gatewayPaymentID, signature, s.secret) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *paymentReconciliation) clearCheckoutState(ctx context.Context, userID string) {
	if err := s.carts.ClearCart(ctx, userID); err != nil {
		s.logger(ctx, "payment.cart_clear_failed", map[string]any{"userID": userID, "error": err.Error()})
	}
	if err := s.sessions.DeletePending(ctx, userID); err != nil {
		s.logger(ctx, "payment.pending_clear_failed", map[string]any{"userID": userID, "error": err.Error()})
	}
	if err := s.sessions.DeleteSnapshot(ctx, userID); err != nil {
		s.logger(ctx, "payment.snapshot_clear_failed", map[string]any{"userID": userID, "error": err.Error()})
	}
}

// orderFromPending builds the full order document from a pending payment.
func orderFromPending(pending PendingPayment, status domain.OrderStatus, paymentStatus domain.PaymentStatus, details domain.PaymentDetails, now time.Time) domain.Order {
	return domain.Order{
		OrderID:         pending.InternalOrderID,
		UserID:          pending.UserID,
		Items:           orderItems(pending.InternalOrderID, pending.Items),
		TotalAmount:     pending.Amount,
		Status:          status,
		PaymentStatus:   paymentStatus,
		PaymentMethod:   paymentMethodOnline,
		PaymentDetails:  details,
		ShippingAddress: pending.ShippingAddress,
		CouponCode:      pending.CouponCode,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func orderItems(orderID string, items []SnapshotItem) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for i, item := range items {
		out = append(out, domain.OrderItem{
			ItemID:      fmt.Sprintf("%s-%02d", orderID, i+1),
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Size:        item.Size,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPriceAfterOffer,
			Status:      domain.ItemStatusOrdered,
		})
	}
	return out
}

func publish(ctx context.Context, events EventPublisher, logger Logger, event DomainEvent) {
	if events == nil {
		return
	}
	if err := events.PublishEvent(ctx, event); err != nil {
		logger(ctx, "event.publish_failed", map[string]any{
			"type":    event.Type,
			"orderID": event.OrderID,
			"error":   err.Error(),
		})
	}
}
