package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/services"
)

func newAdminRouter(orders services.OrderService, wallets services.WalletService) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminHandlers(nil, orders, wallets).Routes)
	return router
}

func TestAdminHandlersUpdateItemStatus(t *testing.T) {
	var captured services.UpdateItemStatusCommand
	orders := &stubOrderService{
		itemStatusFunc: func(_ context.Context, cmd services.UpdateItemStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Items[0].Status = cmd.Status
			order.Status = domain.OrderStatusShipped
			return order, nil
		},
	}
	router := newAdminRouter(orders, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPut, "/admin/orders/ORD-1/items/ORD-1-01/status", `{"status":"Shipped"}`, "staff-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Status != domain.ItemStatusShipped || captured.ActorID != "staff-1" || captured.ItemID != "ORD-1-01" {
		t.Fatalf("unexpected command %#v", captured)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPut, "/admin/orders/ORD-1/items/ORD-1-01/status", `{}`, "staff-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without status, got %d", rr.Code)
	}
}

func TestAdminHandlersUpdateOrderStatusRejectsTransition(t *testing.T) {
	orders := &stubOrderService{
		statusFunc: func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error) {
			return services.Order{}, services.ErrInvalidTransition
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(orders, nil).ServeHTTP(rr, checkoutRequest(http.MethodPut, "/admin/orders/ORD-1/status", `{"status":"Delivered"}`, "staff-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminHandlersReviewReturn(t *testing.T) {
	var approved, denied services.ReviewReturnCommand
	processed := time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC)
	orders := &stubOrderService{
		approveFunc: func(_ context.Context, cmd services.ReviewReturnCommand) (services.Order, error) {
			approved = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusReturned
			order.RefundedAmount = order.TotalAmount
			order.ReturnRequest = &domain.ReturnRequest{Status: domain.ReturnStatusApproved, AdminResponse: cmd.Response, ProcessedAt: &processed}
			return order, nil
		},
		denyFunc: func(_ context.Context, cmd services.ReviewReturnCommand) (services.Order, error) {
			denied = cmd
			return sampleOrder(), nil
		},
	}
	router := newAdminRouter(orders, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/admin/orders/ORD-1/return/approve", `{"response":"refund issued"}`, "staff-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if approved.OrderID != "ORD-1" || approved.Response != "refund issued" || approved.ActorID != "staff-1" {
		t.Fatalf("unexpected approve command %#v", approved)
	}
	var payload orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.RefundedAmount.String() != "171.00" || payload.ReturnRequest == nil || payload.ReturnRequest.ProcessedAt == "" {
		t.Fatalf("unexpected payload %#v", payload)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/admin/orders/ORD-1/return/deny", "", "staff-1"))
	if rr.Code != http.StatusOK || denied.OrderID != "ORD-1" {
		t.Fatalf("expected deny without body to succeed, got %d %#v", rr.Code, denied)
	}
}

func TestAdminHandlersCreditWallet(t *testing.T) {
	var captured services.CreditCommand
	wallets := &stubWalletService{
		creditFunc: func(_ context.Context, cmd services.CreditCommand) (services.WalletTransaction, error) {
			captured = cmd
			return domain.WalletTransaction{
				ID:               "tx-1",
				UserID:           cmd.UserID,
				Type:             cmd.Type,
				Amount:           cmd.Amount,
				ResultingBalance: decimal.RequireFromString("62.5"),
				Status:           domain.WalletTransactionCompleted,
				CreatedAt:        time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	router := newAdminRouter(nil, wallets)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/admin/wallets/user-1/credit", `{"amount":"12.50","description":"goodwill"}`, "staff-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || !captured.Amount.Equal(decimal.RequireFromString("12.5")) || captured.Type != domain.WalletCredit {
		t.Fatalf("unexpected command %#v", captured)
	}
	var payload transactionPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Amount.String() != "12.50" || payload.Balance.String() != "62.50" {
		t.Fatalf("unexpected payload %#v", payload)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/admin/wallets/user-1/credit", `{"amount":12}`, "staff-1"))
	if rr.Code != http.StatusCreated || !captured.Amount.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("expected numeric amount to be accepted, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/admin/wallets/user-1/credit", `{"amount":"lots"}`, "staff-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for invalid amount, got %d", rr.Code)
	}
}

func TestAdminHandlersCreditWalletMapsValidation(t *testing.T) {
	wallets := &stubWalletService{
		creditFunc: func(context.Context, services.CreditCommand) (services.WalletTransaction, error) {
			return services.WalletTransaction{}, services.ErrInvalidAmount
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(nil, wallets).ServeHTTP(rr, checkoutRequest(http.MethodPost, "/admin/wallets/user-1/credit", `{"amount":"-5"}`, "staff-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
