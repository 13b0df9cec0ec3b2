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

func sampleOrder() domain.Order {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		OrderID:        "ORD-1",
		UserID:         "user-1",
		Status:         domain.OrderStatusConfirmed,
		PaymentStatus:  domain.PaymentStatusPaid,
		PaymentMethod:  "online",
		PaymentDetails: domain.PaymentDetails{GatewayOrderID: "pi_1"},
		TotalAmount:    decimal.RequireFromString("171"),
		Items: []domain.OrderItem{
			{ItemID: "ORD-1-01", ProductID: "p1", Size: "M", Quantity: 2, UnitPrice: decimal.RequireFromString("85.5"), Status: domain.ItemStatusOrdered},
		},
		ShippingAddress: domain.ShippingAddress{FullName: "Asha", City: "Pune"},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func newOrderRouter(orders services.OrderService) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, orders).Routes)
	return router
}

func TestOrderHandlersListOrders(t *testing.T) {
	service := &stubOrderService{
		listFunc: func(_ context.Context, userID string) ([]services.Order, error) {
			if userID != "user-1" {
				t.Fatalf("expected user-1, got %s", userID)
			}
			return []services.Order{sampleOrder()}, nil
		},
	}
	rr := httptest.NewRecorder()
	newOrderRouter(service).ServeHTTP(rr, checkoutRequest(http.MethodGet, "/orders", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected one order, got %d", len(resp.Items))
	}
	got := resp.Items[0]
	if got.OrderID != "ORD-1" || got.TotalAmount.String() != "171.00" || got.GatewayOrderID != "pi_1" {
		t.Fatalf("unexpected order payload %#v", got)
	}
	if got.Items[0].UnitPrice.String() != "85.50" || got.Items[0].Status != "Ordered" {
		t.Fatalf("unexpected item payload %#v", got.Items[0])
	}
	if got.CreatedAt != "2025-03-01T12:00:00Z" {
		t.Fatalf("unexpected createdAt %s", got.CreatedAt)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFunc: func(_ context.Context, userID, orderID string) (services.Order, error) {
			if userID != "user-1" || orderID != "ORD-9" {
				t.Fatalf("unexpected lookup %s %s", userID, orderID)
			}
			return services.Order{}, services.ErrNotFound
		},
	}
	rr := httptest.NewRecorder()
	newOrderRouter(service).ServeHTTP(rr, checkoutRequest(http.MethodGet, "/orders/ORD-9", "", "user-1"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersUnauthenticated(t *testing.T) {
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, checkoutRequest(http.MethodGet, "/orders", "", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelItem(t *testing.T) {
	var captured services.CancelItemCommand
	service := &stubOrderService{
		cancelFunc: func(_ context.Context, cmd services.CancelItemCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Items[0].Status = domain.ItemStatusCancelled
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	router := newOrderRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/orders/ORD-1/items/ORD-1-01/cancel", "", "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 without body, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ORD-1" || captured.ItemID != "ORD-1-01" || captured.UserID != "user-1" {
		t.Fatalf("unexpected command %#v", captured)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/orders/ORD-1/items/ORD-1-01/cancel", `{"reason":"changed my mind"}`, "user-1"))
	if rr.Code != http.StatusOK || captured.Reason != "changed my mind" {
		t.Fatalf("expected reason to be forwarded, got %d %#v", rr.Code, captured)
	}
}

func TestOrderHandlersCancelItemShipped(t *testing.T) {
	service := &stubOrderService{
		cancelFunc: func(context.Context, services.CancelItemCommand) (services.Order, error) {
			return services.Order{}, services.ErrInvalidTransition
		},
	}
	rr := httptest.NewRecorder()
	newOrderRouter(service).ServeHTTP(rr, checkoutRequest(http.MethodPost, "/orders/ORD-1/items/ORD-1-01/cancel", "", "user-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["error"] != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %v", payload["error"])
	}
}

func TestOrderHandlersRequestReturn(t *testing.T) {
	var captured services.RequestReturnCommand
	service := &stubOrderService{
		returnFunc: func(_ context.Context, cmd services.RequestReturnCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusReturnRequested
			order.ReturnRequest = &domain.ReturnRequest{
				Status:      domain.ReturnStatusPending,
				Reason:      cmd.Reason,
				RequestedAt: time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
			}
			return order, nil
		},
	}
	router := newOrderRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/orders/ORD-1/return", `{"reason":""}`, "user-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without reason, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutRequest(http.MethodPost, "/orders/ORD-1/return", `{"reason":"wrong size"}`, "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Reason != "wrong size" {
		t.Fatalf("unexpected command %#v", captured)
	}
	var payload orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Status != "Return Requested" || payload.ReturnRequest == nil || payload.ReturnRequest.Status != "pending" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

type stubOrderService struct {
	getFunc        func(context.Context, string, string) (services.Order, error)
	listFunc       func(context.Context, string) ([]services.Order, error)
	itemStatusFunc func(context.Context, services.UpdateItemStatusCommand) (services.Order, error)
	statusFunc     func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	cancelFunc     func(context.Context, services.CancelItemCommand) (services.Order, error)
	returnFunc     func(context.Context, services.RequestReturnCommand) (services.Order, error)
	approveFunc    func(context.Context, services.ReviewReturnCommand) (services.Order, error)
	denyFunc       func(context.Context, services.ReviewReturnCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, userID, orderID string) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, userID, orderID)
	}
	return sampleOrder(), nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, userID string) ([]services.Order, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, userID)
	}
	return nil, nil
}

func (s *stubOrderService) UpdateItemStatus(ctx context.Context, cmd services.UpdateItemStatusCommand) (services.Order, error) {
	if s.itemStatusFunc != nil {
		return s.itemStatusFunc(ctx, cmd)
	}
	return sampleOrder(), nil
}

func (s *stubOrderService) UpdateOrderStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.statusFunc != nil {
		return s.statusFunc(ctx, cmd)
	}
	return sampleOrder(), nil
}

func (s *stubOrderService) CancelItem(ctx context.Context, cmd services.CancelItemCommand) (services.Order, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return sampleOrder(), nil
}

func (s *stubOrderService) RequestReturn(ctx context.Context, cmd services.RequestReturnCommand) (services.Order, error) {
	if s.returnFunc != nil {
		return s.returnFunc(ctx, cmd)
	}
	return sampleOrder(), nil
}

func (s *stubOrderService) ApproveReturn(ctx context.Context, cmd services.ReviewReturnCommand) (services.Order, error) {
	if s.approveFunc != nil {
		return s.approveFunc(ctx, cmd)
	}
	return sampleOrder(), nil
}

func (s *stubOrderService) DenyReturn(ctx context.Context, cmd services.ReviewReturnCommand) (services.Order, error) {
	if s.denyFunc != nil {
		return s.denyFunc(ctx, cmd)
	}
	return sampleOrder(), nil
}
