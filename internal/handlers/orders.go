package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/platform/auth"
	"github.com/storefront/checkout-api/internal/platform/httpx"
	"github.com/storefront/checkout-api/internal/services"
)

// OrderHandlers exposes a shopper's own orders.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/items/{itemID}/cancel", h.cancelItem)
	r.Post("/{orderID}/return", h.requestReturn)
}

type orderItemPayload struct {
	ItemID      string      `json:"itemId"`
	ProductID   string      `json:"productId"`
	ProductName string      `json:"productName,omitempty"`
	Size        string      `json:"size"`
	Quantity    int         `json:"quantity"`
	UnitPrice   json.Number `json:"price"`
	Status      string      `json:"status"`
}

type returnRequestPayload struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	RequestedAt   string `json:"requestedAt,omitempty"`
	AdminResponse string `json:"adminResponse,omitempty"`
	ProcessedAt   string `json:"processedAt,omitempty"`
}

type orderPayload struct {
	OrderID         string                 `json:"orderId"`
	UserID          string                 `json:"userId"`
	Status          string                 `json:"status"`
	PaymentStatus   string                 `json:"paymentStatus"`
	PaymentMethod   string                 `json:"paymentMethod,omitempty"`
	GatewayOrderID  string                 `json:"gatewayOrderId,omitempty"`
	TotalAmount     json.Number            `json:"totalAmount"`
	RefundedAmount  json.Number            `json:"refundedAmount"`
	CouponCode      string                 `json:"couponCode,omitempty"`
	CancelReason    string                 `json:"cancelReason,omitempty"`
	Items           []orderItemPayload     `json:"items"`
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
	ReturnRequest   *returnRequestPayload  `json:"returnRequest,omitempty"`
	CreatedAt       string                 `json:"createdAt,omitempty"`
	UpdatedAt       string                 `json:"updatedAt,omitempty"`
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListOrders(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := orderListResponse{Items: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, identity.UID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	order, err := h.orders.CancelItem(ctx, services.CancelItemCommand{
		UserID:  identity.UID,
		OrderID: chi.URLParam(r, "orderID"),
		ItemID:  chi.URLParam(r, "itemID"),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.RequestReturn(ctx, services.RequestReturnCommand{
		UserID:  identity.UID,
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		OrderID:         order.OrderID,
		UserID:          order.UserID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentMethod:   order.PaymentMethod,
		GatewayOrderID:  order.PaymentDetails.GatewayOrderID,
		TotalAmount:     money(order.TotalAmount),
		RefundedAmount:  money(order.RefundedAmount),
		CouponCode:      order.CouponCode,
		CancelReason:    order.CancelReason,
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: order.ShippingAddress,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ItemID:      item.ItemID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Size:        item.Size,
			Quantity:    item.Quantity,
			UnitPrice:   money(item.UnitPrice),
			Status:      string(item.Status),
		})
	}
	if rr := order.ReturnRequest; rr != nil {
		payload.ReturnRequest = &returnRequestPayload{
			Status:        string(rr.Status),
			Reason:        rr.Reason,
			RequestedAt:   formatTime(rr.RequestedAt),
			AdminResponse: rr.AdminResponse,
		}
		if rr.ProcessedAt != nil {
			payload.ReturnRequest.ProcessedAt = formatTime(*rr.ProcessedAt)
		}
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
