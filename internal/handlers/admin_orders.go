package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/platform/auth"
	"github.com/storefront/checkout-api/internal/platform/httpx"
	"github.com/storefront/checkout-api/internal/services"
)

// AdminHandlers exposes order fulfilment and wallet operations to staff.
type AdminHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	wallets services.WalletService
}

// NewAdminHandlers constructs staff endpoints.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, wallets services.WalletService) *AdminHandlers {
	return &AdminHandlers{authn: authn, orders: orders, wallets: wallets}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/orders/{orderID}", h.getOrder)
	r.Put("/orders/{orderID}/status", h.updateOrderStatus)
	r.Put("/orders/{orderID}/items/{itemID}/status", h.updateItemStatus)
	r.Post("/orders/{orderID}/return/approve", h.approveReturn)
	r.Post("/orders/{orderID}/return/deny", h.denyReturn)
	r.Post("/wallets/{userID}/credit", h.creditWallet)
}

type statusRequest struct {
	Status string `json:"status"`
}

type reviewRequest struct {
	Response string `json:"response"`
}

type creditRequest struct {
	Amount      jsonAmount `json:"amount"`
	Description string     `json:"description"`
	OrderID     string     `json:"orderId"`
}

func actorID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		return identity.UID
	}
	return ""
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrder(ctx, "", chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateOrderStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  domain.OrderStatus(status),
		ActorID: actorID(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminHandlers) updateItemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateItemStatus(ctx, services.UpdateItemStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ItemID:  chi.URLParam(r, "itemID"),
		Status:  domain.ItemStatus(status),
		ActorID: actorID(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminHandlers) approveReturn(w http.ResponseWriter, r *http.Request) {
	h.reviewReturn(w, r, true)
}

func (h *AdminHandlers) denyReturn(w http.ResponseWriter, r *http.Request) {
	h.reviewReturn(w, r, false)
}

func (h *AdminHandlers) reviewReturn(w http.ResponseWriter, r *http.Request, approve bool) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	var req reviewRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	cmd := services.ReviewReturnCommand{
		OrderID:  chi.URLParam(r, "orderID"),
		Response: req.Response,
		ActorID:  actorID(r),
	}

	var (
		order domain.Order
		err   error
	)
	if approve {
		order, err = h.orders.ApproveReturn(ctx, cmd)
	} else {
		order, err = h.orders.DenyReturn(ctx, cmd)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminHandlers) creditWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		unavailable(ctx, w, "wallet")
		return
	}
	var req creditRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	amount, err := parseAmount(req.Amount.Number)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be a decimal number", http.StatusBadRequest))
		return
	}

	tx, err := h.wallets.Credit(ctx, services.CreditCommand{
		UserID:      chi.URLParam(r, "userID"),
		Amount:      amount,
		Description: req.Description,
		OrderID:     strings.TrimSpace(req.OrderID),
		Type:        domain.WalletCredit,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildTransactionPayload(tx))
}
