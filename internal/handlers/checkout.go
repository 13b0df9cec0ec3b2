package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/checkout-api/internal/platform/auth"
	"github.com/storefront/checkout-api/internal/platform/httpx"
	"github.com/storefront/checkout-api/internal/services"
)

// CheckoutHandlerDeps wires the checkout endpoints.
type CheckoutHandlerDeps struct {
	Authn          *auth.Authenticator
	Checkout       services.CheckoutService
	Reconciliation services.PaymentReconciliationService
	Failures       services.PaymentFailureService
	// Idempotency guards every mutating checkout route when set.
	Idempotency func(http.Handler) http.Handler
	// PaymentAttemptsPerMinute bounds intent creation and verification per user. Zero disables the limit.
	PaymentAttemptsPerMinute int
	Clock                    func() time.Time
}

// CheckoutHandlers exposes the checkout pipeline for authenticated shoppers.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	reconcile   services.PaymentReconciliationService
	failures    services.PaymentFailureService
	idempotency func(http.Handler) http.Handler
	limiter     *userRateLimiter
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(deps CheckoutHandlerDeps) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:       deps.Authn,
		checkout:    deps.Checkout,
		reconcile:   deps.Reconciliation,
		failures:    deps.Failures,
		idempotency: deps.Idempotency,
		limiter:     newUserRateLimiter(deps.PaymentAttemptsPerMinute, 0, deps.Clock),
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireUser())
	}
	if h.idempotency != nil {
		group = group.With(h.idempotency)
	}
	limited := group.With(h.limiter.middleware)

	group.Post("/", h.openCheckout)
	limited.Post("/payment-intent", h.createPaymentIntent)
	limited.Post("/payment-intent/retry", h.retryPaymentIntent)
	limited.Post("/verify", h.verifyPayment)
	group.Post("/failure", h.reportFailure)
	group.Post("/cancel", h.cancelPayment)
}

type snapshotItemResponse struct {
	ProductID            string      `json:"productId"`
	ProductName          string      `json:"productName,omitempty"`
	Size                 string      `json:"size"`
	Quantity             int         `json:"quantity"`
	OriginalUnitPrice    json.Number `json:"originalUnitPrice"`
	OfferName            string      `json:"offerName,omitempty"`
	OfferDiscountPercent *string     `json:"offerDiscountPercent,omitempty"`
	UnitPriceAfterOffer  json.Number `json:"unitPriceAfterOffer"`
	LineTotal            json.Number `json:"lineTotal"`
}

type checkoutResponse struct {
	Items          []snapshotItemResponse `json:"items"`
	Subtotal       json.Number            `json:"subtotal"`
	OfferDiscount  json.Number            `json:"offerDiscount"`
	CouponCode     string                 `json:"couponCode,omitempty"`
	CouponDiscount json.Number            `json:"couponDiscount"`
	FinalAmount    json.Number            `json:"finalAmount"`
	CreatedAt      string                 `json:"createdAt"`
}

type paymentIntentRequest struct {
	AddressID string `json:"addressId"`
}

type retryIntentRequest struct {
	OrderID string `json:"orderId"`
}

type paymentIntentResponse struct {
	GatewayOrderID string `json:"gatewayOrderId"`
	OrderID        string `json:"orderId"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Attempts       int    `json:"attempts"`
}

type verifyRequest struct {
	GatewayPaymentID string `json:"gatewayPaymentId"`
	GatewayOrderID   string `json:"gatewayOrderId"`
	Signature        string `json:"signature"`
	OrderID          string `json:"orderId"`
}

type orderSummaryResponse struct {
	OrderID     string      `json:"orderId"`
	Status      string      `json:"status"`
	TotalAmount json.Number `json:"totalAmount"`
	Replayed    bool        `json:"replayed,omitempty"`
}

type failureRequest struct {
	OrderID        string `json:"orderId"`
	GatewayOrderID string `json:"gatewayOrderId"`
	Reason         string `json:"reason"`
}

type cancelRequest struct {
	OrderID        string `json:"orderId"`
	GatewayOrderID string `json:"gatewayOrderId"`
}

func (h *CheckoutHandlers) openCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(ctx, w, "checkout")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}

	snapshot, err := h.checkout.OpenCheckout(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := checkoutResponse{
		Items:          make([]snapshotItemResponse, 0, len(snapshot.Items)),
		Subtotal:       money(snapshot.Subtotal),
		OfferDiscount:  money(snapshot.OfferDiscount),
		CouponCode:     snapshot.CouponCode,
		CouponDiscount: money(snapshot.CouponDiscount),
		FinalAmount:    money(snapshot.FinalAmount),
		CreatedAt:      snapshot.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, item := range snapshot.Items {
		view := snapshotItemResponse{
			ProductID:           item.ProductID,
			ProductName:         item.ProductName,
			Size:                item.Size,
			Quantity:            item.Quantity,
			OriginalUnitPrice:   money(item.OriginalUnitPrice),
			OfferName:           item.OfferName,
			UnitPriceAfterOffer: money(item.UnitPriceAfterOffer),
			LineTotal:           money(item.LineTotal()),
		}
		if item.OfferDiscountPercent != nil {
			pct := item.OfferDiscountPercent.String()
			view.OfferDiscountPercent = &pct
		}
		resp.Items = append(resp.Items, view)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CheckoutHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(ctx, w, "checkout")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req paymentIntentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	addressID := strings.TrimSpace(req.AddressID)
	if addressID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "addressId is required", http.StatusBadRequest))
		return
	}

	intent, err := h.checkout.CreatePaymentIntent(ctx, services.CreatePaymentIntentCommand{UserID: identity.UID, AddressID: addressID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, intentResponse(intent))
}

func (h *CheckoutHandlers) retryPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(ctx, w, "checkout")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req retryIntentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	intent, err := h.checkout.RetryPaymentIntent(ctx, services.RetryPaymentIntentCommand{UserID: identity.UID, OrderID: orderID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, intentResponse(intent))
}

func intentResponse(intent services.PaymentIntent) paymentIntentResponse {
	return paymentIntentResponse{
		GatewayOrderID: intent.GatewayOrderID,
		OrderID:        intent.InternalOrderID,
		Amount:         intent.AmountMinor,
		Currency:       intent.Currency,
		Attempts:       intent.Attempts,
	}
}

func (h *CheckoutHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		unavailable(ctx, w, "payment")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	cmd := services.VerifyPaymentCommand{
		UserID:           identity.UID,
		GatewayPaymentID: strings.TrimSpace(req.GatewayPaymentID),
		GatewayOrderID:   strings.TrimSpace(req.GatewayOrderID),
		Signature:        strings.TrimSpace(req.Signature),
		OrderID:          strings.TrimSpace(req.OrderID),
	}
	if cmd.GatewayPaymentID == "" || cmd.GatewayOrderID == "" || cmd.OrderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "gatewayPaymentId, gatewayOrderId and orderId are required", http.StatusBadRequest))
		return
	}

	summary, err := h.reconcile.VerifyPayment(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderSummaryResponse{
		OrderID:     summary.OrderID,
		Status:      string(summary.Status),
		TotalAmount: money(summary.TotalAmount),
		Replayed:    summary.Replayed,
	})
}

func (h *CheckoutHandlers) reportFailure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.failures == nil {
		unavailable(ctx, w, "payment")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req failureRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	orderID, err := h.failures.HandlePaymentFailure(ctx, services.PaymentFailureCommand{
		UserID:         identity.UID,
		OrderID:        strings.TrimSpace(req.OrderID),
		GatewayOrderID: strings.TrimSpace(req.GatewayOrderID),
		Reason:         req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"orderId": orderID, "status": "payment-failed"})
}

func (h *CheckoutHandlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.failures == nil {
		unavailable(ctx, w, "payment")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	err := h.failures.CancelPaymentIntent(ctx, services.CancelPaymentIntentCommand{
		UserID:         identity.UID,
		OrderID:        strings.TrimSpace(req.OrderID),
		GatewayOrderID: strings.TrimSpace(req.GatewayOrderID),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"orderId": strings.TrimSpace(req.OrderID), "status": "cancelled"})
}
