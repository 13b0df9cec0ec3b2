package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/platform/auth"
	"github.com/storefront/checkout-api/internal/services"
)

// WalletHandlers serves the shopper wallet view.
type WalletHandlers struct {
	authn   *auth.Authenticator
	wallets services.WalletService
}

// NewWalletHandlers constructs /me wallet handlers.
func NewWalletHandlers(authn *auth.Authenticator, wallets services.WalletService) *WalletHandlers {
	return &WalletHandlers{authn: authn, wallets: wallets}
}

// Routes registers the /me endpoints.
func (h *WalletHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser())
	}
	r.Get("/wallet", h.getWallet)
}

type transactionPayload struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Amount      json.Number `json:"amount"`
	Balance     json.Number `json:"balance"`
	Description string      `json:"description,omitempty"`
	Status      string      `json:"status"`
	OrderID     string      `json:"orderId,omitempty"`
	Adjustment  bool        `json:"adjustment,omitempty"`
	Date        string      `json:"date"`
}

type walletResponse struct {
	UserID       string               `json:"userId"`
	Balance      json.Number          `json:"balance"`
	Transactions []transactionPayload `json:"transactions"`
}

func (h *WalletHandlers) getWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		unavailable(ctx, w, "wallet")
		return
	}
	identity, ok := currentUser(w, r)
	if !ok {
		return
	}

	view, err := h.wallets.GetWallet(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := walletResponse{
		UserID:       view.UserID,
		Balance:      money(view.Balance),
		Transactions: make([]transactionPayload, 0, len(view.Transactions)),
	}
	for _, tx := range view.Transactions {
		resp.Transactions = append(resp.Transactions, buildTransactionPayload(tx))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func buildTransactionPayload(tx domain.WalletTransaction) transactionPayload {
	return transactionPayload{
		ID:          tx.ID,
		Type:        string(tx.Type),
		Amount:      money(tx.Amount),
		Balance:     money(tx.ResultingBalance),
		Description: tx.Description,
		Status:      string(tx.Status),
		OrderID:     tx.OrderID,
		Adjustment:  tx.Adjustment,
		Date:        formatTime(tx.CreatedAt),
	}
}

// InternalHandlers serves endpoints called by schedulers with a Google-signed service token.
type InternalHandlers struct {
	verifier *auth.ServiceVerifier
	wallets  services.WalletService
}

// NewInternalHandlers constructs /internal handlers.
func NewInternalHandlers(verifier *auth.ServiceVerifier, wallets services.WalletService) *InternalHandlers {
	return &InternalHandlers{verifier: verifier, wallets: wallets}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.verifier != nil {
		r.Use(h.verifier.RequireService())
	}
	r.Post("/wallets/{userID}/reconcile", h.reconcileWallet)
}

type reconcileResponse struct {
	UserID     string              `json:"userId"`
	Stored     json.Number         `json:"stored"`
	Computed   json.Number         `json:"computed"`
	Adjusted   bool                `json:"adjusted"`
	Adjustment *transactionPayload `json:"adjustment,omitempty"`
}

func (h *InternalHandlers) reconcileWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		unavailable(ctx, w, "wallet")
		return
	}
	result, err := h.wallets.ReconcileBalance(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := reconcileResponse{
		UserID:   result.UserID,
		Stored:   money(result.Stored),
		Computed: money(result.Computed),
		Adjusted: result.Adjusted,
	}
	if result.Adjustment != nil {
		payload := buildTransactionPayload(*result.Adjustment)
		resp.Adjustment = &payload
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
