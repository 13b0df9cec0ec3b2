package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/storefront/checkout-api/internal/platform/textutil"
)

const stripeReceiptKey = "receipt"

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeGateway implements Gateway on top of Stripe PaymentIntents. The internal order id is carried as
// the intent description and a metadata receipt entry.
type StripeGateway struct {
	api     stripeClients
	account string
	logger  StripeLogger
}

// NewStripeGateway constructs a Stripe backed Gateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents}
	}
	if clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// CreateOrder opens a PaymentIntent for the requested amount.
func (g *StripeGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayOrder, error) {
	if g == nil {
		return GatewayOrder{}, errors.New("stripe: gateway is nil")
	}
	if req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" || strings.TrimSpace(req.Receipt) == "" {
		return GatewayOrder{}, ErrInvalidRequest
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		Description: stripe.String(req.Receipt),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	for k, v := range textutil.NormalizeStringMap(req.Notes) {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(stripeReceiptKey, req.Receipt)

	intent, err := g.api.intents.New(params)
	if err != nil {
		g.logger(ctx, "stripe.create_order.failed", map[string]any{
			"receipt": req.Receipt,
			"error":   err.Error(),
		})
		return GatewayOrder{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return stripeGatewayOrder(intent), nil
}

// FetchOrder retrieves the current PaymentIntent state.
func (g *StripeGateway) FetchOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error) {
	if g == nil {
		return GatewayOrder{}, errors.New("stripe: gateway is nil")
	}
	id := strings.TrimSpace(gatewayOrderID)
	if id == "" {
		return GatewayOrder{}, ErrInvalidRequest
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Get(id, params)
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("stripe: fetch payment intent: %w", err)
	}
	return stripeGatewayOrder(intent), nil
}

// EditOrder cancels the PaymentIntent. Only OrderStatusCancelled is supported.
func (g *StripeGateway) EditOrder(ctx context.Context, gatewayOrderID string, status OrderStatus) (GatewayOrder, error) {
	if g == nil {
		return GatewayOrder{}, errors.New("stripe: gateway is nil")
	}
	id := strings.TrimSpace(gatewayOrderID)
	if id == "" {
		return GatewayOrder{}, ErrInvalidRequest
	}
	if status != OrderStatusCancelled {
		return GatewayOrder{}, fmt.Errorf("%w: %s", ErrUnsupportedStatus, status)
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Cancel(id, params)
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	return stripeGatewayOrder(intent), nil
}

func stripeGatewayOrder(intent *stripe.PaymentIntent) GatewayOrder {
	if intent == nil {
		return GatewayOrder{}
	}

	status := OrderStatusCreated
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = OrderStatusPaid
	case stripe.PaymentIntentStatusCanceled:
		status = OrderStatusCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			status = OrderStatusAttempted
		}
	}

	notes := maps.Clone(intent.Metadata)
	receipt := intent.Description
	if v, ok := notes[stripeReceiptKey]; ok {
		receipt = v
		delete(notes, stripeReceiptKey)
	}

	var created time.Time
	if intent.Created > 0 {
		created = time.Unix(intent.Created, 0).UTC()
	}

	return GatewayOrder{
		ID:        intent.ID,
		Receipt:   receipt,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
		Status:    status,
		Notes:     notes,
		CreatedAt: created,
	}
}
