package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storefront/checkout-api/internal/payments"
	"github.com/storefront/checkout-api/internal/platform/config"
	"github.com/storefront/checkout-api/internal/repositories"
	"github.com/storefront/checkout-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Checkout services stay nil
// when no payment gateway is configured.
type Services struct {
	Pricing        services.PricingService
	Checkout       services.CheckoutService
	Reconciliation services.PaymentReconciliationService
	Failures       services.PaymentFailureService
	Orders         services.OrderService
	Wallets        services.WalletService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	gateway payments.Gateway
	events  services.EventPublisher
	logger  services.Logger
	clock   func() time.Time
}

// WithGateway supplies a payment gateway instead of building one from configuration.
func WithGateway(gateway payments.Gateway) Option {
	return func(o *containerOptions) { o.gateway = gateway }
}

// WithEvents sets the domain event publisher.
func WithEvents(events services.EventPublisher) Option {
	return func(o *containerOptions) { o.events = events }
}

// WithLogger sets the service logger hook.
func WithLogger(logger services.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithClock overrides time.Now for every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.clock == nil {
		options.clock = time.Now
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, opts containerOptions) (Services, error) {
	var svc Services

	wallets, err := services.NewWalletService(services.WalletServiceDeps{
		Wallets: reg.Wallets(),
		Events:  opts.events,
		Clock:   opts.clock,
		Logger:  opts.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build wallet service: %w", err)
	}
	svc.Wallets = wallets

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    reg.Orders(),
		Inventory: reg.Inventory(),
		Wallet:    wallets,
		Events:    opts.events,
		Currency:  cfg.Gateway.Currency,
		Clock:     opts.clock,
		Logger:    opts.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Products: reg.Products(),
		Offers:   reg.Offers(),
		Coupons:  reg.Coupons(),
		Clock:    opts.clock,
		Logger:   opts.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	gateway, err := buildGateway(cfg.Gateway, opts)
	if err != nil {
		return Services{}, err
	}
	if gateway == nil {
		return svc, nil
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:      reg.Carts(),
		Products:   reg.Products(),
		Addresses:  reg.Addresses(),
		Inventory:  reg.Inventory(),
		Sessions:   reg.Sessions(),
		Pricing:    pricing,
		Gateway:    gateway,
		Currency:   cfg.Gateway.Currency,
		SessionTTL: cfg.Checkout.SessionTTL,
		PendingTTL: cfg.Checkout.PendingTTL,
		Clock:      opts.clock,
		Logger:     opts.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	failures, err := services.NewPaymentFailureService(services.PaymentFailureDeps{
		Sessions:   reg.Sessions(),
		Orders:     reg.Orders(),
		Carts:      reg.Carts(),
		Inventory:  reg.Inventory(),
		Gateway:    gateway,
		Events:     opts.events,
		PendingTTL: cfg.Checkout.PendingTTL,
		Clock:      opts.clock,
		Logger:     opts.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment failure service: %w", err)
	}
	svc.Failures = failures

	if strings.TrimSpace(cfg.Gateway.SignatureSecret) != "" {
		reconciliation, err := services.NewPaymentReconciliationService(services.PaymentReconciliationDeps{
			Sessions:         reg.Sessions(),
			Orders:           reg.Orders(),
			Carts:            reg.Carts(),
			Coupons:          reg.Coupons(),
			Events:           opts.events,
			SignatureSecret:  cfg.Gateway.SignatureSecret,
			RequireSignature: cfg.Gateway.RequireSignature,
			Clock:            opts.clock,
			Logger:           opts.logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment reconciliation service: %w", err)
		}
		svc.Reconciliation = reconciliation
	}

	return svc, nil
}

func buildGateway(cfg config.GatewayConfig, opts containerOptions) (payments.Gateway, error) {
	if opts.gateway != nil {
		return opts.gateway, nil
	}
	if strings.TrimSpace(cfg.StripeAPIKey) == "" {
		return nil, nil
	}
	stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey: cfg.StripeAPIKey,
		Logger: payments.StripeLogger(opts.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe gateway: %w", err)
	}
	failures := cfg.BreakerFailures
	if failures < 0 {
		failures = 0
	}
	breaker, err := payments.NewBreakerGateway(stripeGateway, payments.BreakerConfig{
		Name:                "stripe",
		ConsecutiveFailures: uint32(failures),
		OpenTimeout:         cfg.BreakerTimeout,
		Logger:              payments.StripeLogger(opts.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway breaker: %w", err)
	}
	return breaker, nil
}
