package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/storefront/checkout-api/internal/di"
	"github.com/storefront/checkout-api/internal/handlers"
	"github.com/storefront/checkout-api/internal/platform/auth"
	"github.com/storefront/checkout-api/internal/platform/config"
	"github.com/storefront/checkout-api/internal/platform/events"
	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/platform/idempotency"
	"github.com/storefront/checkout-api/internal/platform/observability"
	"github.com/storefront/checkout-api/internal/platform/requestctx"
	"github.com/storefront/checkout-api/internal/platform/secrets"
	"github.com/storefront/checkout-api/internal/repositories"
	"github.com/storefront/checkout-api/internal/services"
)

const defaultPaymentAttemptsPerMinute = 10

func main() {
	ctx := context.Background()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var clientOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(clientOpts...))
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	registry, err := di.NewRegistry(firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg, clientOpts)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err), zap.String("backend", cfg.Events.Backend))
	}

	serviceLogger := services.Logger(observability.ServiceLogger(logger.Named("services")))
	containerOpts := []di.Option{di.WithLogger(serviceLogger)}
	if publisher != nil {
		containerOpts = append(containerOpts, di.WithEvents(publisher))
	}
	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	if container.Services.Checkout == nil {
		logger.Warn("payment gateway not configured; checkout routes disabled")
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyMiddleware := idempotency.Middleware(
		idempotency.NewRedisStore(redisClient),
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	svc := container.Services
	checkoutHandlers := handlers.NewCheckoutHandlers(handlers.CheckoutHandlerDeps{
		Authn:                    authenticator,
		Checkout:                 svc.Checkout,
		Reconciliation:           svc.Reconciliation,
		Failures:                 svc.Failures,
		Idempotency:              idempotencyMiddleware,
		PaymentAttemptsPerMinute: defaultPaymentAttemptsPerMinute,
	})
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders)
	walletHandlers := handlers.NewWalletHandlers(authenticator, svc.Wallets)
	adminHandlers := handlers.NewAdminHandlers(authenticator, svc.Orders, svc.Wallets)

	healthRepo, err := repositories.NewDependencyHealthRepository(dependencyChecks(firestoreProvider, redisClient), time.Now)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg)),
		handlers.WithHealthProbes(healthRepo),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.Trace(projectID),
			observability.RequestLogger(logger.Named("http")),
			observability.Recoverer,
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithMeRoutes(walletHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	}
	if svc.Checkout != nil {
		opts = append(opts, handlers.WithCheckoutRoutes(checkoutHandlers.Routes))
	}
	if verifier := newServiceVerifier(logger, cfg); verifier != nil {
		internalHandlers := handlers.NewInternalHandlers(verifier, svc.Wallets)
		opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := closePublisher(); err != nil {
		logger.Warn("event publisher close error", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
	}
}

func dependencyChecks(provider *pfirestore.Provider, redisClient goredis.UniversalClient) []repositories.DependencyCheck {
	return []repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				coll, err := provider.Collection(ctx, "orders")
				if err != nil {
					return err
				}
				iter := coll.Limit(1).Documents(ctx)
				defer iter.Stop()
				if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
					return err
				}
				return nil
			},
		},
		{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	}
}

func newEventPublisher(ctx context.Context, cfg config.Config, clientOpts []option.ClientOption) (services.EventPublisher, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID, clientOpts...)
		if err != nil {
			return nil, noop, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic))
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return publisher, func() error {
			return errors.Join(publisher.Close(), client.Close())
		}, nil
	case config.EventsBackendRabbitMQ:
		publisher, err := events.DialRabbit(cfg.Events.RabbitURL, cfg.Events.RabbitQueue)
		if err != nil {
			return nil, noop, err
		}
		return publisher, publisher.Close, nil
	default:
		return nil, noop, nil
	}
}

func newServiceVerifier(logger *zap.Logger, cfg config.Config) *auth.ServiceVerifier {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	keys := auth.NewJWKSCache(oidc.JWKSURL, &http.Client{Timeout: 5 * time.Second}, time.Now)
	return auth.NewServiceVerifier(keys, oidc.Audience, oidc.Issuers, logger.Named("auth"))
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if localFile := lookup("API_SECRET_LOCAL_FILE"); localFile != "" {
		opts = append(opts, secrets.WithLocalFile(localFile))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists the secrets a deployed environment cannot start without.
func requiredSecretNames(env map[string]string) []string {
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment == "" || environment == "local" || environment == "test" {
		return nil
	}
	return []string{"Gateway.StripeAPIKey", "Gateway.SignatureSecret"}
}
