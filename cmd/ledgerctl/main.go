package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront/checkout-api/internal/di"
	"github.com/storefront/checkout-api/internal/platform/config"
	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/platform/observability"
	"github.com/storefront/checkout-api/internal/platform/secrets"
	"github.com/storefront/checkout-api/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := newApp(openWallets, os.Stdout)
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

// openWallets wires the wallet service against the configured Firestore project.
func openWallets(ctx context.Context, opts globalOptions) (services.WalletService, func(), error) {
	logger, err := observability.NewLogger(opts.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	loadOpts := []config.Option{}
	if opts.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(opts.envFile))
	}
	envValues, err := config.EnvironmentValues(loadOpts...)
	if err != nil {
		return nil, nil, err
	}

	resolverOpts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(envValues["API_FIREBASE_PROJECT_ID"]),
	}
	if file := envValues["API_SECRET_LOCAL_FILE"]; file != "" {
		resolverOpts = append(resolverOpts, secrets.WithLocalFile(file))
	}
	resolver, err := secrets.NewResolver(ctx, resolverOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("secrets: %w", err)
	}

	cfg, err := config.Load(ctx, append(loadOpts, config.WithSecretResolver(resolver))...)
	if err != nil {
		_ = resolver.Close()
		return nil, nil, err
	}

	var clientOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(clientOpts...))
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	registry, err := di.NewRegistry(provider, redisClient)
	if err != nil {
		_ = resolver.Close()
		return nil, nil, err
	}
	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithLogger(services.Logger(observability.ServiceLogger(logger.Named("ledgerctl")))),
	)
	if err != nil {
		_ = registry.Close(ctx)
		_ = resolver.Close()
		return nil, nil, err
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
		_ = resolver.Close()
		_ = logger.Sync()
	}
	return container.Services.Wallets, cleanup, nil
}
