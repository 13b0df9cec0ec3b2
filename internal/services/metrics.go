package services

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/storefront/checkout-api/internal/services"

var (
	metricsOnce     sync.Once
	paymentOutcomes metric.Int64Counter
	walletCredits   metric.Float64Counter
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	paymentOutcomes, err = meter.Int64Counter("checkout.payment.outcomes",
		metric.WithDescription("Payment reconciliation outcomes by result."))
	if err != nil {
		otel.Handle(err)
	}
	walletCredits, err = meter.Float64Counter("wallet.credits.amount",
		metric.WithDescription("Amount credited to wallets by transaction type."))
	if err != nil {
		otel.Handle(err)
	}
}

func recordPaymentOutcome(ctx context.Context, outcome string) {
	metricsOnce.Do(initMetrics)
	if paymentOutcomes == nil {
		return
	}
	paymentOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordWalletCredit(ctx context.Context, txType string, amount float64) {
	metricsOnce.Do(initMetrics)
	if walletCredits == nil {
		return
	}
	walletCredits.Add(ctx, amount, metric.WithAttributes(attribute.String("type", txType)))
}
