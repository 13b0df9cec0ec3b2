package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/repositories"
)

const (
	defaultWalletWriteAttempts = 5
	reconcileDescription       = "Balance reconciliation adjustment"
)

// reconcileEpsilon is the tolerated drift between the cached balance and the ledger fold.
var reconcileEpsilon = decimal.RequireFromString("0.01")

// WalletServiceDeps wires the ledger store and ambient collaborators.
type WalletServiceDeps struct {
	Wallets repositories.WalletRepository
	Events  EventPublisher
	// MaxAttempts bounds optimistic retries when the balance changes underneath a write.
	MaxAttempts int
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type walletService struct {
	wallets     repositories.WalletRepository
	events      EventPublisher
	maxAttempts int
	now         func() time.Time
	newID       func() string
	logger      Logger
}

// NewWalletService constructs the wallet ledger service.
func NewWalletService(deps WalletServiceDeps) (WalletService, error) {
	if deps.Wallets == nil {
		return nil, errors.New("wallet service: wallet repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultWalletWriteAttempts
	}
	return &walletService{
		wallets:     deps.Wallets,
		events:      deps.Events,
		maxAttempts: attempts,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

// Credit adds a positive amount to the balance and appends the matching ledger entry in one write. A credit
// carrying a TransactionID that is already in the ledger is not applied again.
func (s *walletService) Credit(ctx context.Context, cmd CreditCommand) (WalletTransaction, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return WalletTransaction{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if cmd.Amount.Sign() <= 0 {
		return WalletTransaction{}, fmt.Errorf("%w: credit amount must be positive", ErrValidation)
	}
	txType := cmd.Type
	switch txType {
	case "":
		txType = domain.WalletCredit
	case domain.WalletCredit, domain.WalletRefund:
	default:
		return WalletTransaction{}, fmt.Errorf("%w: unsupported credit type %q", ErrValidation, txType)
	}
	description := strings.TrimSpace(cmd.Description)
	if description == "" {
		description = "Wallet " + string(txType)
	}

	entryID := strings.TrimSpace(cmd.TransactionID)
	if entryID == "" {
		entryID = s.newID()
	}

	var entry WalletTransaction
	err := s.writeWithRetry(ctx, userID, false, func(balance decimal.Decimal, _ []WalletTransaction) *WalletTransaction {
		entry = WalletTransaction{
			ID:               entryID,
			UserID:           userID,
			Type:             txType,
			Amount:           cmd.Amount,
			Description:      description,
			ResultingBalance: balance.Add(cmd.Amount),
			Status:           domain.WalletTransactionCompleted,
			OrderID:          strings.TrimSpace(cmd.OrderID),
			CreatedAt:        s.now(),
		}
		return &entry
	})
	if err != nil {
		return WalletTransaction{}, err
	}

	amount, _ := entry.Amount.Float64()
	recordWalletCredit(ctx, string(entry.Type), amount)
	s.logger(ctx, "wallet.credited", map[string]any{
		"userID":  userID,
		"type":    string(entry.Type),
		"amount":  entry.Amount.String(),
		"balance": entry.ResultingBalance.String(),
		"orderID": entry.OrderID,
	})
	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventWalletCredited,
		OrderID:    entry.OrderID,
		UserID:     userID,
		Amount:     entry.Amount,
		OccurredAt: entry.CreatedAt,
		Metadata:   map[string]any{"transactionType": string(entry.Type), "balance": entry.ResultingBalance.String()},
	})
	return entry, nil
}

// ReconcileBalance folds the ledger and, when the cached balance drifted by more than the epsilon, overwrites
// it and appends one adjustment entry. Adjustment entries are excluded from the fold so a second run is a no-op.
func (s *walletService) ReconcileBalance(ctx context.Context, userID string) (ReconcileResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	result := ReconcileResult{UserID: userID}
	err := s.writeWithRetry(ctx, userID, true, func(stored decimal.Decimal, entries []WalletTransaction) *WalletTransaction {
		computed := FoldLedger(entries)
		result.Stored = stored
		result.Computed = computed
		result.Adjusted = false
		result.Adjustment = nil

		delta := computed.Sub(stored)
		if delta.Abs().LessThanOrEqual(reconcileEpsilon) {
			return nil
		}
		adjustment := WalletTransaction{
			ID:               s.newID(),
			UserID:           userID,
			Type:             domain.WalletCredit,
			Amount:           delta.Abs(),
			Description:      reconcileDescription,
			ResultingBalance: computed,
			Status:           domain.WalletTransactionCompleted,
			Adjustment:       true,
			CreatedAt:        s.now(),
		}
		if delta.Sign() < 0 {
			adjustment.Type = domain.WalletDebit
		}
		result.Adjusted = true
		result.Adjustment = &adjustment
		return &adjustment
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	if result.Adjusted {
		s.logger(ctx, "wallet.reconciled", map[string]any{
			"userID":   userID,
			"stored":   result.Stored.String(),
			"computed": result.Computed.String(),
		})
	}
	return result, nil
}

// GetWallet returns the balance with the ledger history.
func (s *walletService) GetWallet(ctx context.Context, userID string) (WalletView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return WalletView{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	balance, err := s.wallets.GetBalance(ctx, userID)
	if err != nil {
		return WalletView{}, mapRepositoryError(err)
	}
	entries, err := s.wallets.ListTransactions(ctx, userID)
	if err != nil {
		return WalletView{}, mapRepositoryError(err)
	}
	return WalletView{UserID: userID, Balance: balance, Transactions: entries}, nil
}

// FoldLedger sums non-adjustment, non-failed entries in order: credits and refunds add, debits subtract.
func FoldLedger(entries []WalletTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range entries {
		if entry.Adjustment || entry.Status == domain.WalletTransactionFailed {
			continue
		}
		total = total.Add(entry.SignedAmount())
	}
	return total
}

// writeWithRetry reads the balance (and the ledger when withLedger is set), lets plan build the entry to append
// and writes it with the read balance as precondition. A nil entry means nothing to write. Conflicts with a
// concurrent writer are retried up to maxAttempts.
func (s *walletService) writeWithRetry(ctx context.Context, userID string, withLedger bool, plan func(balance decimal.Decimal, entries []WalletTransaction) *WalletTransaction) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		balance, err := s.wallets.GetBalance(ctx, userID)
		if err != nil {
			return mapRepositoryError(err)
		}
		var entries []WalletTransaction
		if withLedger {
			entries, err = s.wallets.ListTransactions(ctx, userID)
			if err != nil {
				return mapRepositoryError(err)
			}
		}
		entry := plan(balance, entries)
		if entry == nil {
			return nil
		}

		err = s.wallets.AppendTransaction(ctx, *entry, balance)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return mapRepositoryError(err)
		}
		s.logger(ctx, "wallet.write_conflict", map[string]any{
			"userID":  userID,
			"attempt": attempt,
		})
	}
	return fmt.Errorf("%w: wallet balance kept changing after %d attempts", ErrUnavailable, s.maxAttempts)
}
