package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletTransactionType classifies ledger entries.
type WalletTransactionType string

const (
	WalletCredit WalletTransactionType = "credit"
	WalletDebit  WalletTransactionType = "debit"
	WalletRefund WalletTransactionType = "refund"
)

// WalletTransactionStatus mirrors the persisted status field.
type WalletTransactionStatus string

const (
	WalletTransactionPending   WalletTransactionStatus = "pending"
	WalletTransactionCompleted WalletTransactionStatus = "completed"
	WalletTransactionFailed    WalletTransactionStatus = "failed"
)

// WalletTransaction is an append-only ledger entry.
type WalletTransaction struct {
	ID               string
	UserID           string
	Type             WalletTransactionType
	Amount           decimal.Decimal
	Description      string
	ResultingBalance decimal.Decimal
	Status           WalletTransactionStatus
	OrderID          string
	// Adjustment marks reconciliation entries; they record a correction and are not folded.
	Adjustment bool
	CreatedAt  time.Time
}

// SignedAmount is the entry's contribution to the balance.
func (t WalletTransaction) SignedAmount() decimal.Decimal {
	if t.Type == WalletDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Wallet is the canonical balance view of a user.
type Wallet struct {
	UserID  string
	Balance decimal.Decimal
}
