package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/repositories"
)

const walletField = "wallet"

// WalletRepository keeps the cached balance on users/{uid}.wallet and the ledger in walletTransactions.
type WalletRepository struct {
	provider     *pfirestore.Provider
	users        *pfirestore.Collection[decimal.Decimal]
	transactions *pfirestore.Collection[domain.WalletTransaction]
}

var _ repositories.WalletRepository = (*WalletRepository)(nil)

// NewWalletRepository constructs a Firestore-backed wallet repository.
func NewWalletRepository(provider *pfirestore.Provider) (*WalletRepository, error) {
	if provider == nil {
		return nil, errors.New("wallet repository requires firestore provider")
	}
	return &WalletRepository{
		provider:     provider,
		users:        pfirestore.NewCollection[decimal.Decimal](provider, userCollection, walletBalance),
		transactions: pfirestore.NewCollection[domain.WalletTransaction](provider, walletTransactionCollection, decodeWalletTransaction),
	}, nil
}

// GetBalance returns the stored balance. Users without a wallet read as zero.
func (r *WalletRepository) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := r.users.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance, nil
}

// AppendTransaction writes the ledger entry and the new balance together, rejecting the write with a
// conflict when the balance changed since the caller read expected. An existing entry with the same id means
// the write already happened, so nothing is written.
func (r *WalletRepository) AppendTransaction(ctx context.Context, entry domain.WalletTransaction, expected decimal.Decimal) error {
	userID := strings.TrimSpace(entry.UserID)
	if userID == "" || strings.TrimSpace(entry.ID) == "" {
		return errors.New("wallet repository: user id and transaction id are required")
	}
	userRef, err := r.users.DocumentRef(ctx, userID)
	if err != nil {
		return err
	}
	entryRef, err := r.transactions.DocumentRef(ctx, entry.ID)
	if err != nil {
		return err
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current := decimal.Zero
		snap, err := tx.Get(userRef)
		switch {
		case err == nil:
			if current, err = walletBalance(snap); err != nil {
				return err
			}
		case !pfirestore.IsNotFoundStatus(err):
			return pfirestore.WrapError("wallet.append", err)
		}
		if _, err := tx.Get(entryRef); err == nil {
			return nil
		} else if !pfirestore.IsNotFoundStatus(err) {
			return pfirestore.WrapError("wallet.append", err)
		}
		if !current.Round(2).Equal(expected.Round(2)) {
			return pfirestore.Conflict("wallet.append", "balance for %s is %s, expected %s", userID, current.StringFixed(2), expected.StringFixed(2))
		}

		if err := tx.Set(userRef, map[string]any{
			walletField: map[string]any{"balance": amountToNumber(entry.ResultingBalance)},
		}, firestore.Merge(firestore.FieldPath{walletField})); err != nil {
			return err
		}
		return tx.Create(entryRef, newWalletTransactionDocument(entry))
	})
}

// ListTransactions returns the user's ledger, oldest first.
func (r *WalletRepository) ListTransactions(ctx context.Context, userID string) ([]domain.WalletTransaction, error) {
	return r.transactions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", strings.TrimSpace(userID)).OrderBy("date", firestore.Asc)
	})
}

// walletBalance accepts both the canonical {balance: n} map and the legacy bare number.
func walletBalance(snap *firestore.DocumentSnapshot) (decimal.Decimal, error) {
	raw, err := snap.DataAt(walletField)
	if err != nil {
		// No wallet field yet.
		return decimal.Zero, nil
	}
	if shaped, ok := raw.(map[string]any); ok {
		raw = shaped["balance"]
	}
	balance, err := anyToAmount(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallet of %s: %w", snap.Ref.ID, err)
	}
	return balance, nil
}

type walletTransactionDocument struct {
	UserID      string    `firestore:"userId"`
	Type        string    `firestore:"type"`
	Amount      float64   `firestore:"amount"`
	Description string    `firestore:"description"`
	Balance     float64   `firestore:"balance"`
	Status      string    `firestore:"status"`
	OrderID     string    `firestore:"orderId,omitempty"`
	Adjustment  bool      `firestore:"adjustment,omitempty"`
	Date        time.Time `firestore:"date"`
}

func newWalletTransactionDocument(entry domain.WalletTransaction) walletTransactionDocument {
	return walletTransactionDocument{
		UserID:      entry.UserID,
		Type:        string(entry.Type),
		Amount:      amountToNumber(entry.Amount),
		Description: entry.Description,
		Balance:     amountToNumber(entry.ResultingBalance),
		Status:      string(entry.Status),
		OrderID:     entry.OrderID,
		Adjustment:  entry.Adjustment,
		Date:        entry.CreatedAt.UTC(),
	}
}

func decodeWalletTransaction(snap *firestore.DocumentSnapshot) (domain.WalletTransaction, error) {
	var doc walletTransactionDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.WalletTransaction{}, err
	}
	return domain.WalletTransaction{
		ID:               snap.Ref.ID,
		UserID:           doc.UserID,
		Type:             domain.WalletTransactionType(doc.Type),
		Amount:           numberToAmount(doc.Amount),
		Description:      doc.Description,
		ResultingBalance: numberToAmount(doc.Balance),
		Status:           domain.WalletTransactionStatus(doc.Status),
		OrderID:          doc.OrderID,
		Adjustment:       doc.Adjustment,
		CreatedAt:        doc.Date.UTC(),
	}, nil
}
