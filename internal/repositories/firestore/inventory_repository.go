package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/repositories"
)

// InventoryRepository mutates the stock map on product documents.
type InventoryRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository constructs a Firestore-backed stock cell repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{provider: provider, clock: time.Now}, nil
}

// AdjustStock applies delta to products/{id}.stock[size] inside a transaction.
func (r *InventoryRepository) AdjustStock(ctx context.Context, productID, size string, delta int) (int, error) {
	productID = strings.TrimSpace(productID)
	size = strings.TrimSpace(size)
	if productID == "" || size == "" {
		return 0, repositories.NewInventoryError(repositories.InventoryErrorUnknown, productID, size, errors.New("product id and size are required"))
	}

	coll, err := r.provider.Collection(ctx, productCollection)
	if err != nil {
		return 0, err
	}
	ref := coll.Doc(productID)
	path := firestore.FieldPath{"stock", size}

	var result int
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFoundStatus(err) {
				return stockError(repositories.InventoryErrorStockNotFound, productID, size, err)
			}
			return pfirestore.WrapError("inventory.adjust", err)
		}

		raw, err := snap.DataAtPath(path)
		if err != nil {
			// Restocking may open a size that was never listed; decrements need an existing cell.
			if delta < 0 {
				return stockError(repositories.InventoryErrorStockNotFound, productID, size, err)
			}
			raw = int64(0)
		}
		next := anyToInt(raw) + delta
		if next < 0 {
			return stockError(repositories.InventoryErrorInsufficientStock, productID, size, nil)
		}
		result = next
		return tx.Update(ref, []firestore.Update{
			{FieldPath: path, Value: next},
			{Path: "updatedAt", Value: r.clock().UTC()},
		})
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func stockError(code repositories.InventoryErrorCode, productID, size string, err error) error {
	invErr := repositories.NewInventoryError(code, productID, size, err)
	invErr.Op = "inventory.adjust"
	return invErr
}
