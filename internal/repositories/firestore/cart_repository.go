package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/checkout-api/internal/domain"
	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/repositories"
)

// CartRepository reads and clears the cart documents keyed by user id.
type CartRepository struct {
	carts *pfirestore.Collection[cartDocument]
	clock func() time.Time
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewCollection[cartDocument](provider, cartCollection, nil),
		clock: time.Now,
	}, nil
}

// GetCart returns the user's cart. A missing document reads as an empty cart.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	doc, err := r.carts.Get(ctx, userID)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Cart{UserID: userID}, nil
		}
		return domain.Cart{}, err
	}
	return doc.toDomain(userID), nil
}

// ClearCart empties the items and detaches the coupon.
func (r *CartRepository) ClearCart(ctx context.Context, userID string) error {
	ref, err := r.carts.DocumentRef(ctx, strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]any{
		"items":      []cartItemDocument{},
		"couponCode": firestore.Delete,
		"updatedAt":  r.clock().UTC(),
	}, firestore.MergeAll)
	return pfirestore.WrapError("carts.clear", err)
}

type cartDocument struct {
	Items      []cartItemDocument `firestore:"items"`
	CouponCode string             `firestore:"couponCode,omitempty"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string  `firestore:"productId"`
	Size      string  `firestore:"size"`
	Quantity  int     `firestore:"quantity"`
	UnitPrice float64 `firestore:"price"`
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	cart := domain.Cart{
		UserID:     userID,
		CouponCode: strings.TrimSpace(d.CouponCode),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	for _, item := range d.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Size:      strings.TrimSpace(item.Size),
			Quantity:  item.Quantity,
			UnitPrice: numberToAmount(item.UnitPrice),
		})
	}
	return cart
}
