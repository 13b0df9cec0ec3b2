package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/repositories"
)

// CatalogRepository reads products, offers and coupons maintained by the admin tooling.
type CatalogRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[domain.Product]
	offers   *pfirestore.Collection[domain.Offer]
	coupons  *pfirestore.Collection[domain.Coupon]
}

var (
	_ repositories.ProductRepository = (*CatalogRepository)(nil)
	_ repositories.OfferRepository   = (*CatalogRepository)(nil)
	_ repositories.CouponRepository  = (*CatalogRepository)(nil)
)

// NewCatalogRepository constructs the catalogue reader.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		provider: provider,
		products: pfirestore.NewCollection[domain.Product](provider, productCollection, decodeProduct),
		offers:   pfirestore.NewCollection[domain.Offer](provider, offerCollection, decodeOffer),
		coupons:  pfirestore.NewCollection[domain.Coupon](provider, couponCollection, decodeCoupon),
	}, nil
}

// GetProduct loads a product by id.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return r.products.Get(ctx, strings.TrimSpace(productID))
}

// ListOffers returns every offer with the given scope and target. Validity is evaluated by the pricing engine.
func (r *CatalogRepository) ListOffers(ctx context.Context, scope domain.OfferScope, targetID string) ([]domain.Offer, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, nil
	}
	return r.offers.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("scope", "==", string(scope)).Where("targetId", "==", targetID)
	})
}

// GetCoupon loads a coupon. Codes are stored upper case.
func (r *CatalogRepository) GetCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	return r.coupons.Get(ctx, normalizeCouponCode(code))
}

// RecordUsage increments the usage counter and adds the user to usedBy in one write.
func (r *CatalogRepository) RecordUsage(ctx context.Context, code, userID string) error {
	ref, err := r.coupons.DocumentRef(ctx, normalizeCouponCode(code))
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return pfirestore.WrapError("coupons.recordUsage", err)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "usageCount", Value: firestore.Increment(1)},
			{Path: "usedBy", Value: firestore.ArrayUnion(strings.TrimSpace(userID))},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type productDocument struct {
	Name       string         `firestore:"name"`
	CategoryID string         `firestore:"categoryId"`
	Price      float64        `firestore:"price"`
	Blocked    bool           `firestore:"isBlocked"`
	Stock      map[string]any `firestore:"stock"`
	UpdatedAt  time.Time      `firestore:"updatedAt"`
}

func decodeProduct(snap *firestore.DocumentSnapshot) (domain.Product, error) {
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, err
	}
	stock := make(map[string]int, len(doc.Stock))
	for size, qty := range doc.Stock {
		stock[size] = anyToInt(qty)
	}
	return domain.Product{
		ID:         snap.Ref.ID,
		Name:       strings.TrimSpace(doc.Name),
		CategoryID: strings.TrimSpace(doc.CategoryID),
		Price:      numberToAmount(doc.Price),
		Blocked:    doc.Blocked,
		Stock:      stock,
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}, nil
}

type offerDocument struct {
	Name            string    `firestore:"name"`
	Scope           string    `firestore:"scope"`
	TargetID        string    `firestore:"targetId"`
	DiscountPercent float64   `firestore:"discountPercent"`
	StartDate       time.Time `firestore:"startDate"`
	EndDate         time.Time `firestore:"endDate"`
	Status          string    `firestore:"status"`
}

func decodeOffer(snap *firestore.DocumentSnapshot) (domain.Offer, error) {
	var doc offerDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Offer{}, err
	}
	return domain.Offer{
		ID:              snap.Ref.ID,
		Name:            doc.Name,
		Scope:           domain.OfferScope(strings.ToLower(strings.TrimSpace(doc.Scope))),
		TargetID:        doc.TargetID,
		DiscountPercent: decimal.NewFromFloat(doc.DiscountPercent),
		StartDate:       doc.StartDate.UTC(),
		EndDate:         doc.EndDate.UTC(),
		Status:          domain.OfferStatus(strings.ToLower(strings.TrimSpace(doc.Status))),
	}, nil
}

type couponDocument struct {
	Kind       string     `firestore:"discountType"`
	Value      float64    `firestore:"discountValue"`
	MinAmount  float64    `firestore:"minOrderAmount"`
	MaxAmount  *float64   `firestore:"maxDiscountAmount"`
	ValidFrom  *time.Time `firestore:"validFrom"`
	ValidUntil *time.Time `firestore:"validUntil"`
	IsActive   bool       `firestore:"isActive"`
	UsageLimit *int       `firestore:"usageLimit"`
	UsageCount int        `firestore:"usageCount"`
	UsedBy     []string   `firestore:"usedBy"`
}

func decodeCoupon(snap *firestore.DocumentSnapshot) (domain.Coupon, error) {
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Coupon{}, err
	}
	coupon := domain.Coupon{
		Code:       snap.Ref.ID,
		Kind:       domain.CouponKind(strings.ToLower(strings.TrimSpace(doc.Kind))),
		Value:      numberToAmount(doc.Value),
		MinAmount:  numberToAmount(doc.MinAmount),
		ValidFrom:  optionalTime(doc.ValidFrom),
		ValidUntil: optionalTime(doc.ValidUntil),
		IsActive:   doc.IsActive,
		UsageLimit: doc.UsageLimit,
		UsageCount: doc.UsageCount,
		UsedBy:     append([]string(nil), doc.UsedBy...),
	}
	if doc.MaxAmount != nil {
		limit := numberToAmount(*doc.MaxAmount)
		coupon.MaxAmount = &limit
	}
	return coupon, nil
}
