package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/repositories"
)

var hundred = decimal.NewFromInt(100)

// PricingEngineDeps wires the catalog collaborators read by the pricing engine.
type PricingEngineDeps struct {
	Products repositories.ProductRepository
	Offers   repositories.OfferRepository
	Coupons  repositories.CouponRepository
	Clock    func() time.Time
	Logger   Logger
}

// PricingEngine resolves offers per item and folds the cart coupon into totals.
type PricingEngine struct {
	products repositories.ProductRepository
	offers   repositories.OfferRepository
	coupons  repositories.CouponRepository
	now      func() time.Time
	logger   Logger
}

// NewPricingEngine validates dependencies and returns a PricingEngine.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.Products == nil {
		return nil, errors.New("pricing engine: product repository is required")
	}
	if deps.Offers == nil {
		return nil, errors.New("pricing engine: offer repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("pricing engine: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &PricingEngine{
		products: deps.Products,
		offers:   deps.Offers,
		coupons:  deps.Coupons,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// BestOffer returns the offer with the highest discount among the valid product and category offers.
// When both sides have candidates the product offer wins only when strictly better.
func (e *PricingEngine) BestOffer(ctx context.Context, productID, categoryID string) (*Offer, error) {
	now := e.now()

	var productBest, categoryBest *Offer
	if id := strings.TrimSpace(productID); id != "" {
		offers, err := e.offers.ListOffers(ctx, domain.OfferScopeProduct, id)
		if err != nil {
			return nil, mapRepositoryError(err)
		}
		productBest = bestValidOffer(offers, now)
	}
	if id := strings.TrimSpace(categoryID); id != "" {
		offers, err := e.offers.ListOffers(ctx, domain.OfferScopeCategory, id)
		if err != nil {
			return nil, mapRepositoryError(err)
		}
		categoryBest = bestValidOffer(offers, now)
	}

	switch {
	case productBest == nil:
		return categoryBest, nil
	case categoryBest == nil:
		return productBest, nil
	case productBest.DiscountPercent.GreaterThan(categoryBest.DiscountPercent):
		return productBest, nil
	default:
		// Equal discounts resolve to the category offer.
		return categoryBest, nil
	}
}

func bestValidOffer(offers []domain.Offer, now time.Time) *Offer {
	var best *Offer
	for i := range offers {
		offer := offers[i]
		if !offer.Valid(now) {
			continue
		}
		if best == nil || offer.DiscountPercent.GreaterThan(best.DiscountPercent) {
			best = &offer
		}
	}
	return best
}

// PriceCart prices every purchasable cart line at the current catalog price and applies the cart coupon.
// Blocked products are skipped entirely.
func (e *PricingEngine) PriceCart(ctx context.Context, cart Cart) (PricedCart, error) {
	priced := PricedCart{
		Subtotal:       decimal.Zero,
		OfferDiscount:  decimal.Zero,
		CouponDiscount: decimal.Zero,
		FinalAmount:    decimal.Zero,
	}

	for _, line := range cart.Items {
		if line.Quantity <= 0 {
			continue
		}
		product, err := e.products.GetProduct(ctx, line.ProductID)
		if err != nil {
			if isNotFound(err) {
				e.logger(ctx, "pricing.product_missing", map[string]any{
					"userID":    cart.UserID,
					"productID": line.ProductID,
				})
				continue
			}
			return PricedCart{}, mapRepositoryError(err)
		}
		if product.Blocked {
			continue
		}

		qty := decimal.NewFromInt(int64(line.Quantity))
		item := SnapshotItem{
			ProductID:           product.ID,
			ProductName:         product.Name,
			Size:                line.Size,
			Quantity:            line.Quantity,
			OriginalUnitPrice:   product.Price,
			UnitPriceAfterOffer: product.Price,
		}
		priced.Subtotal = priced.Subtotal.Add(product.Price.Mul(qty))

		offer, err := e.BestOffer(ctx, product.ID, product.CategoryID)
		if err != nil {
			return PricedCart{}, err
		}
		if offer != nil {
			perUnit := domain.RoundCurrency(product.Price.Mul(offer.DiscountPercent).Div(hundred))
			if perUnit.GreaterThan(product.Price) {
				perUnit = product.Price
			}
			pct := offer.DiscountPercent
			item.OfferName = offer.Name
			item.OfferDiscountPercent = &pct
			item.UnitPriceAfterOffer = product.Price.Sub(perUnit)
			priced.OfferDiscount = priced.OfferDiscount.Add(perUnit.Mul(qty))
		}
		priced.Items = append(priced.Items, item)
	}

	afterOffers := priced.Subtotal.Sub(priced.OfferDiscount)
	if code := strings.TrimSpace(cart.CouponCode); code != "" && len(priced.Items) > 0 {
		discount, ok, err := e.couponDiscount(ctx, code, afterOffers)
		if err != nil {
			return PricedCart{}, err
		}
		if ok {
			priced.CouponCode = code
			priced.CouponDiscount = discount
		} else {
			e.logger(ctx, "pricing.coupon_cleared", map[string]any{
				"userID": cart.UserID,
				"coupon": code,
			})
		}
	}

	final := priced.Subtotal.Sub(priced.OfferDiscount).Sub(priced.CouponDiscount)
	if final.Sign() < 0 {
		final = decimal.Zero
	}
	priced.FinalAmount = final
	return priced, nil
}

// couponDiscount returns the rounded discount for code, or false when the coupon does not apply.
func (e *PricingEngine) couponDiscount(ctx context.Context, code string, afterOffers decimal.Decimal) (decimal.Decimal, bool, error) {
	coupon, err := e.coupons.GetCoupon(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, mapRepositoryError(err)
	}
	if !coupon.Valid(e.now()) || afterOffers.LessThan(coupon.MinAmount) {
		return decimal.Zero, false, nil
	}

	var raw decimal.Decimal
	switch coupon.Kind {
	case domain.CouponKindPercentage:
		raw = afterOffers.Mul(coupon.Value).Div(hundred)
		if coupon.MaxAmount != nil && raw.GreaterThan(*coupon.MaxAmount) {
			raw = *coupon.MaxAmount
		}
	case domain.CouponKindFixed:
		raw = coupon.Value
	default:
		return decimal.Zero, false, fmt.Errorf("%w: coupon %s has unknown kind %q", ErrValidation, code, coupon.Kind)
	}
	if raw.GreaterThan(afterOffers) {
		raw = afterOffers
	}
	if raw.Sign() < 0 {
		raw = decimal.Zero
	}
	discount := domain.RoundCurrency(raw)
	if discount.GreaterThan(afterOffers) {
		discount = afterOffers.Floor()
	}
	return discount, true, nil
}

// Snapshot converts the priced cart into a checkout snapshot for userID.
func (p PricedCart) Snapshot(userID string, now time.Time) CheckoutSnapshot {
	items := make([]SnapshotItem, len(p.Items))
	copy(items, p.Items)
	return CheckoutSnapshot{
		UserID:         userID,
		Items:          items,
		Subtotal:       p.Subtotal,
		OfferDiscount:  p.OfferDiscount,
		CouponCode:     p.CouponCode,
		CouponDiscount: p.CouponDiscount,
		FinalAmount:    p.FinalAmount,
		CreatedAt:      now,
	}
}
