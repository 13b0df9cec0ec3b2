package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the slice of the catalogue the checkout pipeline reads.
type Product struct {
	ID         string
	Name       string
	CategoryID string
	Price      decimal.Decimal
	Blocked    bool
	Stock      map[string]int
	UpdatedAt  time.Time
}

// StockFor reports the on-hand quantity for a size.
func (p Product) StockFor(size string) int {
	if p.Stock == nil {
		return 0
	}
	return p.Stock[size]
}

// OfferScope selects what an offer targets.
type OfferScope string

const (
	OfferScopeProduct  OfferScope = "product"
	OfferScopeCategory OfferScope = "category"
)

// OfferStatus toggles an offer on or off independently of its window.
type OfferStatus string

const (
	OfferStatusActive   OfferStatus = "active"
	OfferStatusInactive OfferStatus = "inactive"
)

// Offer is a time-bounded percentage discount owned by the admin collaborator.
type Offer struct {
	ID              string
	Name            string
	Scope           OfferScope
	TargetID        string
	DiscountPercent decimal.Decimal
	StartDate       time.Time
	EndDate         time.Time
	Status          OfferStatus
}

// Valid reports whether the offer is active and now falls inside its window (inclusive).
func (o Offer) Valid(now time.Time) bool {
	if o.Status != OfferStatusActive {
		return false
	}
	if o.DiscountPercent.Sign() <= 0 || o.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return false
	}
	if !o.StartDate.IsZero() && now.Before(o.StartDate) {
		return false
	}
	if !o.EndDate.IsZero() && now.After(o.EndDate) {
		return false
	}
	return true
}

// CouponKind distinguishes fixed amount coupons from percentage coupons.
type CouponKind string

const (
	CouponKindFixed      CouponKind = "fixed"
	CouponKindPercentage CouponKind = "percentage"
)

// Coupon is a code based cart-wide discount.
type Coupon struct {
	Code       string
	Kind       CouponKind
	Value      decimal.Decimal
	MinAmount  decimal.Decimal
	MaxAmount  *decimal.Decimal
	ValidFrom  time.Time
	ValidUntil time.Time
	IsActive   bool
	UsageLimit *int
	UsageCount int
	UsedBy     []string
}

// Valid reports whether the coupon is active, inside its window and not exhausted.
func (c Coupon) Valid(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
		return false
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return false
	}
	return true
}

// Cart is owned by the cart collaborator; the pipeline reads it and clears it.
type Cart struct {
	UserID     string
	Items      []CartItem
	CouponCode string
	UpdatedAt  time.Time
}

// CartItem is one product/size line of a cart.
type CartItem struct {
	ProductID string
	Size      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Address is an entry in the user's address book.
type Address struct {
	ID         string
	UserID     string
	FullName   string
	Phone      string
	Line       string
	City       string
	State      string
	PostalCode string
}

// Snapshot copies the address into the value stored on orders.
func (a Address) Snapshot() ShippingAddress {
	return ShippingAddress{
		FullName:   a.FullName,
		Phone:      a.Phone,
		Address:    a.Line,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
	}
}
