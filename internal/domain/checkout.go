package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotItem is a priced cart line captured at checkout time.
type SnapshotItem struct {
	ProductID            string           `json:"productId"`
	ProductName          string           `json:"productName,omitempty"`
	Size                 string           `json:"size"`
	Quantity             int              `json:"quantity"`
	OriginalUnitPrice    decimal.Decimal  `json:"originalUnitPrice"`
	OfferName            string           `json:"offerName,omitempty"`
	OfferDiscountPercent *decimal.Decimal `json:"offerDiscountPercent,omitempty"`
	UnitPriceAfterOffer  decimal.Decimal  `json:"unitPriceAfterOffer"`
}

// LineTotal is the post-offer amount for the line.
func (i SnapshotItem) LineTotal() decimal.Decimal {
	return i.UnitPriceAfterOffer.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CheckoutSnapshot locks the priced cart between checkout and payment.
type CheckoutSnapshot struct {
	UserID         string          `json:"userId"`
	Items          []SnapshotItem  `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	OfferDiscount  decimal.Decimal `json:"offerDiscount"`
	CouponCode     string          `json:"couponCode,omitempty"`
	CouponDiscount decimal.Decimal `json:"couponDiscount"`
	FinalAmount    decimal.Decimal `json:"finalAmount"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// PendingPaymentStatus tracks the pending record between intent creation and reconciliation.
type PendingPaymentStatus string

const (
	PendingPaymentCreated   PendingPaymentStatus = "created"
	PendingPaymentCancelled PendingPaymentStatus = "cancelled"
)

// PendingPayment links the internal order id to the gateway order while payment is in flight.
type PendingPayment struct {
	InternalOrderID string               `json:"internalOrderId"`
	GatewayOrderID  string               `json:"gatewayOrderId"`
	UserID          string               `json:"userId"`
	Amount          decimal.Decimal      `json:"amount"`
	AmountMinor     int64                `json:"amountMinor"`
	Currency        string               `json:"currency"`
	Subtotal        decimal.Decimal      `json:"subtotal"`
	OfferDiscount   decimal.Decimal      `json:"offerDiscount"`
	CouponCode      string               `json:"couponCode,omitempty"`
	CouponDiscount  decimal.Decimal      `json:"couponDiscount"`
	Items           []SnapshotItem       `json:"items"`
	ShippingAddress ShippingAddress      `json:"shippingAddress"`
	Status          PendingPaymentStatus `json:"status"`
	Attempts        int                  `json:"attempts"`
	CreatedAt       time.Time            `json:"createdAt"`
}

// RoundCurrency rounds to whole currency units, half away from zero.
func RoundCurrency(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(0)
}

// ToMinorUnits converts a currency amount to integer minor units (paise, cents).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
