package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the order-level lifecycle state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "Pending"
	OrderStatusConfirmed       OrderStatus = "Confirmed"
	OrderStatusProcessing      OrderStatus = "Processing"
	OrderStatusShipped         OrderStatus = "Shipped"
	OrderStatusDelivered       OrderStatus = "Delivered"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusReturned        OrderStatus = "Returned"
	OrderStatusReturnRequested OrderStatus = "Return Requested"
	OrderStatusPaymentFailed   OrderStatus = "payment-failed"
)

// ItemStatus is the per-item lifecycle state.
type ItemStatus string

const (
	ItemStatusOrdered    ItemStatus = "Ordered"
	ItemStatusProcessing ItemStatus = "Processing"
	ItemStatusShipped    ItemStatus = "Shipped"
	ItemStatusDelivered  ItemStatus = "Delivered"
	ItemStatusCancelled  ItemStatus = "Cancelled"
	ItemStatusReturned   ItemStatus = "Returned"
)

// PaymentStatus tracks money movement for an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ReturnStatus is the return-request sub-state.
type ReturnStatus string

const (
	ReturnStatusPending  ReturnStatus = "pending"
	ReturnStatusApproved ReturnStatus = "approved"
	ReturnStatusDenied   ReturnStatus = "denied"
)

// Order is the durable order document.
type Order struct {
	OrderID         string
	UserID          string
	Items           []OrderItem
	TotalAmount     decimal.Decimal
	RefundedAmount  decimal.Decimal
	// RefundSeq numbers the refunds booked on this order; it seeds PendingRefund ids.
	RefundSeq       int
	// PendingRefunds are booked in RefundedAmount but not yet confirmed in the wallet ledger.
	PendingRefunds  []PendingRefund
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   string
	PaymentDetails  PaymentDetails
	ShippingAddress ShippingAddress
	ReturnRequest   *ReturnRequest
	CancelReason    string
	CouponCode      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Refundable is the amount that can still be credited back for this order.
func (o Order) Refundable() decimal.Decimal {
	remaining := o.TotalAmount.Sub(o.RefundedAmount)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

// Item returns the index of the item with the given id.
func (o Order) Item(itemID string) (int, bool) {
	for i, item := range o.Items {
		if item.ItemID == itemID {
			return i, true
		}
	}
	return -1, false
}

// PendingRefund is a refund owed to the wallet. ID doubles as the ledger entry id so crediting it twice
// leaves a single entry.
type PendingRefund struct {
	ID          string
	Amount      decimal.Decimal
	Description string
}

// OrderItem is a line of an order.
type OrderItem struct {
	ItemID      string
	ProductID   string
	ProductName string
	Size        string
	Quantity    int
	UnitPrice   decimal.Decimal
	Status      ItemStatus
}

// Amount is unit price times quantity.
func (i OrderItem) Amount() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// PaymentDetails records the gateway identifiers for an order.
type PaymentDetails struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Attempts         int
}

// ShippingAddress is the address copy stored with orders and pending payments.
type ShippingAddress struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
}

// ReturnRequest is the customer return request attached to a delivered order.
type ReturnRequest struct {
	Status        ReturnStatus
	Reason        string
	RequestedAt   time.Time
	AdminResponse string
	ProcessedAt   *time.Time
}
