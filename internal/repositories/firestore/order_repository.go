package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/checkout-api/internal/domain"
	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/repositories"
)

// OrderRepository persists orders keyed by order id.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[domain.Order]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[domain.Order](provider, orderCollection, decodeOrder),
	}, nil
}

// InsertIfAbsent looks the order up by id, then by gateway order id, and only inserts when neither matches.
// An order id already taken by another user is a conflict.
// Lookups and the insert share one transaction so concurrent retries observe a single document.
func (r *OrderRepository) InsertIfAbsent(ctx context.Context, key repositories.OrderKey, build func() (domain.Order, error)) (domain.Order, bool, error) {
	orderID := strings.TrimSpace(key.OrderID)
	if orderID == "" {
		return domain.Order{}, false, errors.New("order repository: order id is required")
	}
	if build == nil {
		return domain.Order{}, false, errors.New("order repository: build function is required")
	}
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	coll, err := r.provider.Collection(ctx, orderCollection)
	if err != nil {
		return domain.Order{}, false, err
	}

	var (
		result  domain.Order
		created bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if result, err = decodeOrder(snap); err != nil {
				return err
			}
			if result.UserID != strings.TrimSpace(key.UserID) {
				return pfirestore.Conflict("orders.insert", "order %s belongs to another user", orderID)
			}
			return nil
		case !pfirestore.IsNotFoundStatus(err):
			return pfirestore.WrapError("orders.insert", err)
		}

		if gatewayID := strings.TrimSpace(key.GatewayOrderID); gatewayID != "" {
			query := coll.Where("userId", "==", strings.TrimSpace(key.UserID)).
				Where("paymentDetails.gatewayOrderId", "==", gatewayID).
				Limit(1)
			matches, err := tx.Documents(query).GetAll()
			if err != nil {
				return pfirestore.WrapError("orders.insert", err)
			}
			if len(matches) > 0 {
				result, err = decodeOrder(matches[0])
				return err
			}
		}

		order, err := build()
		if err != nil {
			return err
		}
		order.OrderID = orderID
		if err := tx.Create(ref, newOrderDocument(order)); err != nil {
			return err
		}
		result = order
		created = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return result, created, nil
}

// GetOrder loads an order by id.
func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return r.orders.Get(ctx, strings.TrimSpace(orderID))
}

// ListOrders returns the user's orders, newest first.
func (r *OrderRepository) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", strings.TrimSpace(userID)).OrderBy("createdAt", firestore.Desc)
	})
}

// UpdateOrder reads, mutates and rewrites the order inside one transaction.
func (r *OrderRepository) UpdateOrder(ctx context.Context, orderID string, mutate func(*domain.Order) error) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.update", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if err := mutate(&order); err != nil {
			return err
		}
		order.OrderID = orderID
		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

type orderDocument struct {
	OrderID         string                  `firestore:"orderID"`
	UserID          string                  `firestore:"userId"`
	Items           []orderItemDocument     `firestore:"items"`
	TotalAmount     float64                 `firestore:"totalAmount"`
	RefundedAmount  float64                 `firestore:"refundedAmount"`
	RefundSeq       int                     `firestore:"refundSeq,omitempty"`
	PendingRefunds  []pendingRefundDocument `firestore:"pendingRefunds,omitempty"`
	Status          string                  `firestore:"status"`
	PaymentStatus   string                  `firestore:"paymentStatus"`
	PaymentMethod   string                  `firestore:"paymentMethod"`
	PaymentDetails  paymentDetailsDocument  `firestore:"paymentDetails"`
	ShippingAddress shippingAddressDocument `firestore:"shippingAddress"`
	ReturnRequest   *returnRequestDocument  `firestore:"returnRequest,omitempty"`
	CancelReason    string                  `firestore:"cancelReason,omitempty"`
	CouponCode      string                  `firestore:"couponCode,omitempty"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ItemID      string  `firestore:"itemId"`
	ProductID   string  `firestore:"productId"`
	ProductName string  `firestore:"productName"`
	Size        string  `firestore:"size"`
	Quantity    int     `firestore:"quantity"`
	Price       float64 `firestore:"price"`
	Status      string  `firestore:"status"`
}

type pendingRefundDocument struct {
	ID          string  `firestore:"id"`
	Amount      float64 `firestore:"amount"`
	Description string  `firestore:"description"`
}

type paymentDetailsDocument struct {
	GatewayOrderID   string `firestore:"gatewayOrderId"`
	GatewayPaymentID string `firestore:"gatewayPaymentId,omitempty"`
	Signature        string `firestore:"signature,omitempty"`
	Attempts         int    `firestore:"attempts"`
}

type shippingAddressDocument struct {
	FullName   string `firestore:"fullName"`
	Phone      string `firestore:"phone"`
	Address    string `firestore:"address"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
}

type returnRequestDocument struct {
	Status        string     `firestore:"status"`
	Reason        string     `firestore:"reason"`
	RequestedAt   time.Time  `firestore:"requestedAt"`
	AdminResponse string     `firestore:"adminResponse,omitempty"`
	ProcessedAt   *time.Time `firestore:"processedAt,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderID:        order.OrderID,
		UserID:         order.UserID,
		TotalAmount:    amountToNumber(order.TotalAmount),
		RefundedAmount: amountToNumber(order.RefundedAmount),
		RefundSeq:      order.RefundSeq,
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		PaymentMethod:  order.PaymentMethod,
		PaymentDetails: paymentDetailsDocument{
			GatewayOrderID:   order.PaymentDetails.GatewayOrderID,
			GatewayPaymentID: order.PaymentDetails.GatewayPaymentID,
			Signature:        order.PaymentDetails.Signature,
			Attempts:         order.PaymentDetails.Attempts,
		},
		ShippingAddress: shippingAddressDocument(order.ShippingAddress),
		CancelReason:    order.CancelReason,
		CouponCode:      order.CouponCode,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ItemID:      item.ItemID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Size:        item.Size,
			Quantity:    item.Quantity,
			Price:       amountToNumber(item.UnitPrice),
			Status:      string(item.Status),
		})
	}
	for _, refund := range order.PendingRefunds {
		doc.PendingRefunds = append(doc.PendingRefunds, pendingRefundDocument{
			ID:          refund.ID,
			Amount:      amountToNumber(refund.Amount),
			Description: refund.Description,
		})
	}
	if rr := order.ReturnRequest; rr != nil {
		doc.ReturnRequest = &returnRequestDocument{
			Status:        string(rr.Status),
			Reason:        rr.Reason,
			RequestedAt:   rr.RequestedAt.UTC(),
			AdminResponse: rr.AdminResponse,
			ProcessedAt:   rr.ProcessedAt,
		}
	}
	return doc
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	order := domain.Order{
		OrderID:        snap.Ref.ID,
		UserID:         doc.UserID,
		TotalAmount:    numberToAmount(doc.TotalAmount),
		RefundedAmount: numberToAmount(doc.RefundedAmount),
		RefundSeq:      doc.RefundSeq,
		Status:         domain.OrderStatus(doc.Status),
		PaymentStatus:  domain.PaymentStatus(doc.PaymentStatus),
		PaymentMethod:  doc.PaymentMethod,
		PaymentDetails: domain.PaymentDetails{
			GatewayOrderID:   doc.PaymentDetails.GatewayOrderID,
			GatewayPaymentID: doc.PaymentDetails.GatewayPaymentID,
			Signature:        doc.PaymentDetails.Signature,
			Attempts:         doc.PaymentDetails.Attempts,
		},
		ShippingAddress: domain.ShippingAddress(doc.ShippingAddress),
		CancelReason:    doc.CancelReason,
		CouponCode:      doc.CouponCode,
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ItemID:      item.ItemID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Size:        item.Size,
			Quantity:    item.Quantity,
			UnitPrice:   numberToAmount(item.Price),
			Status:      domain.ItemStatus(item.Status),
		})
	}
	for _, refund := range doc.PendingRefunds {
		order.PendingRefunds = append(order.PendingRefunds, domain.PendingRefund{
			ID:          refund.ID,
			Amount:      numberToAmount(refund.Amount),
			Description: refund.Description,
		})
	}
	if rr := doc.ReturnRequest; rr != nil {
		order.ReturnRequest = &domain.ReturnRequest{
			Status:        domain.ReturnStatus(rr.Status),
			Reason:        rr.Reason,
			RequestedAt:   rr.RequestedAt.UTC(),
			AdminResponse: rr.AdminResponse,
			ProcessedAt:   timePointer(optionalTime(rr.ProcessedAt)),
		}
	}
	return order, nil
}
