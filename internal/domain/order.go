package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCancelled || s == OrderStatusExpired
}

// String representation (for logging)
func (s OrderStatus) String() string {
	return string(s)
}

// Order is the durable record of a purchase, keyed internally by ID and
// externally by the gateway-assigned InvoiceID. Status is a cached
// projection of the gateway invoice state.
type Order struct {
	ID        int64
	UserID    int64
	ProductID int64
	Amount    float64
	InvoiceID int64
	// IdempotencyKey ties the order to the checkout session that created
	// it; at most one order may exist per key.
	IdempotencyKey string
	PaymentURL     string
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
