package domain

import (
	"strings"
	"time"
)

type CheckoutState string

const (
	StateCollectingQuantity   CheckoutState = "collecting_quantity"
	StateCollectingAddress    CheckoutState = "collecting_address"
	StateCollectingComment    CheckoutState = "collecting_comment"
	StateAwaitingConfirmation CheckoutState = "awaiting_confirmation"
	StateAwaitingPayment      CheckoutState = "awaiting_payment"
)

func (s CheckoutState) String() string {
	return string(s)
}

// CanTransitionTo validates checkout state transitions. The flow is linear,
// with a single go-back edge from the confirmation summary to quantity
// selection.
func CanTransitionTo(from, to CheckoutState) bool {
	switch from {
	case StateCollectingQuantity:
		return to == StateCollectingAddress
	case StateCollectingAddress:
		return to == StateCollectingComment
	case StateCollectingComment:
		return to == StateAwaitingConfirmation
	case StateAwaitingConfirmation:
		return to == StateAwaitingPayment || to == StateCollectingQuantity
	default:
		return false
	}
}

// NoComment is the canonical value stored when the user skips the comment step.
const NoComment = "Без комментария"

var commentSkipWords = map[string]struct{}{
	"нет":  {},
	"no":   {},
	"без":  {},
	"skip": {},
}

// NormalizeComment collapses the closed set of skip synonyms to NoComment,
// case-insensitively. Empty input also counts as a skip.
func NormalizeComment(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return NoComment
	}
	if _, ok := commentSkipWords[strings.ToLower(trimmed)]; ok {
		return NoComment
	}
	return trimmed
}

// CheckoutSession is the transient per-user state of one purchase flow.
// It lives in the session store under the user id until the user abandons
// the flow or the TTL evicts it.
type CheckoutSession struct {
	UserID      int64         `json:"user_id"`
	ProductID   int64         `json:"product_id"`
	ProductName string        `json:"product_name"`
	UnitPrice   float64       `json:"unit_price"`
	Currency    string        `json:"currency"`
	MaxQuantity int           `json:"max_quantity"`
	Quantity    int           `json:"quantity"`
	Address     string        `json:"address"`
	City        string        `json:"city"`
	Metro       string        `json:"metro"`
	Comment     string        `json:"comment"`
	// IdempotencyKey is minted once per session so that retried confirms can
	// be tied to a single invoice.
	IdempotencyKey string        `json:"idempotency_key"`
	InvoiceID      int64         `json:"invoice_id"`
	PayURL         string        `json:"pay_url"`
	State          CheckoutState `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Subtotal is the item cost without delivery.
func (s *CheckoutSession) Subtotal() float64 {
	return s.UnitPrice * float64(s.Quantity)
}

// Total adds the fixed delivery fee to the subtotal.
func (s *CheckoutSession) Total(deliveryFee float64) float64 {
	return s.Subtotal() + deliveryFee
}
