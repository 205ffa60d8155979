// Package gateway wraps the external crypto-invoicing providers behind one
// canonical contract. Providers disagree on status vocabulary and response
// shape; nothing provider-specific leaks past this package.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	StatusActive   InvoiceStatus = "active"
	StatusPaid     InvoiceStatus = "paid"
	StatusExpired  InvoiceStatus = "expired"
	StatusNotFound InvoiceStatus = "not_found"
	StatusError    InvoiceStatus = "error"
)

func (s InvoiceStatus) String() string {
	return string(s)
}

// Invoice is the canonical result of minting an invoice on a provider.
type Invoice struct {
	ID           int64
	PayURL       string
	Asset        string
	FiatAmount   float64
	CryptoAmount float64
}

// PaymentResult is the canonical answer to a status check.
type PaymentResult struct {
	Paid    bool
	Status  InvoiceStatus
	Amount  float64
	Asset   string
	Expired bool
}

var (
	ErrInvalidAmount = errors.New("invoice amount must be positive")
	ErrBadToken      = errors.New("malformed gateway token")
)

// Client is what the checkout and reconciliation layers program against.
// CreateInvoice mints a new remote invoice on every call; idempotency is the
// caller's concern. CheckPayment is a pure read.
type Client interface {
	CreateInvoice(ctx context.Context, amount float64, currency string) (*Invoice, error)
	CheckPayment(ctx context.Context, invoiceID int64) (*PaymentResult, error)
}

// fiatToUSDT converts a fiat amount using the configured approximate rate.
// Mirrors the pricing policy of the shop: round to cents, never below 1 USDT.
func fiatToUSDT(amount, rubPerUSDT float64) decimal.Decimal {
	converted := decimal.NewFromFloat(amount).
		Div(decimal.NewFromFloat(rubPerUSDT)).
		Round(2)
	floor := decimal.New(1, 0)
	if converted.LessThan(floor) {
		return floor
	}
	return converted
}
