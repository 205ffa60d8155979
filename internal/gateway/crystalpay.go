package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const crystalPayBaseURL = "https://api.crystalpay.io/v2"

// Invoice lifetime in minutes (24 hours).
const crystalPayLifetime = 1440

// CrystalPay talks to the CrystalPay v2 API. Its token is a composite
// "login:secret" pair sent in every request body rather than a header.
type CrystalPay struct {
	api        *apiClient
	login      string
	secret     string
	tokenOK    bool
	rubPerUSDT float64
}

func NewCrystalPay(token string, rubPerUSDT float64) *CrystalPay {
	login, secret, ok := strings.Cut(token, ":")
	return &CrystalPay{
		api:        newAPIClient("crystalpay", crystalPayBaseURL, nil),
		login:      login,
		secret:     secret,
		tokenOK:    ok,
		rubPerUSDT: rubPerUSDT,
	}
}

type crystalPayCreateResponse struct {
	Error  bool     `json:"error"`
	Errors []string `json:"errors"`
	ID     int64    `json:"id"`
	URL    string   `json:"url"`
}

type crystalPayInfoResponse struct {
	Error    bool     `json:"error"`
	Errors   []string `json:"errors"`
	State    string   `json:"state"`
	Amount   float64  `json:"amount"`
	Currency string   `json:"currency"`
}

func (c *CrystalPay) CreateInvoice(ctx context.Context, amount float64, currency string) (*Invoice, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !c.tokenOK {
		return nil, ErrBadToken
	}

	asset := strings.ToLower(currency)
	cryptoAmount := fiatToUSDT(amount, 1)
	if asset == "rub" || asset == "" {
		asset = "usdt"
		cryptoAmount = fiatToUSDT(amount, c.rubPerUSDT)
	}

	crypto, _ := cryptoAmount.Float64()
	body := map[string]any{
		"auth_login":  c.login,
		"auth_secret": c.secret,
		"amount":      crypto,
		"type":        "purchase",
		"description": fmt.Sprintf("Оплата товара - %s %s", cryptoAmount.StringFixed(2), strings.ToUpper(asset)),
		"currency":    asset,
		"lifetime":    crystalPayLifetime,
	}

	data, err := c.api.post(ctx, "/invoice/create/", body)
	if err != nil {
		return nil, err
	}

	var resp crystalPayCreateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if resp.Error {
		return nil, fmt.Errorf("crystalpay api error: %s", strings.Join(resp.Errors, "; "))
	}
	if resp.ID == 0 {
		return nil, fmt.Errorf("crystalpay returned no invoice id")
	}

	return &Invoice{
		ID:           resp.ID,
		PayURL:       resp.URL,
		Asset:        strings.ToUpper(asset),
		FiatAmount:   amount,
		CryptoAmount: crypto,
	}, nil
}

func (c *CrystalPay) CheckPayment(ctx context.Context, invoiceID int64) (*PaymentResult, error) {
	if !c.tokenOK {
		return nil, ErrBadToken
	}

	body := map[string]any{
		"auth_login":  c.login,
		"auth_secret": c.secret,
		"id":          invoiceID,
	}

	data, err := c.api.post(ctx, "/invoice/info/", body)
	if err != nil {
		return nil, err
	}

	var resp crystalPayInfoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if resp.Error {
		if isCrystalPayNotFound(resp.Errors) {
			return &PaymentResult{Status: StatusNotFound}, nil
		}
		return nil, fmt.Errorf("crystalpay api error: %s", strings.Join(resp.Errors, "; "))
	}

	status := normalizeCrystalPayStatus(resp.State)
	asset := strings.ToUpper(resp.Currency)
	if asset == "" {
		asset = "USDT"
	}
	return &PaymentResult{
		Paid:    status == StatusPaid,
		Status:  status,
		Amount:  resp.Amount,
		Asset:   asset,
		Expired: status == StatusExpired,
	}, nil
}

func isCrystalPayNotFound(errs []string) bool {
	for _, e := range errs {
		if strings.Contains(strings.ToLower(e), "not found") {
			return true
		}
	}
	return false
}

func normalizeCrystalPayStatus(state string) InvoiceStatus {
	switch strings.ToLower(state) {
	// The API spells paid as "payed".
	case "payed", "paid":
		return StatusPaid
	case "notpayed", "active", "":
		return StatusActive
	case "expired", "wrongamount":
		return StatusExpired
	default:
		return StatusError
	}
}
