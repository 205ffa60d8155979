package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	cryptoPayMainURL = "https://pay.crypt.bot/api"
	cryptoPayTestURL = "https://testnet-pay.crypt.bot/api"

	// Invoices expire after an hour on the provider side.
	cryptoPayExpiresIn = 3600
)

// CryptoPay talks to the Crypto Pay API (@CryptoBot).
type CryptoPay struct {
	api        *apiClient
	rubPerUSDT float64
}

func NewCryptoPay(token string, testMode bool, rubPerUSDT float64) *CryptoPay {
	baseURL := cryptoPayMainURL
	if testMode {
		baseURL = cryptoPayTestURL
	}
	headers := map[string]string{"Crypto-Pay-API-Token": token}
	return &CryptoPay{
		api:        newAPIClient("cryptopay", baseURL, headers),
		rubPerUSDT: rubPerUSDT,
	}
}

type cryptoPayEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Name string `json:"name"`
	} `json:"error"`
}

type cryptoPayInvoice struct {
	InvoiceID     int64  `json:"invoice_id"`
	Status        string `json:"status"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	PayURL        string `json:"pay_url"`
	BotInvoiceURL string `json:"bot_invoice_url"`
	BotUsername   string `json:"bot_username"`
}

func (c *CryptoPay) CreateInvoice(ctx context.Context, amount float64, currency string) (*Invoice, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	asset := strings.ToUpper(currency)
	cryptoAmount := fiatToUSDT(amount, 1)
	if asset == "RUB" || asset == "" {
		asset = "USDT"
		cryptoAmount = fiatToUSDT(amount, c.rubPerUSDT)
	}

	body := map[string]any{
		"asset":       asset,
		"amount":      cryptoAmount.StringFixed(2),
		"description": fmt.Sprintf("Оплата заказа на %.0f %s", amount, strings.ToUpper(currency)),
		"expires_in":  cryptoPayExpiresIn,
	}

	data, err := c.api.post(ctx, "/createInvoice", body)
	if err != nil {
		return nil, err
	}

	raw, err := decodeCryptoPayEnvelope(data)
	if err != nil {
		return nil, err
	}

	var inv cryptoPayInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}

	crypto, _ := cryptoAmount.Float64()
	return &Invoice{
		ID:           inv.InvoiceID,
		PayURL:       payURLFor(&inv),
		Asset:        asset,
		FiatAmount:   amount,
		CryptoAmount: crypto,
	}, nil
}

func (c *CryptoPay) CheckPayment(ctx context.Context, invoiceID int64) (*PaymentResult, error) {
	query := url.Values{"invoice_ids": {strconv.FormatInt(invoiceID, 10)}}
	data, err := c.api.get(ctx, "/getInvoices", query)
	if err != nil {
		return nil, err
	}

	raw, err := decodeCryptoPayEnvelope(data)
	if err != nil {
		return nil, err
	}

	invoices, err := decodeInvoiceList(raw)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return &PaymentResult{Status: StatusNotFound}, nil
	}

	inv := invoices[0]
	status := normalizeCryptoPayStatus(inv.Status)
	amount, _ := strconv.ParseFloat(inv.Amount, 64)
	return &PaymentResult{
		Paid:    status == StatusPaid,
		Status:  status,
		Amount:  amount,
		Asset:   inv.Asset,
		Expired: status == StatusExpired,
	}, nil
}

func decodeCryptoPayEnvelope(data []byte) (json.RawMessage, error) {
	var env cryptoPayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if !env.OK {
		name := "unknown error"
		if env.Error != nil && env.Error.Name != "" {
			name = env.Error.Name
		}
		return nil, fmt.Errorf("cryptopay api error: %s", name)
	}
	return env.Result, nil
}

// decodeInvoiceList handles both answer shapes the API is known to produce:
// an object carrying an "items" field, or a bare array.
func decodeInvoiceList(raw json.RawMessage) ([]cryptoPayInvoice, error) {
	var wrapped struct {
		Items []cryptoPayInvoice `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, nil
	}

	var list []cryptoPayInvoice
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("unexpected invoice list shape: %w", err)
	}
	return list, nil
}

// payURLFor picks the pay link out of whichever field the API filled in.
// Some responses carry no link at all and only name the payment bot; the
// link is then derived the way the bot itself builds it.
func payURLFor(inv *cryptoPayInvoice) string {
	if inv.PayURL != "" {
		return inv.PayURL
	}
	if inv.BotInvoiceURL != "" {
		return inv.BotInvoiceURL
	}
	if inv.BotUsername != "" {
		return fmt.Sprintf("https://t.me/%s?start=pay_%d",
			strings.TrimPrefix(inv.BotUsername, "@"), inv.InvoiceID)
	}
	return fmt.Sprintf("https://t.me/CryptoBot?start=pay_%d", inv.InvoiceID)
}

func normalizeCryptoPayStatus(status string) InvoiceStatus {
	switch strings.ToLower(status) {
	case "active":
		return StatusActive
	case "paid":
		return StatusPaid
	case "expired":
		return StatusExpired
	default:
		return StatusError
	}
}
