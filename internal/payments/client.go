// Package payments talks to a YooKassa-compatible payment gateway:
// checkout creation with card saving, recurring charges against a saved
// method, and webhook payload parsing.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const defaultBase = "https://api.yookassa.ru/v3"

// ErrUnavailable marks gateway 5xx responses and transport failures.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Amount is a gateway money value; Value is a decimal string.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// PaymentMethod is the saved-card handle attached to a payment.
type PaymentMethod struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Saved bool   `json:"saved"`
}

// Metadata is the order context echoed back in webhooks. Everything a
// webhook handler needs to act must ride here; the gateway is the only
// channel that survives the checkout redirect.
type Metadata struct {
	UserID        string `json:"user_id,omitempty"`
	BotToken      string `json:"bot_token,omitempty"`
	SelectedModel string `json:"selected_model,omitempty"`
}

// Confirmation carries the checkout redirect URL.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// Payment is the gateway's payment object.
type Payment struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	Paid          bool          `json:"paid"`
	Amount        Amount        `json:"amount"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Metadata      Metadata      `json:"metadata"`
	Confirmation  *Confirmation `json:"confirmation,omitempty"`
}

// Gateway is the payment surface used by checkout and renewal.
type Gateway interface {
	CreatePayment(ctx context.Context, amount Amount, description, returnURL string, meta Metadata) (Payment, error)
	ChargeRecurring(ctx context.Context, methodToken string, amount Amount, description, idempotenceKey string, meta Metadata) (Payment, error)
}

// Client authenticates with shop-id basic auth.
type Client struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	HTTP      *http.Client
}

var _ Gateway = (*Client)(nil)

// NewClient builds a gateway client with a 30 s per-call deadline.
func NewClient(baseURL, shopID, secretKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBase
	}
	return &Client{
		BaseURL:   baseURL,
		ShopID:    shopID,
		SecretKey: secretKey,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

// CreatePayment opens a checkout with card saving enabled, so a renewal
// can charge the method later without the user present.
func (c *Client) CreatePayment(ctx context.Context, amount Amount, description, returnURL string, meta Metadata) (Payment, error) {
	body := map[string]any{
		"amount":              amount,
		"description":         description,
		"capture":             true,
		"save_payment_method": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"metadata": meta,
	}
	p, err := c.post(ctx, body, uuid.NewString())
	if err != nil {
		return Payment{}, fmt.Errorf("create payment: %w", err)
	}
	return p, nil
}

// ChargeRecurring charges a saved payment method. The caller supplies
// the idempotence key so a retried renewal cannot double-charge.
func (c *Client) ChargeRecurring(ctx context.Context, methodToken string, amount Amount, description, idempotenceKey string, meta Metadata) (Payment, error) {
	body := map[string]any{
		"amount":            amount,
		"description":       description,
		"capture":           true,
		"payment_method_id": methodToken,
		"metadata":          meta,
	}
	p, err := c.post(ctx, body, idempotenceKey)
	if err != nil {
		return Payment{}, fmt.Errorf("charge recurring: %w", err)
	}
	return p, nil
}

func (c *Client) post(ctx context.Context, body any, idempotenceKey string) (Payment, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return Payment{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payments", bytes.NewReader(buf))
	if err != nil {
		return Payment{}, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", idempotenceKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Payment{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Payment{}, fmt.Errorf("gateway status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Payment{}, fmt.Errorf("decode payment: %w", err)
	}
	if p.ID == "" {
		return Payment{}, fmt.Errorf("gateway returned no payment id")
	}
	return p, nil
}

// RenewalIdempotenceKey derives a stable key for one renewal of one
// subscription period, so sweeper retries reuse the same key.
func RenewalIdempotenceKey(subscriptionID, periodEndNs int64) string {
	name := fmt.Sprintf("renew-%d-%d", subscriptionID, periodEndNs)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
