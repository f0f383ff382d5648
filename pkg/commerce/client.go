package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/copperline/checkout-backend/pkg/config"
)

const responseBodyReadLimit int64 = 1 << 20

var errBaseURLRequired = errors.New("commerce base url is required")

// StatusError reports a non-2xx response from the commerce platform. The
// resilience layer treats >=500 as transient; everything else is final.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("commerce platform returned %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err looks like a temporary platform failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	// Timeouts, connection resets and other transport errors.
	return true
}

// Order is the platform-owned order record this backend creates and mutates.
type Order struct {
	ID    string   `json:"id"`
	Draft bool     `json:"draft"`
	Tags  []string `json:"tags"`
	Note  string   `json:"note"`
}

// OrderInput carries everything the platform needs to materialize an order
// from a completed or pending payment.
type OrderInput struct {
	CartToken       string `json:"cart_token"`
	Email           string `json:"email"`
	Domain          string `json:"domain"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	Tags            []string
	Note            string
}

// Address is the subset of a shipping address rate/tax calculation needs.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	Province   string `json:"province,omitempty"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

// LineItem describes one cart entry submitted for rate/tax calculation.
type LineItem struct {
	VariantID  string `json:"variant_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// ShippingRate is one quoted delivery option.
type ShippingRate struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
}

// TaxQuote is the platform's tax calculation for an address and cart.
type TaxQuote struct {
	AmountCents int64   `json:"amount_cents"`
	Rate        float64 `json:"rate"`
}

// Client is a thin JSON-over-HTTP client for the upstream commerce platform.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds the commerce platform client.
func NewClient(cfg config.CommerceConfig, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  &http.Client{Timeout: timeout},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

type draftOrderPayload struct {
	OrderInput
	Tags string `json:"tags,omitempty"`
	Note string `json:"note,omitempty"`
}

// CreateDraftOrder opens a payment-pending draft order.
func (c *Client) CreateDraftOrder(ctx context.Context, input OrderInput) (*Order, error) {
	var order Order
	if err := c.post(ctx, "/draft_orders", draftOrderPayload{OrderInput: input, Tags: strings.Join(input.Tags, ", "), Note: input.Note}, &order); err != nil {
		return nil, err
	}
	order.Draft = true
	return &order, nil
}

// CreateOrder creates a real, completed order.
func (c *Client) CreateOrder(ctx context.Context, input OrderInput) (*Order, error) {
	var order Order
	if err := c.post(ctx, "/orders", draftOrderPayload{OrderInput: input, Tags: strings.Join(input.Tags, ", "), Note: input.Note}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateDraftOrderTags replaces a draft order's tags and note.
func (c *Client) UpdateDraftOrderTags(ctx context.Context, orderID string, tags []string, note string) error {
	payload := map[string]string{
		"tags": strings.Join(tags, ", "),
		"note": note,
	}
	return c.put(ctx, "/draft_orders/"+orderID, payload, nil)
}

// CompleteDraftOrder promotes a draft order into a completed order.
func (c *Client) CompleteDraftOrder(ctx context.Context, orderID string) error {
	return c.put(ctx, "/draft_orders/"+orderID+"/complete", nil, nil)
}

// CancelDraftOrder cancels a draft order, recording the reason on its note.
func (c *Client) CancelDraftOrder(ctx context.Context, orderID, reason string) error {
	payload := map[string]string{"reason": reason}
	return c.put(ctx, "/draft_orders/"+orderID+"/cancel", payload, nil)
}

type shippingRatesRequest struct {
	Address Address    `json:"address"`
	Items   []LineItem `json:"items"`
}

// ShippingRates asks the platform for delivery options to the address.
func (c *Client) ShippingRates(ctx context.Context, address Address, items []LineItem) ([]ShippingRate, error) {
	var out struct {
		Rates []ShippingRate `json:"rates"`
	}
	if err := c.post(ctx, "/shipping_rates", shippingRatesRequest{Address: address, Items: items}, &out); err != nil {
		return nil, err
	}
	return out.Rates, nil
}

// CalculateTax asks the platform for the tax due on an address and cart.
func (c *Client) CalculateTax(ctx context.Context, address Address, items []LineItem) (*TaxQuote, error) {
	var quote TaxQuote
	if err := c.post(ctx, "/taxes/calculate", shippingRatesRequest{Address: address, Items: items}, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// Ping verifies connectivity for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, dest any) error {
	return c.do(ctx, http.MethodPost, path, payload, dest)
}

func (c *Client) put(ctx context.Context, path string, payload, dest any) error {
	return c.do(ctx, http.MethodPut, path, payload, dest)
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode commerce request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build commerce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("commerce request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return fmt.Errorf("read commerce response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode commerce response: %w", err)
	}
	return nil
}
