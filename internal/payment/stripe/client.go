// Package stripe implements payment.Gateway against a Stripe-shaped REST
// API: form-encoded requests, bearer auth, payment intents and refunds.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/craftado/orderpay/internal/order"
	"github.com/craftado/orderpay/internal/payment"
)

const defaultTimeout = 10 * time.Second

// Client talks to the payment provider. Construct it once in main() and
// pass it to the engine explicitly; never reach for a package-level client.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

var _ payment.Gateway = (*Client)(nil)

// New builds a Client for the given API base URL and secret key. The HTTP
// timeout bounds every provider call; a timed-out call surfaces as
// payment.ErrGatewayUnavailable.
func New(baseURL, secretKey string) (*Client, error) {
	if baseURL == "" || secretKey == "" {
		return nil, errors.New("stripe: base URL and secret key are required")
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: defaultTimeout},
	}, nil
}

// NewFromEnv builds a Client from PAYMENT_API_URL and PAYMENT_SECRET_KEY.
func NewFromEnv() (*Client, error) {
	return New(os.Getenv("PAYMENT_API_URL"), os.Getenv("PAYMENT_SECRET_KEY"))
}

// intentResponse is the subset of the provider's payment-intent resource
// the adapter needs.
type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Authorize creates a payment intent for the order total. The order id
// rides along twice: as metadata, so webhook events can be routed back to
// the order, and as the Idempotency-Key header, so a retry after a timeout
// returns the original intent instead of creating a second one.
func (c *Client) Authorize(ctx context.Context, o *order.Order, shipping, billing order.Address) (payment.Authorization, error) {
	cents, err := payment.MinorUnits(o.TotalAmount)
	if err != nil {
		return payment.Authorization{}, fmt.Errorf("stripe: %w", err)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(cents, 10))
	form.Set("currency", "usd")
	form.Set("metadata[order_id]", o.ID)
	form.Set("metadata[user_id]", o.UserID)
	form.Set("shipping[name]", shipping.FullName)
	form.Set("shipping[address][line1]", shipping.Line1)
	form.Set("shipping[address][city]", shipping.City)
	form.Set("shipping[address][postal_code]", shipping.PostalCode)
	form.Set("shipping[address][country]", shipping.Country)

	var intent intentResponse
	if err := c.post(ctx, "/v1/payment_intents", o.ID, form, &intent); err != nil {
		return payment.Authorization{}, err
	}
	return payment.Authorization{
		Reference:    intent.ID,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// Refund asks the provider to refund the order's payment intent in full.
func (c *Client) Refund(ctx context.Context, o *order.Order) (payment.Refund, error) {
	if o.PaymentRef == "" {
		return payment.Refund{}, payment.ErrNothingToRefund
	}

	form := url.Values{}
	form.Set("payment_intent", o.PaymentRef)
	form.Set("reason", "requested_by_customer")

	var refund refundResponse
	if err := c.post(ctx, "/v1/refunds", "refund-"+o.ID, form, &refund); err != nil {
		return payment.Refund{}, err
	}
	return payment.Refund{Reference: refund.ID}, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("stripe: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and transport failures are retryable from the
		// caller's side; classify them all as unavailable.
		return fmt.Errorf("%w: %s: %v", payment.ErrGatewayUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("stripe: decode %s response: %w", path, err)
		}
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", payment.ErrGatewayUnavailable, path, resp.StatusCode)
	default:
		var apiErr errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%w: %s: %s", payment.ErrGatewayRejected, path, apiErr.Error.Message)
	}
}
