// Package payment defines the boundary with the external payment provider:
// the gateway port for authorization and refund, the typed errors callers
// branch on, and the minor-unit money conversion.
//
// The adapter is a pure boundary: it never retries on its own. Retry policy
// belongs to the engine, which re-uses the same provider idempotency key so
// a retry can never mint a second authorization.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/craftado/orderpay/internal/order"
)

var (
	// ErrGatewayUnavailable: the provider call timed out or was
	// unreachable. The caller may retry with the same idempotency key.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayRejected: the provider explicitly declined. Terminal for
	// this attempt.
	ErrGatewayRejected = errors.New("payment gateway rejected the request")

	// ErrNothingToRefund: the order carries no payment reference.
	ErrNothingToRefund = errors.New("order has no payment to refund")
)

// Authorization is the provider's answer to an authorization request. The
// ClientSecret is handed to the client so it can complete the payment flow;
// the Reference identifies the payment intent in later webhook events.
type Authorization struct {
	Reference    string
	ClientSecret string
}

// Refund is the provider's answer to a refund request.
type Refund struct {
	Reference string
}

// Gateway is the port the engine drives provider calls through. Tests
// substitute a fake; production uses the stripe client.
type Gateway interface {
	Authorize(ctx context.Context, o *order.Order, shipping, billing order.Address) (Authorization, error)
	Refund(ctx context.Context, o *order.Order) (Refund, error)
}

// MinorUnits converts a decimal amount to the provider's integer
// minor-unit representation (cents). A fractional cent is an error, never
// a truncation: 49.98 becomes 4998, 10.005 is rejected.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	cents := amount.Mul(decimal.NewFromInt(100))
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %s does not convert exactly to minor units", amount)
	}
	return cents.IntPart(), nil
}
