// Package order defines the order domain: the order aggregate, its line
// items, the status machine, and the store port the reconciliation engine
// drives every state change through.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the referenced order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrConflict is returned by ApplyStatus when the order's current
	// status did not match the expected one. The caller decides whether
	// that means "stale, ignore" (webhook path) or "report to user"
	// (interactive admin/refund path).
	ErrConflict = errors.New("order status conflict")

	// ErrInvalid is returned when an order fails validation at creation.
	ErrInvalid = errors.New("invalid order")
)

// Item is a single order line. UnitPrice is the price snapshot taken at
// order time; a later catalog change does not affect a placed order.
type Item struct {
	ProductID     string
	Quantity      int
	UnitPrice     decimal.Decimal
	Customization map[string]string
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Address is the snapshot captured from the address book at order time.
// Orders never hold a live reference: editing an address later must not
// retroactively change where a placed order ships.
type Address struct {
	FullName   string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Order is the aggregate owned by the reconciliation engine. Only the
// engine mutates it, and only through the store's CAS primitive; orders
// are never hard-deleted (cancelled/refunded orders stay for audit).
type Order struct {
	ID     string
	UserID string
	Items  []Item

	// TotalAmount is fixed at creation and authoritative afterwards;
	// it is verified against the line items once and never recomputed.
	TotalAmount decimal.Decimal

	Status Status

	// PaymentRef is the provider's payment-intent reference. Empty
	// until authorization has been requested.
	PaymentRef string

	ShippingAddressID string
	BillingAddressID  string
	ShippingAddress   Address
	BillingAddress    Address

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the creation invariants: non-empty items, positive
// quantities and prices, and conservation (total == Σ price×qty). Orders
// violating conservation are rejected, never silently corrected.
func (o *Order) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalid)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalid)
	}
	sum := decimal.Zero
	for _, it := range o.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: item missing product id", ErrInvalid)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("%w: quantity %d for product %s", ErrInvalid, it.Quantity, it.ProductID)
		}
		if !it.UnitPrice.IsPositive() {
			return fmt.Errorf("%w: non-positive price for product %s", ErrInvalid, it.ProductID)
		}
		sum = sum.Add(it.Subtotal())
	}
	if !o.TotalAmount.Equal(sum) {
		return fmt.Errorf("%w: total %s does not match item sum %s", ErrInvalid, o.TotalAmount, sum)
	}
	if o.ShippingAddressID == "" || o.BillingAddressID == "" {
		return fmt.Errorf("%w: missing address reference", ErrInvalid)
	}
	return nil
}

// Owner reports whether the given principal id owns this order.
func (o *Order) Owner(userID string) bool {
	return o.UserID == userID
}
