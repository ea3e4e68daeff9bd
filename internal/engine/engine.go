// Package engine implements the order–payment reconciliation engine: the
// state machine that decides whether an event (checkout, webhook outcome,
// refund, admin update) is a legal transition for an order and applies it.
//
// Every mutation funnels through the order store's compare-and-set, so the
// store is the single serialization point per order. The idempotency
// ledger turns the provider's at-least-once webhook delivery into an
// exactly-once effect.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/craftado/orderpay/internal/address"
	"github.com/craftado/orderpay/internal/catalog"
	"github.com/craftado/orderpay/internal/ledger"
	"github.com/craftado/orderpay/internal/order"
	"github.com/craftado/orderpay/internal/payment"
	"github.com/craftado/orderpay/internal/payment/webhook"
)

var (
	// ErrUnauthorized: the request carries no principal.
	ErrUnauthorized = errors.New("authentication required")

	// ErrForbidden: the principal lacks the capability the transition
	// requires (owner for refunds, admin for ship/deliver).
	ErrForbidden = errors.New("insufficient permissions")

	// ErrNotEligible: the order's status does not allow the requested
	// refund. Distinct from ErrConflict: the caller asked for something
	// the state machine never permits from here, not something it lost a
	// race for.
	ErrNotEligible = errors.New("order is not eligible for refund")
)

// Roles carried by the authenticated principal. Identity itself is an
// external collaborator; the engine only enforces capabilities.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID   string
	Role string
}

func (p Principal) admin() bool { return p.Role == RoleAdmin }

// Engine wires the five components together. All collaborators are passed
// in explicitly so tests can substitute fakes.
type Engine struct {
	orders   order.Store
	ledger   ledger.Ledger
	gateway  payment.Gateway
	catalog  catalog.Reader
	addrs    address.Reader
	verifier *webhook.Verifier
}

func New(
	orders order.Store,
	led ledger.Ledger,
	gw payment.Gateway,
	cat catalog.Reader,
	addrs address.Reader,
	verifier *webhook.Verifier,
) *Engine {
	return &Engine{
		orders:   orders,
		ledger:   led,
		gateway:  gw,
		catalog:  cat,
		addrs:    addrs,
		verifier: verifier,
	}
}

// PlaceOrderItem is one requested line of a new order.
type PlaceOrderItem struct {
	ProductID     string
	Quantity      int
	Customization map[string]string
}

// PlaceOrderRequest describes a new order. AssertedTotal is what the
// client believes it owes; catalog prices are authoritative, so a mismatch
// is rejected rather than silently corrected.
type PlaceOrderRequest struct {
	Items             []PlaceOrderItem
	ShippingAddressID string
	BillingAddressID  string
	AssertedTotal     decimal.Decimal
}

// PlaceOrder creates an order in pending. Line prices come from the
// product snapshot at this moment; customization payloads are validated
// against each product's schema; address records are snapshotted so later
// edits cannot change a placed order.
func (e *Engine) PlaceOrder(ctx context.Context, p Principal, req PlaceOrderRequest) (*order.Order, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", order.ErrInvalid)
	}

	items := make([]order.Item, 0, len(req.Items))
	total := decimal.Zero
	for _, ri := range req.Items {
		if ri.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity %d for product %s", order.ErrInvalid, ri.Quantity, ri.ProductID)
		}
		prod, err := e.catalog.Product(ctx, ri.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, fmt.Errorf("%w: %v", order.ErrInvalid, err)
			}
			return nil, err
		}
		if err := prod.ValidateCustomization(ri.Customization); err != nil {
			return nil, fmt.Errorf("%w: %v", order.ErrInvalid, err)
		}
		it := order.Item{
			ProductID:     ri.ProductID,
			Quantity:      ri.Quantity,
			UnitPrice:     prod.UnitPrice,
			Customization: ri.Customization,
		}
		items = append(items, it)
		total = total.Add(it.Subtotal())
	}

	if !req.AssertedTotal.IsZero() && !req.AssertedTotal.Equal(total) {
		return nil, fmt.Errorf("%w: asserted total %s does not match priced total %s",
			order.ErrInvalid, req.AssertedTotal, total)
	}

	ship, err := e.ownedAddress(ctx, p, req.ShippingAddressID)
	if err != nil {
		return nil, err
	}
	bill, err := e.ownedAddress(ctx, p, req.BillingAddressID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	o := &order.Order{
		ID:                uuid.NewString(),
		UserID:            p.ID,
		Items:             items,
		TotalAmount:       total,
		Status:            order.StatusPending,
		ShippingAddressID: ship.ID,
		BillingAddressID:  bill.ID,
		ShippingAddress:   ship.Address,
		BillingAddress:    bill.Address,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.orders.Create(ctx, o); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "order placed",
		"order_id", o.ID, "user_id", p.ID, "total", total.String())
	return o, nil
}

// CheckoutResult carries what the client needs to complete the payment.
type CheckoutResult struct {
	Order        *order.Order
	ClientSecret string
}

// Checkout requests payment authorization for a pending order and moves it
// to authorizing. The order id is the provider idempotency key, so a retry
// after a gateway timeout re-fetches the original authorization instead of
// creating a new one; the order stays pending until authorization has
// actually been issued.
func (e *Engine) Checkout(ctx context.Context, p Principal, orderID string) (CheckoutResult, error) {
	o, err := e.getOwned(ctx, p, orderID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if o.Status != order.StatusPending {
		return CheckoutResult{}, fmt.Errorf("%w: order %q is %s, not %s",
			order.ErrConflict, o.ID, o.Status, order.StatusPending)
	}
	if !o.TotalAmount.IsPositive() {
		return CheckoutResult{}, fmt.Errorf("%w: order total must be positive", order.ErrInvalid)
	}
	if len(o.Items) == 0 {
		return CheckoutResult{}, fmt.Errorf("%w: order has no items", order.ErrInvalid)
	}

	auth, err := e.gateway.Authorize(ctx, o, o.ShippingAddress, o.BillingAddress)
	if err != nil {
		return CheckoutResult{}, err
	}

	if err := e.orders.SetPaymentRef(ctx, o.ID, auth.Reference); err != nil {
		return CheckoutResult{}, err
	}
	updated, err := e.orders.ApplyStatus(ctx, o.ID, order.StatusPending, order.StatusAuthorizing)
	if err != nil {
		return CheckoutResult{}, err
	}

	slog.InfoContext(ctx, "authorization requested",
		"order_id", o.ID, "payment_ref", auth.Reference)
	return CheckoutResult{Order: updated, ClientSecret: auth.ClientSecret}, nil
}

// WebhookResult is the acknowledgment returned to the provider-facing
// handler. Duplicate and stale deliveries are successes from the
// provider's point of view.
type WebhookResult struct {
	EventID string
	OrderID string
	Outcome ledger.Outcome
}

// HandleWebhook applies an asynchronous provider notification:
//
//  1. Verify the signature over the raw body; forged payloads are rejected
//     before any state is touched and leave no ledger record.
//  2. Reserve the event id in the ledger; a duplicate delivery returns the
//     previously recorded outcome without touching the order store.
//  3. Map the event type to the expected (from, to) transition and CAS it.
//  4. A CAS conflict means the order already moved past the expected
//     state: the event is stale, logged, recorded, and acknowledged.
//  5. Record the outcome so later duplicates no-op cheaply.
//
// A store failure while applying is returned as an error without recording
// an outcome: the reservation stays in_flight, the provider sees a 5xx and
// retries, and the ledger re-offers the abandoned reservation so the retry
// can actually perform the transition.
//
// Safe to run concurrently with itself across instances: the ledger insert
// is the only coordination point.
func (e *Engine) HandleWebhook(ctx context.Context, rawBody []byte, sigHeader string) (WebhookResult, error) {
	ev, err := e.verifier.Verify(rawBody, sigHeader)
	if err != nil {
		return WebhookResult{}, err
	}

	begin, err := e.ledger.TryBegin(ctx, ev.ID)
	if err != nil {
		return WebhookResult{}, err
	}
	if !begin.Fresh {
		slog.InfoContext(ctx, "duplicate webhook delivery",
			"event_id", ev.ID, "outcome", begin.Prior.Outcome)
		return WebhookResult{
			EventID: ev.ID,
			OrderID: begin.Prior.OrderID,
			Outcome: begin.Prior.Outcome,
		}, nil
	}

	outcome, err := e.applyEvent(ctx, ev)
	if err != nil {
		slog.ErrorContext(ctx, "webhook apply failed",
			"event_id", ev.ID, "order_id", ev.OrderID, "error", err)
		return WebhookResult{}, err
	}

	if err := e.ledger.Record(ctx, ev.ID, ev.OrderID, outcome); err != nil {
		// The transition is already durable; a retry of this event will
		// reclaim the reservation and settle as stale.
		slog.ErrorContext(ctx, "failed to record ledger outcome",
			"event_id", ev.ID, "error", err)
	}

	return WebhookResult{EventID: ev.ID, OrderID: ev.OrderID, Outcome: outcome}, nil
}

// applyEvent performs the state transition for a fresh, verified event.
// Conflict and not-found are terminal verdicts on the event (stale); any
// other store error is transient and must not consume the event id.
func (e *Engine) applyEvent(ctx context.Context, ev webhook.Event) (ledger.Outcome, error) {
	var from, to order.Status
	switch ev.Type {
	case webhook.TypeAuthorizationSucceeded:
		from, to = order.StatusAuthorizing, order.StatusProcessing
	case webhook.TypeAuthorizationFailed:
		from, to = order.StatusAuthorizing, order.StatusCancelled
	default:
		slog.InfoContext(ctx, "ignoring unhandled webhook type",
			"event_id", ev.ID, "type", ev.Type)
		return ledger.OutcomeSkipped, nil
	}

	if ev.OrderID == "" {
		slog.WarnContext(ctx, "webhook event carries no order id",
			"event_id", ev.ID, "type", ev.Type)
		return ledger.OutcomeSkipped, nil
	}

	_, err := e.orders.ApplyStatus(ctx, ev.OrderID, from, to)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "webhook applied",
			"event_id", ev.ID, "order_id", ev.OrderID, "from", from, "to", to)
		return ledger.OutcomeApplied, nil
	case errors.Is(err, order.ErrConflict):
		// The order moved since the event was issued. Not the provider's
		// fault: acknowledge, but record that nothing changed.
		slog.InfoContext(ctx, "stale webhook event discarded",
			"event_id", ev.ID, "order_id", ev.OrderID, "expected", from)
		return ledger.OutcomeStale, nil
	case errors.Is(err, order.ErrNotFound):
		slog.WarnContext(ctx, "webhook for unknown order",
			"event_id", ev.ID, "order_id", ev.OrderID)
		return ledger.OutcomeStale, nil
	default:
		return "", fmt.Errorf("apply event %q to order %q: %w", ev.ID, ev.OrderID, err)
	}
}

// RequestRefund moves an eligible order through refund_requested to
// refunded. Owner-only (admins may act on any order). A gateway failure
// leaves the order in refund_requested so the caller can retry; the
// provider dedupes on its side via the refund idempotency key.
func (e *Engine) RequestRefund(ctx context.Context, p Principal, orderID string) (*order.Order, error) {
	o, err := e.getOwned(ctx, p, orderID)
	if err != nil {
		return nil, err
	}

	if o.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %q is already closed (%s)", ErrNotEligible, o.ID, o.Status)
	}
	if !o.Status.RefundEligible() && o.Status != order.StatusRefundRequested {
		return nil, fmt.Errorf("%w: order %q is %s", ErrNotEligible, o.ID, o.Status)
	}

	// Re-entry after a failed gateway call skips the first CAS.
	if o.Status != order.StatusRefundRequested {
		if o, err = e.orders.ApplyStatus(ctx, o.ID, o.Status, order.StatusRefundRequested); err != nil {
			return nil, err
		}
	}

	if _, err := e.gateway.Refund(ctx, o); err != nil {
		return nil, err
	}

	updated, err := e.orders.ApplyStatus(ctx, o.ID, order.StatusRefundRequested, order.StatusRefunded)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "order refunded", "order_id", o.ID)
	return updated, nil
}

// MarkShipped moves processing→shipped. Admin capability required.
func (e *Engine) MarkShipped(ctx context.Context, p Principal, orderID string) (*order.Order, error) {
	return e.adminTransition(ctx, p, orderID, order.StatusProcessing, order.StatusShipped)
}

// MarkDelivered moves shipped→delivered. Admin capability required.
func (e *Engine) MarkDelivered(ctx context.Context, p Principal, orderID string) (*order.Order, error) {
	return e.adminTransition(ctx, p, orderID, order.StatusShipped, order.StatusDelivered)
}

func (e *Engine) adminTransition(ctx context.Context, p Principal, orderID string, from, to order.Status) (*order.Order, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	if !p.admin() {
		return nil, fmt.Errorf("%w: %s requires admin", ErrForbidden, to)
	}

	// Interactive path: a lost CAS race is reported to the caller, not
	// swallowed like the webhook path does.
	updated, err := e.orders.ApplyStatus(ctx, orderID, from, to)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "admin status update",
		"order_id", orderID, "admin_id", p.ID, "from", from, "to", to)
	return updated, nil
}

// GetOrder returns the order to its owner or an admin.
func (e *Engine) GetOrder(ctx context.Context, p Principal, orderID string) (*order.Order, error) {
	return e.getOwned(ctx, p, orderID)
}

// ListOrders is the admin listing with optional filters.
func (e *Engine) ListOrders(ctx context.Context, p Principal, f order.ListFilter) ([]*order.Order, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	if !p.admin() {
		return nil, fmt.Errorf("%w: listing orders requires admin", ErrForbidden)
	}
	return e.orders.List(ctx, f)
}

func (e *Engine) getOwned(ctx context.Context, p Principal, orderID string) (*order.Order, error) {
	if p.ID == "" {
		return nil, ErrUnauthorized
	}
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Owner(p.ID) && !p.admin() {
		return nil, fmt.Errorf("%w: order %q belongs to another user", ErrForbidden, orderID)
	}
	return o, nil
}

func (e *Engine) ownedAddress(ctx context.Context, p Principal, id string) (address.Record, error) {
	if id == "" {
		return address.Record{}, fmt.Errorf("%w: missing address reference", order.ErrInvalid)
	}
	rec, err := e.addrs.Address(ctx, id)
	if err != nil {
		if errors.Is(err, address.ErrNotFound) {
			return address.Record{}, fmt.Errorf("%w: %v", order.ErrInvalid, err)
		}
		return address.Record{}, err
	}
	if rec.UserID != p.ID {
		return address.Record{}, fmt.Errorf("%w: address %q belongs to another user", ErrForbidden, id)
	}
	return rec, nil
}
