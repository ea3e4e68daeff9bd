// Package sqlite provides the SQLite-backed implementation of order.Store.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa: the webhook worker writes status rows while the HTTP handlers read.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craftado/orderpay/internal/order"

	// Register the pure-Go SQLite driver. We use modernc.org/sqlite
	// instead of mattn/go-sqlite3 to avoid CGO requirements.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup. Orders are never deleted;
// cancelled and refunded rows are kept for audit.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    status           TEXT NOT NULL,

    -- Decimal stored as TEXT; fixed at creation, authoritative afterwards.
    total_amount     TEXT NOT NULL,

    -- Provider payment-intent reference. Empty until authorization.
    payment_ref      TEXT NOT NULL DEFAULT '',

    shipping_addr_id TEXT NOT NULL,
    billing_addr_id  TEXT NOT NULL,

    -- Address snapshots captured at creation (JSON). Orders must not
    -- follow a live address reference.
    shipping_addr    TEXT NOT NULL,
    billing_addr     TEXT NOT NULL,

    -- RFC3339 stored as TEXT, SQLite idiom.
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_items (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id      TEXT NOT NULL REFERENCES orders(id),
    product_id    TEXT NOT NULL,
    quantity      INTEGER NOT NULL CHECK (quantity >= 1),
    unit_price    TEXT NOT NULL,
    customization TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_status  ON orders(status, created_at);
CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id);
`

// Repository is the SQLite implementation of order.Store.
type Repository struct {
	db *sql.DB
}

var _ order.Store = (*Repository)(nil)

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts the order and its items in one transaction.
func (r *Repository) Create(ctx context.Context, o *order.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	shipJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("sqlite: marshal shipping address: %w", err)
	}
	billJSON, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return fmt.Errorf("sqlite: marshal billing address: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insOrder = `
		INSERT INTO orders
			(id, user_id, status, total_amount, payment_ref,
			 shipping_addr_id, billing_addr_id, shipping_addr, billing_addr,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insOrder,
		o.ID,
		o.UserID,
		string(o.Status),
		o.TotalAmount.String(),
		o.PaymentRef,
		o.ShippingAddressID,
		o.BillingAddressID,
		string(shipJSON),
		string(billJSON),
		formatTime(o.CreatedAt),
		formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert order %q: %w", o.ID, err)
	}

	const insItem = `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, customization)
		VALUES (?, ?, ?, ?, ?)`

	for _, it := range o.Items {
		custJSON, err := json.Marshal(it.Customization)
		if err != nil {
			return fmt.Errorf("sqlite: marshal customization: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insItem,
			o.ID, it.ProductID, it.Quantity, it.UnitPrice.String(), string(custJSON),
		); err != nil {
			return fmt.Errorf("sqlite: insert item for order %q: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns the order with its items, or order.ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*order.Order, error) {
	const q = `
		SELECT id, user_id, status, total_amount, payment_ref,
		       shipping_addr_id, billing_addr_id, shipping_addr, billing_addr,
		       created_at, updated_at
		FROM   orders
		WHERE  id = ?`

	o, err := scanOrder(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, err
	}

	o.Items, err = r.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ApplyStatus is the compare-and-set at the heart of the engine: the UPDATE
// only matches when the current status equals from, so concurrent writers
// serialize on the row and the loser sees order.ErrConflict.
func (r *Repository) ApplyStatus(ctx context.Context, id string, from, to order.Status) (*order.Order, error) {
	const q = `
		UPDATE orders
		SET    status = ?, updated_at = ?
		WHERE  id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, q, string(to), formatTime(time.Now().UTC()), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("sqlite: apply status %s->%s for %q: %w", from, to, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: rows affected for %q: %w", id, err)
	}
	if n == 0 {
		// Either the order is missing or its status moved. Distinguish so
		// the caller sees the right taxonomy entry.
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %q was not %s", order.ErrConflict, id, from)
	}
	return r.Get(ctx, id)
}

// SetPaymentRef records the provider's payment-intent reference.
func (r *Repository) SetPaymentRef(ctx context.Context, id, ref string) error {
	const q = `UPDATE orders SET payment_ref = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, q, ref, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("sqlite: set payment ref for %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", order.ErrNotFound, id)
	}
	return nil
}

// List returns orders matching the filter, newest first. Items are loaded
// per order; admin listings are small enough that N+1 reads are fine here.
func (r *Repository) List(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	q := `
		SELECT id, user_id, status, total_amount, payment_ref,
		       shipping_addr_id, billing_addr_id, shipping_addr, billing_addr,
		       created_at, updated_at
		FROM   orders
		WHERE  1=1`
	var args []any
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		q += " AND created_at <= ?"
		args = append(args, formatTime(f.Until))
	}
	q += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list orders: %w", err)
	}
	for _, o := range out {
		if o.Items, err = r.loadItems(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) loadItems(ctx context.Context, orderID string) ([]order.Item, error) {
	const q = `
		SELECT product_id, quantity, unit_price, customization
		FROM   order_items
		WHERE  order_id = ?
		ORDER  BY id`

	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load items for %q: %w", orderID, err)
	}
	defer rows.Close()

	var items []order.Item
	for rows.Next() {
		var it order.Item
		var price, cust string
		if err := rows.Scan(&it.ProductID, &it.Quantity, &price, &cust); err != nil {
			return nil, fmt.Errorf("sqlite: scan item for %q: %w", orderID, err)
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("sqlite: parse unit price %q: %w", price, err)
		}
		if err := json.Unmarshal([]byte(cust), &it.Customization); err != nil {
			return nil, fmt.Errorf("sqlite: parse customization for %q: %w", orderID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var o order.Order
	var status, total, shipJSON, billJSON, createdAt, updatedAt string

	err := row.Scan(
		&o.ID,
		&o.UserID,
		&status,
		&total,
		&o.PaymentRef,
		&o.ShippingAddressID,
		&o.BillingAddressID,
		&shipJSON,
		&billJSON,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan order: %w", err)
	}

	o.Status = order.Status(status)
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("sqlite: parse total %q: %w", total, err)
	}
	if err := json.Unmarshal([]byte(shipJSON), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("sqlite: parse shipping address: %w", err)
	}
	if err := json.Unmarshal([]byte(billJSON), &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("sqlite: parse billing address: %w", err)
	}
	if o.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}
