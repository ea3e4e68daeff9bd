// Package sqlite provides the SQLite-backed implementation of
// ledger.Ledger. The UNIQUE primary key on event_id is the atomic arbiter:
// two concurrent deliveries of the same event race on one INSERT, the
// database accepts exactly one, and the loser reads the winner's row.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/craftado/orderpay/internal/ledger"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_events (
    -- Provider-assigned event id; the idempotency key.
    event_id   TEXT PRIMARY KEY,

    -- Order the event affected. Empty until Record.
    order_id   TEXT NOT NULL DEFAULT '',

    -- Outcome of applying the event. 'in_flight' until Record.
    outcome    TEXT NOT NULL DEFAULT 'in_flight',

    -- RFC3339 reservation time.
    applied_at TEXT NOT NULL
);
`

// Repository is the SQLite implementation of ledger.Ledger.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Ledger = (*Repository)(nil)

// Open opens (or creates) the SQLite database at the given path and applies
// the schema. The same pragmas as the order store: WAL, busy timeout.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply ledger schema: %w", err)
	}
	return &Repository{db: db, now: time.Now}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// TryBegin reserves the event id. ON CONFLICT DO NOTHING makes the insert a
// no-op when the id already exists, and RowsAffected tells us which side of
// the race we were on. An in_flight row older than ledger.ReclaimAfter is
// an abandoned reservation; it is handed to exactly one caller again.
func (r *Repository) TryBegin(ctx context.Context, eventID string) (ledger.BeginResult, error) {
	const ins = `
		INSERT INTO payment_events (event_id, applied_at)
		VALUES (?, ?)
		ON CONFLICT(event_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, ins, eventID, r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return ledger.BeginResult{}, fmt.Errorf("sqlite: reserve event %q: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.BeginResult{}, fmt.Errorf("sqlite: rows affected for event %q: %w", eventID, err)
	}
	if n == 1 {
		return ledger.BeginResult{Fresh: true}, nil
	}

	prior, err := r.get(ctx, eventID)
	if err != nil {
		return ledger.BeginResult{}, err
	}

	if prior.Outcome == ledger.OutcomeInFlight && r.now().Sub(prior.AppliedAt) >= ledger.ReclaimAfter {
		reclaimed, err := r.reclaim(ctx, eventID, prior.AppliedAt)
		if err != nil {
			return ledger.BeginResult{}, err
		}
		if reclaimed {
			return ledger.BeginResult{Fresh: true}, nil
		}
		// Lost the reclaim race; re-read what the winner left behind.
		if prior, err = r.get(ctx, eventID); err != nil {
			return ledger.BeginResult{}, err
		}
	}
	return ledger.BeginResult{Fresh: false, Prior: prior}, nil
}

// reclaim takes over an abandoned reservation. The applied_at predicate is
// a compare-and-set on the reservation timestamp, so concurrent reclaimers
// race on one UPDATE and the database accepts exactly one.
func (r *Repository) reclaim(ctx context.Context, eventID string, seenAt time.Time) (bool, error) {
	const q = `
		UPDATE payment_events
		SET    applied_at = ?
		WHERE  event_id = ? AND outcome = 'in_flight' AND applied_at = ?`

	res, err := r.db.ExecContext(ctx, q,
		r.now().UTC().Format(time.RFC3339Nano),
		eventID,
		seenAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: reclaim event %q: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected reclaiming event %q: %w", eventID, err)
	}
	return n == 1, nil
}

// Record finalizes a reservation with the computed outcome. The guard on
// outcome = 'in_flight' keeps applied rows immutable.
func (r *Repository) Record(ctx context.Context, eventID, orderID string, outcome ledger.Outcome) error {
	const q = `
		UPDATE payment_events
		SET    order_id = ?, outcome = ?
		WHERE  event_id = ? AND outcome = 'in_flight'`

	res, err := r.db.ExecContext(ctx, q, orderID, string(outcome), eventID)
	if err != nil {
		return fmt.Errorf("sqlite: record event %q: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: event %q has no open reservation", eventID)
	}
	return nil
}

func (r *Repository) get(ctx context.Context, eventID string) (*ledger.Entry, error) {
	const q = `
		SELECT event_id, order_id, outcome, applied_at
		FROM   payment_events
		WHERE  event_id = ?`

	var e ledger.Entry
	var outcome, appliedAt string
	err := r.db.QueryRowContext(ctx, q, eventID).Scan(&e.EventID, &e.OrderID, &outcome, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: event %q not found", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get event %q: %w", eventID, err)
	}
	e.Outcome = ledger.Outcome(outcome)
	if e.AppliedAt, err = time.Parse(time.RFC3339Nano, appliedAt); err != nil {
		return nil, fmt.Errorf("sqlite: parse applied_at %q: %w", appliedAt, err)
	}
	return &e, nil
}
