// Package ledger defines the idempotency ledger: the durable record of
// which external event ids have already been applied. It is the component
// that turns the provider's at-least-once webhook delivery into an
// exactly-once effect on order state.
//
// The ledger is two-phase. TryBegin reserves an event id before any side
// effects run; at most one concurrent caller for a given id observes Fresh,
// every other caller observes AlreadyApplied with the outcome the winner
// recorded. Record finalizes the reservation once the effect is durable.
// Records are never updated after Record and never deleted.
//
// A reservation whose holder failed before Record stays in_flight. Once it
// is older than ReclaimAfter, TryBegin hands it to exactly one new caller
// as Fresh again, so a provider retry can still apply the transition
// instead of replaying a failure forever.
package ledger

import (
	"context"
	"time"
)

// ReclaimAfter is how long an in_flight reservation is honored before
// TryBegin offers it to a new caller. Short enough that a provider retry
// after a processing failure gets a real second attempt, long enough that
// a concurrent duplicate of a delivery still being applied is not.
const ReclaimAfter = time.Minute

// Outcome is what applying an event did to the order.
type Outcome string

const (
	// OutcomeApplied: the transition was performed.
	OutcomeApplied Outcome = "applied"
	// OutcomeStale: the order had already moved past the expected state;
	// the event was acknowledged but changed nothing.
	OutcomeStale Outcome = "stale"
	// OutcomeSkipped: the event type is not one the engine acts on.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeInFlight: a reservation exists but the first delivery has not
	// recorded its outcome yet (or crashed before it could).
	OutcomeInFlight Outcome = "in_flight"
)

// Entry is one row of the ledger: exactly one per distinct event id.
type Entry struct {
	EventID   string
	OrderID   string
	Outcome   Outcome
	AppliedAt time.Time
}

// BeginResult is what TryBegin observed for an event id.
type BeginResult struct {
	// Fresh is true for at most one live reservation holder per event id:
	// the first caller, or the single reclaimer of an abandoned one.
	Fresh bool
	// Prior holds the previously recorded entry when Fresh is false.
	Prior *Entry
}

// Ledger is the port for idempotency persistence. TryBegin must be atomic
// under concurrent calls with the same event id. In a multi-instance
// deployment the ledger write is the only coordination point, so the
// implementation's uniqueness guarantee must come from the store itself,
// not from an in-process mutex.
type Ledger interface {
	TryBegin(ctx context.Context, eventID string) (BeginResult, error)
	Record(ctx context.Context, eventID, orderID string, outcome Outcome) error
}
