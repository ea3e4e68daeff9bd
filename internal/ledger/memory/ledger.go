// Package memory provides an in-memory ledger.Ledger for tests. The mutex
// stands in for the database's uniqueness guarantee; a multi-instance
// deployment needs the SQLite implementation.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/craftado/orderpay/internal/ledger"
)

var _ ledger.Ledger = (*Ledger)(nil)

type Ledger struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*ledger.Entry
}

func New() *Ledger {
	return &Ledger{now: time.Now, entries: make(map[string]*ledger.Entry)}
}

// SetClock overrides the reservation clock; test helper.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) TryBegin(ctx context.Context, eventID string) (ledger.BeginResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prior, ok := l.entries[eventID]; ok {
		if prior.Outcome == ledger.OutcomeInFlight && l.now().Sub(prior.AppliedAt) >= ledger.ReclaimAfter {
			// Abandoned reservation; hand it to this caller.
			prior.AppliedAt = l.now().UTC()
			return ledger.BeginResult{Fresh: true}, nil
		}
		p := *prior
		return ledger.BeginResult{Fresh: false, Prior: &p}, nil
	}
	l.entries[eventID] = &ledger.Entry{
		EventID:   eventID,
		Outcome:   ledger.OutcomeInFlight,
		AppliedAt: l.now().UTC(),
	}
	return ledger.BeginResult{Fresh: true}, nil
}

func (l *Ledger) Record(ctx context.Context, eventID, orderID string, outcome ledger.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[eventID]
	if !ok || e.Outcome != ledger.OutcomeInFlight {
		return fmt.Errorf("event %q has no open reservation", eventID)
	}
	e.OrderID = orderID
	e.Outcome = outcome
	return nil
}

// Len reports the number of ledger entries; test helper.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
