package order

import (
	"context"
	"time"
)

// ListFilter narrows an admin order listing. Zero values mean "no filter".
type ListFilter struct {
	Status Status
	UserID string
	Since  time.Time
	Until  time.Time
}

// Store is the port for order persistence. The engine depends on this
// abstraction, not on SQLite directly, so tests can use the in-memory
// implementation.
//
// ApplyStatus is the single serialization point per order: it succeeds
// only when the order's current status equals from, otherwise it returns
// ErrConflict and leaves the row untouched. No separate lock manager is
// needed; the CAS rejects the loser of any race.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ApplyStatus(ctx context.Context, id string, from, to Status) (*Order, error)
	SetPaymentRef(ctx context.Context, id, ref string) error
	List(ctx context.Context, f ListFilter) ([]*Order, error)
}
