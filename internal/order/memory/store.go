// Package memory provides an in-memory order.Store for development and
// tests. Do NOT use in production: state is lost on restart, so the
// engine's durability guarantees do not hold.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/craftado/orderpay/internal/order"
)

// Ensure Store implements the port at compile time.
var _ order.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
}

func New() *Store {
	return &Store{orders: make(map[string]*order.Order)}
}

func (s *Store) Create(ctx context.Context, o *order.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %q already exists", o.ID)
	}
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return clone(o), nil
}

// ApplyStatus performs the compare-and-set under the store lock, matching
// the atomicity the SQLite UPDATE gives the real implementation.
func (s *Store) ApplyStatus(ctx context.Context, id string, from, to order.Status) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: order %q was not %s", order.ErrConflict, id, from)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return clone(o), nil
}

func (s *Store) SetPaymentRef(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.PaymentRef = ref
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) List(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*order.Order
	for _, o := range s.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && o.CreatedAt.After(f.Until) {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// clone deep-copies an order so callers can never mutate stored state.
func clone(o *order.Order) *order.Order {
	c := *o
	c.Items = make([]order.Item, len(o.Items))
	for i, it := range o.Items {
		c.Items[i] = it
		if it.Customization != nil {
			m := make(map[string]string, len(it.Customization))
			for k, v := range it.Customization {
				m[k] = v
			}
			c.Items[i].Customization = m
		}
	}
	return &c
}
