// Package address exposes read-only address records from the (external)
// address book. Orders snapshot the record at creation; the engine never
// follows a live reference afterwards.
package address

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/craftado/orderpay/internal/order"
)

// ErrNotFound is returned when the referenced address does not exist.
var ErrNotFound = errors.New("address not found")

// Record is an address book entry. UserID scopes ownership: an order may
// only reference addresses belonging to its owner.
type Record struct {
	ID     string
	UserID string
	order.Address
}

// Reader is the port through which the engine fetches address records.
type Reader interface {
	Address(ctx context.Context, id string) (Record, error)
}

// MemoryReader is an in-memory Reader for development and tests.
type MemoryReader struct {
	mu    sync.RWMutex
	addrs map[string]Record
}

var _ Reader = (*MemoryReader)(nil)

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{addrs: make(map[string]Record)}
}

func (r *MemoryReader) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[rec.ID] = rec
}

func (r *MemoryReader) Address(ctx context.Context, id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.addrs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return rec, nil
}
