// Package catalog exposes read-only product snapshots. The catalog itself
// (CRUD, images, categories) is another system; the engine only needs the
// unit price and the customization schema at order time.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the referenced product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is an immutable snapshot of a catalog entry.
type Product struct {
	ID        string
	Name      string
	UnitPrice decimal.Decimal

	// CustomizationSchema names the customization keys this product
	// accepts (e.g. "color", "engraving"). Payload keys outside the
	// schema are rejected at order creation.
	CustomizationSchema map[string]struct{}
}

// ValidateCustomization checks a customization payload against the schema.
func (p Product) ValidateCustomization(payload map[string]string) error {
	for key := range payload {
		if _, ok := p.CustomizationSchema[key]; !ok {
			return fmt.Errorf("product %s does not accept customization %q", p.ID, key)
		}
	}
	return nil
}

// Reader is the port through which the engine fetches product snapshots.
type Reader interface {
	Product(ctx context.Context, id string) (Product, error)
}

// MemoryReader is an in-memory Reader for development and tests.
type MemoryReader struct {
	mu       sync.RWMutex
	products map[string]Product
}

var _ Reader = (*MemoryReader)(nil)

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{products: make(map[string]Product)}
}

func (r *MemoryReader) Put(p Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

func (r *MemoryReader) Product(ctx context.Context, id string) (Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}
