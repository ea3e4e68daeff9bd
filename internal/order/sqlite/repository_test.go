package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftado/orderpay/internal/order"
)

func openRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sampleOrder(id, userID string) *order.Order {
	now := time.Now().UTC()
	return &order.Order{
		ID:     id,
		UserID: userID,
		Items: []order.Item{
			{
				ProductID:     "prod-1",
				Quantity:      2,
				UnitPrice:     decimal.RequireFromString("24.99"),
				Customization: map[string]string{"color": "blue"},
			},
		},
		TotalAmount:       decimal.RequireFromString("49.98"),
		Status:            order.StatusPending,
		ShippingAddressID: "addr-1",
		BillingAddressID:  "addr-2",
		ShippingAddress:   order.Address{FullName: "A Customer", Line1: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701", Country: "US", Phone: "+1 555 0100"},
		BillingAddress:    order.Address{FullName: "A Customer", Line1: "2 Side St", City: "Springfield", State: "IL", PostalCode: "62701", Country: "US", Phone: "+1 555 0100"},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	want := sampleOrder("ord-1", "user-1")
	require.NoError(t, repo.Create(ctx, want))

	got, err := repo.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.True(t, got.TotalAmount.Equal(want.TotalAmount))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "prod-1", got.Items[0].ProductID)
	assert.Equal(t, map[string]string{"color": "blue"}, got.Items[0].Customization)
	assert.Equal(t, "1 Main St", got.ShippingAddress.Line1)
	assert.Equal(t, "2 Side St", got.BillingAddress.Line1)
}

func TestGetMissingOrder(t *testing.T) {
	repo := openRepo(t)

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestCreateRejectsInvalidOrder(t *testing.T) {
	repo := openRepo(t)

	bad := sampleOrder("ord-bad", "user-1")
	bad.TotalAmount = decimal.RequireFromString("1.00")

	assert.ErrorIs(t, repo.Create(context.Background(), bad), order.ErrInvalid)
}

func TestApplyStatusCAS(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, sampleOrder("ord-1", "user-1")))

	got, err := repo.ApplyStatus(ctx, "ord-1", order.StatusPending, order.StatusAuthorizing)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAuthorizing, got.Status)

	// Losing side of the race: expected status no longer holds.
	_, err = repo.ApplyStatus(ctx, "ord-1", order.StatusPending, order.StatusAuthorizing)
	assert.ErrorIs(t, err, order.ErrConflict)

	// Missing order is NotFound, not Conflict.
	_, err = repo.ApplyStatus(ctx, "nope", order.StatusPending, order.StatusAuthorizing)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestApplyStatusConcurrentSingleWinner(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, sampleOrder("ord-1", "user-1")))

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ApplyStatus(ctx, "ord-1", order.StatusPending, order.StatusAuthorizing); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one CAS must win")
}

func TestSetPaymentRef(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, sampleOrder("ord-1", "user-1")))

	require.NoError(t, repo.SetPaymentRef(ctx, "ord-1", "pi_123"))

	got, err := repo.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", got.PaymentRef)

	assert.ErrorIs(t, repo.SetPaymentRef(ctx, "nope", "pi_x"), order.ErrNotFound)
}

func TestListFiltersByStatusAndUser(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	a := sampleOrder("ord-a", "user-1")
	b := sampleOrder("ord-b", "user-2")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))
	_, err := repo.ApplyStatus(ctx, "ord-b", order.StatusPending, order.StatusAuthorizing)
	require.NoError(t, err)

	pending, err := repo.List(ctx, order.ListFilter{Status: order.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ord-a", pending[0].ID)

	byUser, err := repo.List(ctx, order.ListFilter{UserID: "user-2"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "ord-b", byUser[0].ID)

	all, err := repo.List(ctx, order.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	require.Len(t, all[0].Items, 1)
}
