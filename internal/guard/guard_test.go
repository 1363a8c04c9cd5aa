package guard

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/store/memory"
	"retailcore/backend/internal/xid"
)

func newTestGuard(repo *memory.Store) *Guard {
	return New(repo, cache.NewNoop(), zerolog.Nop(), 50, 24*time.Hour, time.Second)
}

func seedSKU(repo *memory.Store, id string, qty int) {
	repo.AddSKU(domain.ProductSKU{
		ID:                id,
		ProductID:         "prod-" + id,
		StoreID:           "main-store",
		Name:              id,
		PriceCents:        1000,
		QuantityAvailable: qty,
		Active:            true,
		UpdatedAt:         time.Now().UTC(),
	})
}

func reserveCheckout(t *testing.T, repo *memory.Store, skuID string) *domain.CheckoutSession {
	t.Helper()
	now := time.Now().UTC()
	created, err := repo.CreateCheckoutSession(context.Background(), domain.CheckoutSession{
		ID:         xid.New("chk"),
		StoreID:    "main-store",
		CustomerID: "cust-1",
		ExpiresAt:  now.Add(5 * time.Minute),
		CreatedAt:  now,
	}, []domain.RequestedItem{{ProductSKUID: skuID, Quantity: 1}})
	require.NoError(t, err)
	return created
}

func reservePOS(t *testing.T, repo *memory.Store, terminalID string, skuID string) *domain.POSSession {
	t.Helper()
	now := time.Now().UTC()
	created, err := repo.CreatePOSSession(context.Background(), domain.POSSession{
		ID:         xid.New("pos"),
		StoreID:    "main-store",
		TerminalID: terminalID,
		CashierID:  "cashier-1",
		ExpiresAt:  now.Add(4 * time.Hour),
		CreatedAt:  now,
	}, []domain.RequestedItem{{ProductSKUID: skuID, Quantity: 1}})
	require.NoError(t, err)
	return created
}

func TestReservedSKUsReportsOnlyHeldOnes(t *testing.T) {
	repo := memory.New()
	seedSKU(repo, "sku-a", 10)
	seedSKU(repo, "sku-b", 10)
	seedSKU(repo, "sku-c", 10)

	reserveCheckout(t, repo, "sku-a")
	reservePOS(t, repo, "term-1", "sku-b")

	g := newTestGuard(repo)
	reserved, err := g.ReservedSKUs(context.Background(), "main-store", []string{"sku-a", "sku-b", "sku-c"}, ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"sku-a", "sku-b"}, reserved)
}

func TestReservedSKUsScopeFilters(t *testing.T) {
	repo := memory.New()
	seedSKU(repo, "sku-a", 10)
	seedSKU(repo, "sku-b", 10)

	reserveCheckout(t, repo, "sku-a")
	reservePOS(t, repo, "term-1", "sku-b")

	g := newTestGuard(repo)

	reserved, err := g.ReservedSKUs(context.Background(), "main-store", []string{"sku-a", "sku-b"}, ScopeCheckout)
	require.NoError(t, err)
	assert.Equal(t, []string{"sku-a"}, reserved)

	reserved, err = g.ReservedSKUs(context.Background(), "main-store", []string{"sku-a", "sku-b"}, ScopePOS)
	require.NoError(t, err)
	assert.Equal(t, []string{"sku-b"}, reserved)
}

func TestReservedSKUsIgnoresSettledSessions(t *testing.T) {
	repo := memory.New()
	seedSKU(repo, "sku-a", 10)
	seedSKU(repo, "sku-b", 10)

	cs := reserveCheckout(t, repo, "sku-a")
	_, err := repo.CompleteCheckoutSession(context.Background(), cs.ID, "order-1", time.Now().UTC())
	require.NoError(t, err)

	ps := reservePOS(t, repo, "term-1", "sku-b")
	require.NoError(t, repo.ReleasePOSSession(context.Background(), ps.ID, domain.SessionStatusVoided, time.Now().UTC()))

	g := newTestGuard(repo)
	reserved, err := g.ReservedSKUs(context.Background(), "main-store", []string{"sku-a", "sku-b"}, ScopeAll)
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

func TestReservedSKUsIgnoresExpiredSessions(t *testing.T) {
	repo := memory.New()
	seedSKU(repo, "sku-a", 10)

	reserveCheckout(t, repo, "sku-a")

	g := newTestGuard(repo)
	g.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	reserved, err := g.ReservedSKUs(context.Background(), "main-store", []string{"sku-a"}, ScopeAll)
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

func TestReservedSKUsRejectsOversizedBatch(t *testing.T) {
	repo := memory.New()
	g := New(repo, cache.NewNoop(), zerolog.Nop(), 3, 24*time.Hour, time.Second)

	_, err := g.ReservedSKUs(context.Background(), "main-store", []string{"a", "b", "c", "d"}, ScopeAll)
	var tooLarge *domain.BatchTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 4, tooLarge.Size)
	assert.Equal(t, 3, tooLarge.Cap)
}

func TestReservedSKUsValidatesInput(t *testing.T) {
	repo := memory.New()
	g := newTestGuard(repo)

	_, err := g.ReservedSKUs(context.Background(), "", []string{"a"}, ScopeAll)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = g.ReservedSKUs(context.Background(), "main-store", nil, ScopeAll)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

type stubCache struct {
	entries map[string][]string
	sets    int
}

func newStubCache() *stubCache {
	return &stubCache{entries: make(map[string][]string)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]string, bool, error) {
	hit, ok := c.entries[key]
	return hit, ok, nil
}

func (c *stubCache) Set(_ context.Context, key string, skuIDs []string, _ time.Duration) error {
	c.entries[key] = skuIDs
	c.sets++
	return nil
}

func (c *stubCache) Close() error { return nil }

func TestReservedSKUsUsesCache(t *testing.T) {
	repo := memory.New()
	seedSKU(repo, "sku-a", 10)
	reserveCheckout(t, repo, "sku-a")

	sc := newStubCache()
	g := New(repo, sc, zerolog.Nop(), 50, 24*time.Hour, time.Second)

	first, err := g.ReservedSKUs(context.Background(), "main-store", []string{"sku-a"}, ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"sku-a"}, first)
	assert.Equal(t, 1, sc.sets)

	// Same query again: served from cache, no second compute.
	second, err := g.ReservedSKUs(context.Background(), "main-store", []string{"sku-a"}, ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, sc.sets)
}
