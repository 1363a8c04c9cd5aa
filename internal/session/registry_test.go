package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/reservation"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/store/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	repo := memory.New()
	engine := reservation.NewEngine(repo, zerolog.Nop(), 4*time.Hour)
	return NewRegistry(repo, engine, zerolog.Nop()), repo
}

func seedSKU(repo *memory.Store, id string, qty int, priceCents int64) {
	repo.AddSKU(domain.ProductSKU{
		ID:                id,
		ProductID:         "prod-" + id,
		StoreID:           "main-store",
		Name:              id,
		PriceCents:        priceCents,
		QuantityAvailable: qty,
		Active:            true,
		UpdatedAt:         time.Now().UTC(),
	})
}

func stockOf(t *testing.T, repo *memory.Store, id string) int {
	t.Helper()
	sku, err := repo.GetSKU(context.Background(), id)
	require.NoError(t, err)
	return sku.QuantityAvailable
}

func newPOSRequest(items ...domain.RequestedItem) reservation.POSRequest {
	return reservation.POSRequest{
		StoreID:    "main-store",
		TerminalID: "term-1",
		CashierID:  "cashier-1",
		Items:      items,
	}
}

func TestGetCheckoutSessionAppliesLazyExpiry(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	created, err := registry.CreateCheckoutSession(context.Background(), reservation.CheckoutRequest{
		StoreID:    "main-store",
		CustomerID: "cust-1",
		Items:      []domain.RequestedItem{{ProductSKUID: "sku-a", Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, stockOf(t, repo, "sku-a"))

	registry.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	got, err := registry.GetCheckoutSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, got.Status)
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))
}

func TestCompleteCheckoutSessionAfterExpiryFails(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	created, err := registry.CreateCheckoutSession(context.Background(), reservation.CheckoutRequest{
		StoreID:    "main-store",
		CustomerID: "cust-1",
		Items:      []domain.RequestedItem{{ProductSKUID: "sku-a", Quantity: 3}},
	})
	require.NoError(t, err)

	registry.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	_, err = registry.CompleteCheckoutSession(context.Background(), created.ID, "order-1")
	var transition *domain.InvalidStateTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, domain.SessionStatusExpired, transition.Current)
	assert.Equal(t, domain.SessionStatusCompleted, transition.Attempted)
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))
}

func TestCompleteCheckoutSession(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	created, err := registry.CreateCheckoutSession(context.Background(), reservation.CheckoutRequest{
		StoreID:    "main-store",
		CustomerID: "cust-1",
		Items:      []domain.RequestedItem{{ProductSKUID: "sku-a", Quantity: 3}},
	})
	require.NoError(t, err)

	completed, err := registry.CompleteCheckoutSession(context.Background(), created.ID, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, completed.Status)
	assert.Equal(t, "order-1", completed.PlacedOrderID)
	assert.Equal(t, 7, stockOf(t, repo, "sku-a"))

	// A double submit is rejected rather than silently re-completed.
	_, err = registry.CompleteCheckoutSession(context.Background(), created.ID, "order-2")
	var transition *domain.InvalidStateTransitionError
	assert.ErrorAs(t, err, &transition)
}

func TestCreatePOSSessionEnforcesActiveSlot(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	_, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 1}))
	require.NoError(t, err)

	_, err = registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 1}))
	assert.ErrorIs(t, err, store.ErrActiveSessionExists)

	// A different cashier on the same terminal is fine.
	other := newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 1})
	other.CashierID = "cashier-2"
	_, err = registry.CreatePOSSession(context.Background(), other)
	assert.NoError(t, err)
}

func TestCreatePOSSessionReplacesExpiredLeftover(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	engine := reservation.NewEngine(repo, zerolog.Nop(), time.Minute)
	registry = NewRegistry(repo, engine, zerolog.Nop())

	stale, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 4}))
	require.NoError(t, err)

	registry.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	fresh, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 2}))
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, fresh.ID)

	// The stale session's stock came back before the new reserve took its cut.
	assert.Equal(t, 8, stockOf(t, repo, "sku-a"))

	got, err := registry.GetPOSSession(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, got.Status)
}

func TestHoldVoidThenResumeFails(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	created, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 4}))
	require.NoError(t, err)
	require.Equal(t, 6, stockOf(t, repo, "sku-a"))

	held, err := registry.HoldSession(context.Background(), created.ID, "customer stepped away")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusHeld, held.Status)
	assert.Equal(t, "customer stepped away", held.HoldReason)
	require.NotNil(t, held.HeldAt)

	// Holding keeps the reservation live.
	assert.Equal(t, 6, stockOf(t, repo, "sku-a"))

	require.NoError(t, registry.VoidSession(context.Background(), created.ID))
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))

	_, err = registry.ResumeSession(context.Background(), created.ID)
	var transition *domain.InvalidStateTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, domain.SessionStatusVoided, transition.Current)
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))
}

func TestHoldAndResumeRoundTrip(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	created, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 2}))
	require.NoError(t, err)

	_, err = registry.HoldSession(context.Background(), created.ID, "")
	require.NoError(t, err)

	resumed, err := registry.ResumeSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, resumed.Status)
	assert.Nil(t, resumed.HeldAt)
	assert.Empty(t, resumed.HoldReason)
	assert.Len(t, resumed.CartItems, 1)
}

func TestResumeBlockedByActiveSlot(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	first, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 1}))
	require.NoError(t, err)
	_, err = registry.HoldSession(context.Background(), first.ID, "")
	require.NoError(t, err)

	_, err = registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 1}))
	require.NoError(t, err)

	_, err = registry.ResumeSession(context.Background(), first.ID)
	assert.ErrorIs(t, err, store.ErrActiveSessionExists)
}

func TestResumeExpiredHeldSessionReleasesIt(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	engine := reservation.NewEngine(repo, zerolog.Nop(), time.Minute)
	registry = NewRegistry(repo, engine, zerolog.Nop())

	created, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 3}))
	require.NoError(t, err)
	_, err = registry.HoldSession(context.Background(), created.ID, "")
	require.NoError(t, err)

	registry.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	_, err = registry.ResumeSession(context.Background(), created.ID)
	var transition *domain.InvalidStateTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, domain.SessionStatusExpired, transition.Current)
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))
}

func TestVoidIsIdempotent(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	created, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 4}))
	require.NoError(t, err)

	require.NoError(t, registry.VoidSession(context.Background(), created.ID))
	require.NoError(t, registry.VoidSession(context.Background(), created.ID))
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))
}

func TestCompleteSessionFromHeld(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 10, 1000)

	created, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 4}))
	require.NoError(t, err)
	_, err = registry.HoldSession(context.Background(), created.ID, "")
	require.NoError(t, err)

	completed, err := registry.CompleteSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, completed.Status)
	assert.Equal(t, 6, stockOf(t, repo, "sku-a"))

	// Completion consumed the reservation; voiding after is a no-op.
	require.NoError(t, registry.VoidSession(context.Background(), created.ID))
	assert.Equal(t, 6, stockOf(t, repo, "sku-a"))
}

func TestListHeldSessionsExcludesExpired(t *testing.T) {
	registry, repo := newTestRegistry(t)
	seedSKU(repo, "sku-a", 20, 1000)

	engine := reservation.NewEngine(repo, zerolog.Nop(), time.Minute)
	registry = NewRegistry(repo, engine, zerolog.Nop())

	short, err := registry.CreatePOSSession(context.Background(), newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 2}))
	require.NoError(t, err)
	_, err = registry.HoldSession(context.Background(), short.ID, "")
	require.NoError(t, err)

	longReq := newPOSRequest(domain.RequestedItem{ProductSKUID: "sku-a", Quantity: 2})
	longReq.TTL = time.Hour
	long, err := registry.CreatePOSSession(context.Background(), longReq)
	require.NoError(t, err)
	_, err = registry.HoldSession(context.Background(), long.ID, "")
	require.NoError(t, err)

	registry.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	held, err := registry.ListHeldSessions(context.Background(), "main-store", "term-1", "cashier-1", 10)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, long.ID, held[0].ID)

	// The lapsed one was released on the way out.
	assert.Equal(t, 18, stockOf(t, repo, "sku-a"))
}
