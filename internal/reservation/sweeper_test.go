package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store/memory"
)

func TestSweepReleasesExpiredSessions(t *testing.T) {
	engine, repo := newTestEngine(t)
	seedSKU(repo, "sku-a", 10, 1000)
	seedSKU(repo, "sku-b", 10, 1000)

	checkout, err := engine.ReserveCheckout(context.Background(), CheckoutRequest{
		StoreID:    "main-store",
		CustomerID: "cust-1",
		Items:      []domain.RequestedItem{{ProductSKUID: "sku-a", Quantity: 3}},
	})
	require.NoError(t, err)

	pos, err := engine.ReservePOS(context.Background(), POSRequest{
		StoreID:    "main-store",
		TerminalID: "term-1",
		CashierID:  "cashier-1",
		Items:      []domain.RequestedItem{{ProductSKUID: "sku-b", Quantity: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, stockOf(t, repo, "sku-a"))
	require.Equal(t, 8, stockOf(t, repo, "sku-b"))

	sweeper := NewSweeper(engine, repo, zerolog.Nop(), time.Minute)
	sweeper.now = func() time.Time { return time.Now().UTC().Add(5 * time.Hour) }

	released, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, released)
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))
	assert.Equal(t, 10, stockOf(t, repo, "sku-b"))

	cs, err := repo.GetCheckoutSession(context.Background(), checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, cs.Status)

	ps, err := repo.GetPOSSession(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, ps.Status)

	// A second sweep finds nothing left to do.
	released, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, 10, stockOf(t, repo, "sku-a"))
}

func TestSweepLeavesLiveSessionsAlone(t *testing.T) {
	engine, repo := newTestEngine(t)
	seedSKU(repo, "sku-a", 10, 1000)

	_, err := engine.ReserveCheckout(context.Background(), CheckoutRequest{
		StoreID:    "main-store",
		CustomerID: "cust-1",
		Items:      []domain.RequestedItem{{ProductSKUID: "sku-a", Quantity: 3}},
	})
	require.NoError(t, err)

	sweeper := NewSweeper(engine, repo, zerolog.Nop(), time.Minute)
	released, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, 7, stockOf(t, repo, "sku-a"))
}

func TestSweepSkipsTerminalSessions(t *testing.T) {
	repo := memory.New()
	seedSKU(repo, "sku-a", 10, 1000)
	engine := NewEngine(repo, zerolog.Nop(), time.Minute)

	created, err := engine.ReservePOS(context.Background(), POSRequest{
		StoreID:    "main-store",
		TerminalID: "term-1",
		CashierID:  "cashier-1",
		Items:      []domain.RequestedItem{{ProductSKUID: "sku-a", Quantity: 2}},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Finalize(context.Background(), created.Ref(), ""))

	sweeper := NewSweeper(engine, repo, zerolog.Nop(), time.Minute)
	sweeper.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	released, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, 8, stockOf(t, repo, "sku-a"))
}
