package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

func TestReserveAndReleaseRestocksLedger(t *testing.T) {
	databaseURL := os.Getenv("RETAILCORE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RETAILCORE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	skuID := fmt.Sprintf("sku-reserve-it-%d", stamp)
	sessionID := fmt.Sprintf("pos-reserve-it-%d", stamp)
	storeID := "main-store"

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM session_items WHERE session_id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM pos_sessions WHERE id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_skus WHERE id = $1`, skuID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO product_skus (id, product_id, store_id, name, price_cents, quantity_available, active, updated_at)
		VALUES ($1, 'prod-reserve-it', $2, 'Reserve IT SKU', 2500, 10, true, now())
	`, skuID, storeID); err != nil {
		t.Fatalf("seed sku: %v", err)
	}

	now := time.Now().UTC()
	created, err := s.CreatePOSSession(ctx, domain.POSSession{
		ID:         sessionID,
		StoreID:    storeID,
		TerminalID: fmt.Sprintf("term-it-%d", stamp),
		CashierID:  fmt.Sprintf("cashier-it-%d", stamp),
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
	}, []domain.RequestedItem{{ProductSKUID: skuID, Quantity: 4}})
	if err != nil {
		t.Fatalf("create pos session: %v", err)
	}
	if created.Status != domain.SessionStatusActive {
		t.Fatalf("expected active session, got %q", created.Status)
	}

	stock, err := s.GetStockMap(ctx, storeID, []string{skuID})
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock[skuID] != 6 {
		t.Fatalf("expected stock 6 after reserve, got %d", stock[skuID])
	}

	if err := s.ReleasePOSSession(ctx, sessionID, domain.SessionStatusVoided, now); err != nil {
		t.Fatalf("release: %v", err)
	}

	stock, err = s.GetStockMap(ctx, storeID, []string{skuID})
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock[skuID] != 10 {
		t.Fatalf("expected stock 10 after release, got %d", stock[skuID])
	}

	// The second release must be a no-op: stock stays at 10.
	err = s.ReleasePOSSession(ctx, sessionID, domain.SessionStatusVoided, now)
	if !errors.Is(err, store.ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal on double release, got %v", err)
	}

	stock, err = s.GetStockMap(ctx, storeID, []string{skuID})
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock[skuID] != 10 {
		t.Fatalf("expected stock 10 after double release, got %d", stock[skuID])
	}
}

func TestReserveInsufficientStockLeavesLedgerUntouched(t *testing.T) {
	databaseURL := os.Getenv("RETAILCORE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RETAILCORE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	okSKU := fmt.Sprintf("sku-short-ok-%d", stamp)
	shortSKU := fmt.Sprintf("sku-short-no-%d", stamp)
	storeID := "main-store"

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_skus WHERE id IN ($1, $2)`, okSKU, shortSKU)
	})

	for _, seed := range []struct {
		id  string
		qty int
	}{{okSKU, 5}, {shortSKU, 1}} {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO product_skus (id, product_id, store_id, name, price_cents, quantity_available, active, updated_at)
			VALUES ($1, 'prod-short-it', $2, 'Short IT SKU', 1000, $3, true, now())
		`, seed.id, storeID, seed.qty); err != nil {
			t.Fatalf("seed sku %s: %v", seed.id, err)
		}
	}

	now := time.Now().UTC()
	_, err = s.CreateCheckoutSession(ctx, domain.CheckoutSession{
		ID:         fmt.Sprintf("chk-short-it-%d", stamp),
		StoreID:    storeID,
		CustomerID: "cust-it",
		ExpiresAt:  now.Add(5 * time.Minute),
		CreatedAt:  now,
	}, []domain.RequestedItem{
		{ProductSKUID: okSKU, Quantity: 2},
		{ProductSKUID: shortSKU, Quantity: 3},
	})

	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if len(insufficient.Unavailable) != 1 || insufficient.Unavailable[0].ProductSKUID != shortSKU {
		t.Fatalf("unexpected unavailable list: %+v", insufficient.Unavailable)
	}

	stock, err := s.GetStockMap(ctx, storeID, []string{okSKU, shortSKU})
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock[okSKU] != 5 || stock[shortSKU] != 1 {
		t.Fatalf("ledger changed on failed reserve: %+v", stock)
	}
}
