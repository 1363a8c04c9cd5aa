// Package postgres implements the Repository against PostgreSQL. All
// reservation mutations run as serializable transactions with row locks on
// the SKUs they touch, which is the sole correctness mechanism against
// concurrent oversell.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------- stock ledger ----------------

const skuColumns = `id, product_id, store_id, name, price_cents, quantity_available, images, attributes, active, updated_at`

func scanSKU(row interface{ Scan(...any) error }) (*domain.ProductSKU, error) {
	var sku domain.ProductSKU
	var images, attributes []byte
	err := row.Scan(&sku.ID, &sku.ProductID, &sku.StoreID, &sku.Name, &sku.PriceCents,
		&sku.QuantityAvailable, &images, &attributes, &sku.Active, &sku.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &sku.Images); err != nil {
			return nil, err
		}
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &sku.Attributes); err != nil {
			return nil, err
		}
	}
	sku.UpdatedAt = sku.UpdatedAt.UTC()
	return &sku, nil
}

func (s *Store) ListSKUs(ctx context.Context, storeID string) ([]domain.ProductSKU, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+skuColumns+`
		FROM product_skus
		WHERE store_id = $1 AND active = true
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	skus := make([]domain.ProductSKU, 0, 64)
	for rows.Next() {
		sku, err := scanSKU(rows)
		if err != nil {
			return nil, err
		}
		skus = append(skus, *sku)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return skus, nil
}

func (s *Store) GetSKU(ctx context.Context, skuID string) (*domain.ProductSKU, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+skuColumns+`
		FROM product_skus
		WHERE id = $1
	`, skuID)
	sku, err := scanSKU(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sku, nil
}

func (s *Store) GetStockMap(ctx context.Context, storeID string, skuIDs []string) (map[string]int, error) {
	stock := make(map[string]int, len(skuIDs))
	if len(skuIDs) == 0 {
		return stock, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, quantity_available
		FROM product_skus
		WHERE store_id = $1 AND id = ANY($2)
	`, storeID, skuIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		stock[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range skuIDs {
		if _, ok := stock[id]; !ok {
			stock[id] = 0
		}
	}
	return stock, nil
}

func (s *Store) SetStock(ctx context.Context, storeID string, skuID string, qty int) error {
	if skuID == "" || qty < 0 {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE product_skus
		SET quantity_available = $3, updated_at = now()
		WHERE store_id = $1 AND id = $2
	`, storeID, skuID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---------------- atomic reserve ----------------

// reserveStock locks every requested SKU row, verifies availability and
// decrements the ledger. All-or-nothing: any short SKU aborts the whole
// transaction with a *domain.InsufficientStockError listing every shortage.
func reserveStock(ctx context.Context, tx *sql.Tx, storeID string, items []domain.RequestedItem) ([]domain.SessionItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, store.ErrInvalidInput
	}

	skuIDs := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, 0, store.ErrInvalidInput
		}
		skuIDs = append(skuIDs, item.ProductSKUID)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, price_cents, quantity_available
		FROM product_skus
		WHERE store_id = $1 AND id = ANY($2) AND active = true
		FOR UPDATE
	`, storeID, skuIDs)
	if err != nil {
		return nil, 0, err
	}

	type skuState struct {
		priceCents int64
		available  int
	}
	states := make(map[string]skuState, len(items))
	for rows.Next() {
		var id string
		var st skuState
		if err := rows.Scan(&id, &st.priceCents, &st.available); err != nil {
			_ = rows.Close()
			return nil, 0, err
		}
		states[id] = st
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, err
	}
	_ = rows.Close()

	var unavailable []domain.UnavailableProduct
	for _, item := range items {
		st, ok := states[item.ProductSKUID]
		if !ok || st.available < item.Quantity {
			unavailable = append(unavailable, domain.UnavailableProduct{
				ProductSKUID: item.ProductSKUID,
				Requested:    item.Quantity,
				Available:    st.available,
			})
		}
	}
	if len(unavailable) > 0 {
		return nil, 0, &domain.InsufficientStockError{Unavailable: unavailable}
	}

	lines := make([]domain.SessionItem, 0, len(items))
	var amount int64
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE product_skus
			SET quantity_available = quantity_available - $1, updated_at = now()
			WHERE store_id = $2 AND id = $3
		`, item.Quantity, storeID, item.ProductSKUID); err != nil {
			return nil, 0, err
		}

		st := states[item.ProductSKUID]
		lines = append(lines, domain.SessionItem{
			ProductSKUID:   item.ProductSKUID,
			Quantity:       item.Quantity,
			UnitPriceCents: st.priceCents,
		})
		amount += int64(item.Quantity) * st.priceCents
	}
	return lines, amount, nil
}

func insertSessionItems(ctx context.Context, tx *sql.Tx, sessionID string, items []domain.SessionItem) error {
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_items (session_id, product_sku_id, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4)
		`, sessionID, item.ProductSKUID, item.Quantity, item.UnitPriceCents); err != nil {
			return err
		}
	}
	return nil
}

// restockSessionItems returns a session's reserved quantities to the ledger
// inside the caller's transaction.
func restockSessionItems(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE product_skus AS p
		SET quantity_available = p.quantity_available + i.quantity, updated_at = now()
		FROM session_items AS i
		WHERE i.session_id = $1 AND p.id = i.product_sku_id
	`, sessionID)
	return err
}

func (s *Store) CreateCheckoutSession(ctx context.Context, session domain.CheckoutSession, items []domain.RequestedItem) (*domain.CheckoutSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	lines, amount, err := reserveStock(ctx, pgTx, session.StoreID, items)
	if err != nil {
		return nil, err
	}

	session.AmountCents = amount
	session.Status = domain.SessionStatusActive
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO checkout_sessions (
			id, store_id, customer_id, bag_id, amount_cents, status, expires_at,
			is_finalizing_payment, has_completed_payment, has_completed_checkout_session,
			has_verified_payment, payment_reference, placed_order_id,
			billing_details, customer_details, delivery_details, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, session.ID, session.StoreID, session.CustomerID, nullIfEmpty(session.BagID),
		session.AmountCents, session.Status, session.ExpiresAt,
		session.IsFinalizingPayment, session.HasCompletedPayment, session.HasCompletedCheckoutSession,
		session.HasVerifiedPayment, nullIfEmpty(session.PaymentReference), nullIfEmpty(session.PlacedOrderID),
		nullIfEmptyJSON(session.BillingDetails), nullIfEmptyJSON(session.CustomerDetails),
		nullIfEmptyJSON(session.DeliveryDetails), session.CreatedAt); err != nil {
		return nil, err
	}

	if err := insertSessionItems(ctx, pgTx, session.ID, lines); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) CreatePOSSession(ctx context.Context, session domain.POSSession, items []domain.RequestedItem) (*domain.POSSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var conflict int
	if err := pgTx.QueryRowContext(ctx, `
		SELECT count(*)
		FROM pos_sessions
		WHERE store_id = $1 AND terminal_id = $2 AND cashier_id = $3
		  AND status = 'active' AND expires_at > now()
	`, session.StoreID, session.TerminalID, session.CashierID).Scan(&conflict); err != nil {
		return nil, err
	}
	if conflict > 0 {
		return nil, store.ErrActiveSessionExists
	}

	lines, _, err := reserveStock(ctx, pgTx, session.StoreID, items)
	if err != nil {
		return nil, err
	}

	if err := pgTx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(session_number), 0) + 1
		FROM pos_sessions
		WHERE store_id = $1
	`, session.StoreID).Scan(&session.SessionNumber); err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatusActive
	session.CartItems = lines
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO pos_sessions (
			id, store_id, terminal_id, cashier_id, session_number, status,
			customer_id, expires_at, held_at, hold_reason, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,NULL,$9)
	`, session.ID, session.StoreID, session.TerminalID, session.CashierID,
		session.SessionNumber, session.Status, nullIfEmpty(session.CustomerID),
		session.ExpiresAt, session.CreatedAt); err != nil {
		return nil, err
	}

	if err := insertSessionItems(ctx, pgTx, session.ID, lines); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &session, nil
}

// ---------------- checkout session lifecycle ----------------

const checkoutColumns = `id, store_id, customer_id, bag_id, amount_cents, status, expires_at,
	is_finalizing_payment, has_completed_payment, has_completed_checkout_session,
	has_verified_payment, payment_reference, placed_order_id,
	billing_details, customer_details, delivery_details, created_at`

func scanCheckoutSession(row interface{ Scan(...any) error }) (*domain.CheckoutSession, error) {
	var cs domain.CheckoutSession
	var bagID, paymentRef, placedOrderID sql.NullString
	var billing, customer, delivery []byte
	err := row.Scan(&cs.ID, &cs.StoreID, &cs.CustomerID, &bagID, &cs.AmountCents, &cs.Status,
		&cs.ExpiresAt, &cs.IsFinalizingPayment, &cs.HasCompletedPayment,
		&cs.HasCompletedCheckoutSession, &cs.HasVerifiedPayment, &paymentRef, &placedOrderID,
		&billing, &customer, &delivery, &cs.CreatedAt)
	if err != nil {
		return nil, err
	}
	cs.BagID = bagID.String
	cs.PaymentReference = paymentRef.String
	cs.PlacedOrderID = placedOrderID.String
	cs.BillingDetails = billing
	cs.CustomerDetails = customer
	cs.DeliveryDetails = delivery
	cs.ExpiresAt = cs.ExpiresAt.UTC()
	cs.CreatedAt = cs.CreatedAt.UTC()
	return &cs, nil
}

func (s *Store) GetCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkoutColumns+`
		FROM checkout_sessions
		WHERE id = $1
	`, id)
	cs, err := scanCheckoutSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return cs, nil
}

func (s *Store) CompleteCheckoutSession(ctx context.Context, id string, placedOrderID string, at time.Time) (*domain.CheckoutSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	if err := pgTx.QueryRowContext(ctx, `
		SELECT status FROM checkout_sessions WHERE id = $1 FOR UPDATE
	`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusActive {
		return nil, store.ErrSessionTerminal
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE checkout_sessions
		SET status = $2, placed_order_id = $3, is_finalizing_payment = false,
		    has_completed_payment = true, has_completed_checkout_session = true
		WHERE id = $1
	`, id, domain.SessionStatusCompleted, placedOrderID); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetCheckoutSession(ctx, id)
}

func (s *Store) ExpireCheckoutSession(ctx context.Context, id string, at time.Time) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	if err := pgTx.QueryRowContext(ctx, `
		SELECT status FROM checkout_sessions WHERE id = $1 FOR UPDATE
	`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != domain.SessionStatusActive {
		return store.ErrSessionTerminal
	}

	if err := restockSessionItems(ctx, pgTx, id); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = $2 WHERE id = $1
	`, id, domain.SessionStatusExpired); err != nil {
		return err
	}
	return pgTx.Commit()
}

// ---------------- POS session lifecycle ----------------

const posColumns = `id, store_id, terminal_id, cashier_id, session_number, status,
	customer_id, expires_at, held_at, hold_reason, created_at`

func scanPOSSession(row interface{ Scan(...any) error }) (*domain.POSSession, error) {
	var ps domain.POSSession
	var customerID, holdReason sql.NullString
	var heldAt sql.NullTime
	err := row.Scan(&ps.ID, &ps.StoreID, &ps.TerminalID, &ps.CashierID, &ps.SessionNumber,
		&ps.Status, &customerID, &ps.ExpiresAt, &heldAt, &holdReason, &ps.CreatedAt)
	if err != nil {
		return nil, err
	}
	ps.CustomerID = customerID.String
	ps.HoldReason = holdReason.String
	if heldAt.Valid {
		t := heldAt.Time.UTC()
		ps.HeldAt = &t
	}
	ps.ExpiresAt = ps.ExpiresAt.UTC()
	ps.CreatedAt = ps.CreatedAt.UTC()
	return &ps, nil
}

func (s *Store) GetPOSSession(ctx context.Context, id string) (*domain.POSSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+posColumns+`
		FROM pos_sessions
		WHERE id = $1
	`, id)
	ps, err := scanPOSSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.GetSessionItems(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	ps.CartItems = items
	return ps, nil
}

func (s *Store) GetActivePOSSession(ctx context.Context, storeID string, terminalID string, cashierID string) (*domain.POSSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+posColumns+`
		FROM pos_sessions
		WHERE store_id = $1 AND terminal_id = $2 AND cashier_id = $3 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, storeID, terminalID, cashierID)
	ps, err := scanPOSSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return ps, nil
}

func (s *Store) ListHeldPOSSessions(ctx context.Context, storeID string, terminalID string, cashierID string, limit int) ([]domain.POSSession, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+posColumns+`
		FROM pos_sessions
		WHERE store_id = $1 AND status = 'held'
		  AND ($2 = '' OR terminal_id = $2)
		  AND ($3 = '' OR cashier_id = $3)
		ORDER BY held_at DESC
		LIMIT $4
	`, storeID, terminalID, cashierID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.POSSession, 0, limit)
	for rows.Next() {
		ps, err := scanPOSSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *ps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		items, err := s.GetSessionItems(ctx, sessions[i].ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		sessions[i].CartItems = items
	}
	return sessions, nil
}

func (s *Store) HoldPOSSession(ctx context.Context, id string, reason string, at time.Time) (*domain.POSSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	if err := pgTx.QueryRowContext(ctx, `
		SELECT status FROM pos_sessions WHERE id = $1 FOR UPDATE
	`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusActive {
		return nil, &domain.InvalidStateTransitionError{SessionID: id, Current: status, Attempted: domain.SessionStatusHeld}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE pos_sessions
		SET status = 'held', held_at = $2, hold_reason = $3
		WHERE id = $1
	`, id, at, nullIfEmpty(reason)); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPOSSession(ctx, id)
}

func (s *Store) ResumePOSSession(ctx context.Context, id string, at time.Time) (*domain.POSSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status, storeID, terminalID, cashierID string
	var expiresAt time.Time
	if err := pgTx.QueryRowContext(ctx, `
		SELECT status, store_id, terminal_id, cashier_id, expires_at
		FROM pos_sessions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status, &storeID, &terminalID, &cashierID, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusHeld {
		return nil, &domain.InvalidStateTransitionError{SessionID: id, Current: status, Attempted: domain.SessionStatusActive}
	}
	if !expiresAt.After(at) {
		return nil, &domain.InvalidStateTransitionError{SessionID: id, Current: domain.SessionStatusExpired, Attempted: domain.SessionStatusActive}
	}

	var conflict int
	if err := pgTx.QueryRowContext(ctx, `
		SELECT count(*)
		FROM pos_sessions
		WHERE store_id = $1 AND terminal_id = $2 AND cashier_id = $3
		  AND status = 'active' AND expires_at > $4 AND id <> $5
	`, storeID, terminalID, cashierID, at, id).Scan(&conflict); err != nil {
		return nil, err
	}
	if conflict > 0 {
		return nil, store.ErrActiveSessionExists
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE pos_sessions
		SET status = 'active', held_at = NULL, hold_reason = NULL
		WHERE id = $1
	`, id); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPOSSession(ctx, id)
}

func (s *Store) ReleasePOSSession(ctx context.Context, id string, toStatus string, at time.Time) error {
	if toStatus != domain.SessionStatusVoided && toStatus != domain.SessionStatusExpired {
		return store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	if err := pgTx.QueryRowContext(ctx, `
		SELECT status FROM pos_sessions WHERE id = $1 FOR UPDATE
	`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != domain.SessionStatusActive && status != domain.SessionStatusHeld {
		return store.ErrSessionTerminal
	}

	if err := restockSessionItems(ctx, pgTx, id); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE pos_sessions SET status = $2, held_at = NULL WHERE id = $1
	`, id, toStatus); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) CompletePOSSession(ctx context.Context, id string, at time.Time) (*domain.POSSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	if err := pgTx.QueryRowContext(ctx, `
		SELECT status FROM pos_sessions WHERE id = $1 FOR UPDATE
	`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusActive && status != domain.SessionStatusHeld {
		return nil, store.ErrSessionTerminal
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE pos_sessions SET status = 'completed', held_at = NULL WHERE id = $1
	`, id); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPOSSession(ctx, id)
}

// ---------------- sweep + conflict guard reads ----------------

func (s *Store) ListExpiredSessionRefs(ctx context.Context, now time.Time, limit int) ([]domain.SessionRef, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, 'checkout' AS kind
		FROM checkout_sessions
		WHERE status = 'active' AND expires_at <= $1
		UNION ALL
		SELECT id, 'pos' AS kind
		FROM pos_sessions
		WHERE status IN ('active', 'held') AND expires_at <= $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make([]domain.SessionRef, 0, limit)
	for rows.Next() {
		var ref domain.SessionRef
		if err := rows.Scan(&ref.ID, &ref.Kind); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *Store) ListLiveSessionIDs(ctx context.Context, storeID string, kind domain.SessionKind, since time.Time, now time.Time) ([]string, error) {
	var query string
	switch kind {
	case domain.KindCheckout:
		query = `
			SELECT id
			FROM checkout_sessions
			WHERE store_id = $1 AND has_completed_checkout_session = false
			  AND created_at > $2 AND expires_at > $3
		`
	case domain.KindPOS:
		query = `
			SELECT id
			FROM pos_sessions
			WHERE store_id = $1 AND status IN ('active', 'held')
			  AND created_at > $2 AND expires_at > $3
		`
	default:
		return nil, store.ErrInvalidInput
	}

	rows, err := s.db.QueryContext(ctx, query, storeID, since, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) GetSessionItems(ctx context.Context, sessionID string) ([]domain.SessionItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_sku_id, quantity, unit_price_cents
		FROM session_items
		WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SessionItem, 0, 8)
	for rows.Next() {
		var item domain.SessionItem
		if err := rows.Scan(&item.ProductSKUID, &item.Quantity, &item.UnitPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// ---------------- promo codes ----------------

func (s *Store) GetPromoCodeByCode(ctx context.Context, code string) (*domain.PromoCode, error) {
	var promo domain.PromoCode
	var limit sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, discount_type, discount_value, span, starts_at, ends_at, active, redemption_limit
		FROM promo_codes
		WHERE code = $1
	`, code).Scan(&promo.ID, &promo.Code, &promo.DiscountType, &promo.DiscountValue,
		&promo.Span, &promo.StartsAt, &promo.EndsAt, &promo.Active, &limit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	promo.RedemptionLimit = int(limit.Int64)
	promo.StartsAt = promo.StartsAt.UTC()
	promo.EndsAt = promo.EndsAt.UTC()
	return &promo, nil
}

func (s *Store) GetPromoCodeSKUs(ctx context.Context, promoCodeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_sku_id
		FROM promo_code_items
		WHERE promo_code_id = $1
	`, promoCodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	skuIDs := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		skuIDs = append(skuIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return skuIDs, nil
}

func (s *Store) FindRedemption(ctx context.Context, promoCodeID string, userRef string) (*domain.RedeemedPromoCode, error) {
	var redemption domain.RedeemedPromoCode
	err := s.db.QueryRowContext(ctx, `
		SELECT id, promo_code_id, user_ref, redeemed_at
		FROM redeemed_promo_codes
		WHERE promo_code_id = $1 AND user_ref = $2
	`, promoCodeID, userRef).Scan(&redemption.ID, &redemption.PromoCodeID, &redemption.UserRef, &redemption.RedeemedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	redemption.RedeemedAt = redemption.RedeemedAt.UTC()
	return &redemption, nil
}

func (s *Store) CountRedemptions(ctx context.Context, promoCodeID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM redeemed_promo_codes WHERE promo_code_id = $1
	`, promoCodeID).Scan(&count)
	return count, err
}

func (s *Store) CreateRedemption(ctx context.Context, redemption domain.RedeemedPromoCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redeemed_promo_codes (id, promo_code_id, user_ref, redeemed_at)
		VALUES ($1,$2,$3,$4)
	`, redemption.ID, redemption.PromoCodeID, redemption.UserRef, redemption.RedeemedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyRedeemed
		}
		return err
	}
	return nil
}

// ---------------- auth ----------------

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ---------------- helpers ----------------

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullIfEmptyJSON(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
