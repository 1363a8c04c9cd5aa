// Package reservation implements the atomic reserve/release/finalize cycle
// over both session kinds. Atomicity itself lives in the store; the engine
// validates requests, assigns identity and expiry, and keeps release
// idempotent for callers.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

// CheckoutSessionTTL is the reservation window for storefront checkouts.
// It is intentionally short and not configurable.
const CheckoutSessionTTL = 5 * time.Minute

type Engine struct {
	repo   store.Repository
	logger zerolog.Logger
	posTTL time.Duration

	now func() time.Time
}

func NewEngine(repo store.Repository, logger zerolog.Logger, posTTL time.Duration) *Engine {
	return &Engine{
		repo:   repo,
		logger: logger.With().Str("component", "reservation").Logger(),
		posTTL: posTTL,
		now:    time.Now,
	}
}

// CheckoutRequest carries everything needed to open a checkout session.
type CheckoutRequest struct {
	StoreID         string
	CustomerID      string
	BagID           string
	Items           []domain.RequestedItem
	BillingDetails  []byte
	CustomerDetails []byte
	DeliveryDetails []byte
}

// POSRequest carries everything needed to open a POS session.
type POSRequest struct {
	StoreID    string
	TerminalID string
	CashierID  string
	CustomerID string
	Items      []domain.RequestedItem
	// TTL overrides the configured default when positive.
	TTL time.Duration
}

// normalizeItems validates quantities and consolidates duplicate SKU lines so
// the store sees at most one line per SKU.
func normalizeItems(items []domain.RequestedItem) ([]domain.RequestedItem, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalidInput
	}

	index := make(map[string]int, len(items))
	merged := make([]domain.RequestedItem, 0, len(items))
	for _, item := range items {
		if item.ProductSKUID == "" || item.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		if i, ok := index[item.ProductSKUID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductSKUID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

// ReserveCheckout atomically reserves the requested items and opens a
// checkout session expiring CheckoutSessionTTL from now. On shortage it
// returns a *domain.InsufficientStockError and reserves nothing.
func (e *Engine) ReserveCheckout(ctx context.Context, req CheckoutRequest) (*domain.CheckoutSession, error) {
	if req.StoreID == "" || req.CustomerID == "" {
		return nil, store.ErrInvalidInput
	}
	items, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	session := domain.CheckoutSession{
		ID:              xid.New("chk"),
		StoreID:         req.StoreID,
		CustomerID:      req.CustomerID,
		BagID:           req.BagID,
		ExpiresAt:       now.Add(CheckoutSessionTTL),
		BillingDetails:  req.BillingDetails,
		CustomerDetails: req.CustomerDetails,
		DeliveryDetails: req.DeliveryDetails,
		CreatedAt:       now,
	}

	created, err := e.repo.CreateCheckoutSession(ctx, session, items)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("session_id", created.ID).
		Str("store_id", created.StoreID).
		Int("items", len(items)).
		Int64("amount_cents", created.AmountCents).
		Time("expires_at", created.ExpiresAt).
		Msg("checkout session reserved")
	return created, nil
}

// ReservePOS atomically reserves the requested items and opens a POS session.
func (e *Engine) ReservePOS(ctx context.Context, req POSRequest) (*domain.POSSession, error) {
	if req.StoreID == "" || req.TerminalID == "" || req.CashierID == "" {
		return nil, store.ErrInvalidInput
	}
	items, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.posTTL
	}

	now := e.now().UTC()
	session := domain.POSSession{
		ID:         xid.New("pos"),
		StoreID:    req.StoreID,
		TerminalID: req.TerminalID,
		CashierID:  req.CashierID,
		CustomerID: req.CustomerID,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}

	created, err := e.repo.CreatePOSSession(ctx, session, items)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("session_id", created.ID).
		Str("terminal_id", created.TerminalID).
		Str("cashier_id", created.CashierID).
		Int("session_number", created.SessionNumber).
		Time("expires_at", created.ExpiresAt).
		Msg("pos session reserved")
	return created, nil
}

// Release returns a session's reserved stock to the ledger and moves it to
// toStatus (voided or expired). Releasing a session that already left
// active/held is a no-op, so concurrent sweeps and explicit voids never
// double-restock.
func (e *Engine) Release(ctx context.Context, ref domain.SessionRef, toStatus string) error {
	at := e.now().UTC()

	var err error
	switch ref.Kind {
	case domain.KindCheckout:
		// Checkout sessions only ever release into expired.
		err = e.repo.ExpireCheckoutSession(ctx, ref.ID, at)
	case domain.KindPOS:
		err = e.repo.ReleasePOSSession(ctx, ref.ID, toStatus, at)
	default:
		return store.ErrInvalidInput
	}

	if errors.Is(err, store.ErrSessionTerminal) {
		e.logger.Debug().
			Str("session_id", ref.ID).
			Str("kind", string(ref.Kind)).
			Msg("release skipped, session already terminal")
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Info().
		Str("session_id", ref.ID).
		Str("kind", string(ref.Kind)).
		Str("to_status", toStatus).
		Msg("session released")
	return nil
}

// Finalize consumes a session's reservation permanently: the session becomes
// completed and the decremented stock is never returned.
func (e *Engine) Finalize(ctx context.Context, ref domain.SessionRef, placedOrderID string) error {
	at := e.now().UTC()

	var err error
	switch ref.Kind {
	case domain.KindCheckout:
		_, err = e.repo.CompleteCheckoutSession(ctx, ref.ID, placedOrderID, at)
	case domain.KindPOS:
		_, err = e.repo.CompletePOSSession(ctx, ref.ID, at)
	default:
		return store.ErrInvalidInput
	}
	if err != nil {
		return err
	}

	e.logger.Info().
		Str("session_id", ref.ID).
		Str("kind", string(ref.Kind)).
		Msg("session finalized")
	return nil
}
