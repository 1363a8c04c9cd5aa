package store

import (
	"context"
	"errors"
	"time"

	"retailcore/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput covers malformed writes the store refuses outright.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionTerminal is returned when a release or finalize hits a session
	// that already left active/held. Callers treat it as an idempotent no-op.
	ErrSessionTerminal = errors.New("session already terminal")
	// ErrActiveSessionExists guards the single active slot per (terminal, cashier).
	ErrActiveSessionExists = errors.New("active session already open for terminal and cashier")
	// ErrAlreadyRedeemed maps the unique (promo code, user) redemption constraint.
	ErrAlreadyRedeemed = errors.New("promo code already redeemed")
)

// Repository is the persistence contract for the reservation core. Every
// stock-mutating method runs as one atomic transaction: availability checks,
// ledger decrements/increments and session writes either all land or none do.
type Repository interface {
	Close() error

	// Stock ledger.
	ListSKUs(ctx context.Context, storeID string) ([]domain.ProductSKU, error)
	GetSKU(ctx context.Context, skuID string) (*domain.ProductSKU, error)
	GetStockMap(ctx context.Context, storeID string, skuIDs []string) (map[string]int, error)
	SetStock(ctx context.Context, storeID string, skuID string, qty int) error

	// Atomic reserve: check availability for every requested SKU, decrement
	// all of them and insert the session plus its items, or fail with a
	// *domain.InsufficientStockError naming every short SKU.
	CreateCheckoutSession(ctx context.Context, session domain.CheckoutSession, items []domain.RequestedItem) (*domain.CheckoutSession, error)
	CreatePOSSession(ctx context.Context, session domain.POSSession, items []domain.RequestedItem) (*domain.POSSession, error)

	// Checkout session lifecycle. Expire restocks; Complete finalizes the
	// ledger decrement. Both guard on status=active and return
	// ErrSessionTerminal once the session has moved on.
	GetCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error)
	CompleteCheckoutSession(ctx context.Context, id string, placedOrderID string, at time.Time) (*domain.CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, id string, at time.Time) error

	// POS session lifecycle.
	GetPOSSession(ctx context.Context, id string) (*domain.POSSession, error)
	GetActivePOSSession(ctx context.Context, storeID string, terminalID string, cashierID string) (*domain.POSSession, error)
	ListHeldPOSSessions(ctx context.Context, storeID string, terminalID string, cashierID string, limit int) ([]domain.POSSession, error)
	HoldPOSSession(ctx context.Context, id string, reason string, at time.Time) (*domain.POSSession, error)
	ResumePOSSession(ctx context.Context, id string, at time.Time) (*domain.POSSession, error)
	// ReleasePOSSession moves an active/held session to voided or expired and
	// restocks its cart in the same transaction.
	ReleasePOSSession(ctx context.Context, id string, toStatus string, at time.Time) error
	CompletePOSSession(ctx context.Context, id string, at time.Time) (*domain.POSSession, error)

	// Expiry sweep and conflict-guard reads.
	ListExpiredSessionRefs(ctx context.Context, now time.Time, limit int) ([]domain.SessionRef, error)
	ListLiveSessionIDs(ctx context.Context, storeID string, kind domain.SessionKind, since time.Time, now time.Time) ([]string, error)
	GetSessionItems(ctx context.Context, sessionID string) ([]domain.SessionItem, error)

	// Promo codes.
	GetPromoCodeByCode(ctx context.Context, code string) (*domain.PromoCode, error)
	GetPromoCodeSKUs(ctx context.Context, promoCodeID string) ([]string, error)
	FindRedemption(ctx context.Context, promoCodeID string, userRef string) (*domain.RedeemedPromoCode, error)
	CountRedemptions(ctx context.Context, promoCodeID string) (int, error)
	CreateRedemption(ctx context.Context, redemption domain.RedeemedPromoCode) error

	// Auth.
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}
