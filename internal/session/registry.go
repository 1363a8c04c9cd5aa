// Package session tracks checkout and POS session lifecycles. The registry
// enforces the state machines on top of the store's transactional guards and
// applies expiry lazily: any read or transition that touches a session past
// its window releases it first.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/reservation"
	"retailcore/backend/internal/store"
)

type Registry struct {
	repo   store.Repository
	engine *reservation.Engine
	logger zerolog.Logger

	now func() time.Time
}

func NewRegistry(repo store.Repository, engine *reservation.Engine, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		engine: engine,
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

// ---------------- checkout sessions ----------------

func (r *Registry) CreateCheckoutSession(ctx context.Context, req reservation.CheckoutRequest) (*domain.CheckoutSession, error) {
	return r.engine.ReserveCheckout(ctx, req)
}

// GetCheckoutSession returns the session with expiry applied: a session past
// its window is released on the spot and comes back as expired.
func (r *Registry) GetCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	cs, err := r.repo.GetCheckoutSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Status == domain.SessionStatusActive && !cs.ExpiresAt.After(r.now().UTC()) {
		if err := r.engine.Release(ctx, cs.Ref(), domain.SessionStatusExpired); err != nil {
			return nil, err
		}
		return r.repo.GetCheckoutSession(ctx, id)
	}
	return cs, nil
}

// CompleteCheckoutSession finalizes the reservation. An expired session is
// released instead and the caller gets a state-transition error: stock that
// already returned to the ledger can no longer be sold through this session.
func (r *Registry) CompleteCheckoutSession(ctx context.Context, id string, placedOrderID string) (*domain.CheckoutSession, error) {
	cs, err := r.repo.GetCheckoutSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Status == domain.SessionStatusActive && !cs.ExpiresAt.After(r.now().UTC()) {
		if err := r.engine.Release(ctx, cs.Ref(), domain.SessionStatusExpired); err != nil {
			return nil, err
		}
		return nil, &domain.InvalidStateTransitionError{
			SessionID: id,
			Current:   domain.SessionStatusExpired,
			Attempted: domain.SessionStatusCompleted,
		}
	}

	if err := r.engine.Finalize(ctx, cs.Ref(), placedOrderID); err != nil {
		if errors.Is(err, store.ErrSessionTerminal) {
			return nil, &domain.InvalidStateTransitionError{
				SessionID: id,
				Current:   cs.Status,
				Attempted: domain.SessionStatusCompleted,
			}
		}
		return nil, err
	}
	return r.repo.GetCheckoutSession(ctx, id)
}

// ---------------- POS sessions ----------------

// CreatePOSSession opens a POS session, holding the single active slot for
// the (terminal, cashier) pair. A leftover active session past its window is
// released first rather than blocking the new one.
func (r *Registry) CreatePOSSession(ctx context.Context, req reservation.POSRequest) (*domain.POSSession, error) {
	existing, err := r.repo.GetActivePOSSession(ctx, req.StoreID, req.TerminalID, req.CashierID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && !existing.ExpiresAt.After(r.now().UTC()) {
		if err := r.engine.Release(ctx, existing.Ref(), domain.SessionStatusExpired); err != nil {
			return nil, err
		}
	}

	return r.engine.ReservePOS(ctx, req)
}

func (r *Registry) GetPOSSession(ctx context.Context, id string) (*domain.POSSession, error) {
	ps, err := r.repo.GetPOSSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.releaseIfExpired(ctx, ps) {
		return r.repo.GetPOSSession(ctx, id)
	}
	return ps, nil
}

// HoldSession parks an active session so the cashier can serve someone else.
// The reservation and expiry clock keep running while held.
func (r *Registry) HoldSession(ctx context.Context, id string, reason string) (*domain.POSSession, error) {
	ps, err := r.repo.GetPOSSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.releaseIfExpired(ctx, ps) {
		return nil, &domain.InvalidStateTransitionError{
			SessionID: id,
			Current:   domain.SessionStatusExpired,
			Attempted: domain.SessionStatusHeld,
		}
	}
	return r.repo.HoldPOSSession(ctx, id, reason, r.now().UTC())
}

// ResumeSession brings a held session back to active, provided the window has
// not lapsed and the terminal/cashier active slot is free.
func (r *Registry) ResumeSession(ctx context.Context, id string) (*domain.POSSession, error) {
	ps, err := r.repo.GetPOSSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.releaseIfExpired(ctx, ps) {
		return nil, &domain.InvalidStateTransitionError{
			SessionID: id,
			Current:   domain.SessionStatusExpired,
			Attempted: domain.SessionStatusActive,
		}
	}
	return r.repo.ResumePOSSession(ctx, id, r.now().UTC())
}

// VoidSession abandons a session and returns its stock. Voiding a session
// that already finished is a no-op.
func (r *Registry) VoidSession(ctx context.Context, id string) error {
	ref := domain.SessionRef{Kind: domain.KindPOS, ID: id}
	return r.engine.Release(ctx, ref, domain.SessionStatusVoided)
}

// CompleteSession finalizes an active or held POS sale.
func (r *Registry) CompleteSession(ctx context.Context, id string) (*domain.POSSession, error) {
	ps, err := r.repo.GetPOSSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.releaseIfExpired(ctx, ps) {
		return nil, &domain.InvalidStateTransitionError{
			SessionID: id,
			Current:   domain.SessionStatusExpired,
			Attempted: domain.SessionStatusCompleted,
		}
	}

	if err := r.engine.Finalize(ctx, ps.Ref(), ""); err != nil {
		if errors.Is(err, store.ErrSessionTerminal) {
			return nil, &domain.InvalidStateTransitionError{
				SessionID: id,
				Current:   ps.Status,
				Attempted: domain.SessionStatusCompleted,
			}
		}
		return nil, err
	}
	return r.repo.GetPOSSession(ctx, id)
}

// ListHeldSessions returns held sessions still inside their window. Lapsed
// ones are released along the way and excluded.
func (r *Registry) ListHeldSessions(ctx context.Context, storeID string, terminalID string, cashierID string, limit int) ([]domain.POSSession, error) {
	held, err := r.repo.ListHeldPOSSessions(ctx, storeID, terminalID, cashierID, limit)
	if err != nil {
		return nil, err
	}

	live := make([]domain.POSSession, 0, len(held))
	for i := range held {
		if r.releaseIfExpired(ctx, &held[i]) {
			continue
		}
		live = append(live, held[i])
	}
	return live, nil
}

// releaseIfExpired releases a session whose window has lapsed while still
// active or held. Returns true when the session is no longer usable.
func (r *Registry) releaseIfExpired(ctx context.Context, ps *domain.POSSession) bool {
	if ps.Status != domain.SessionStatusActive && ps.Status != domain.SessionStatusHeld {
		return false
	}
	if ps.ExpiresAt.After(r.now().UTC()) {
		return false
	}
	if err := r.engine.Release(ctx, ps.Ref(), domain.SessionStatusExpired); err != nil {
		r.logger.Warn().Err(err).Str("session_id", ps.ID).Msg("failed to release expired session")
	}
	return true
}
