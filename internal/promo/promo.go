// Package promo validates and applies discount codes. Validation (Redeem)
// and recording (RecordRedemption) are separate so a storefront can preview
// a discount without burning the user's one redemption.
package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

var (
	// ErrInvalidCode covers unknown, inactive, out-of-window and
	// limit-exhausted codes. Callers get no hint which it was.
	ErrInvalidCode = errors.New("invalid promo code")
	// ErrAlreadyRedeemed means this user already used this code.
	ErrAlreadyRedeemed = errors.New("promo code already redeemed")
)

type Resolver struct {
	repo   store.Repository
	logger zerolog.Logger

	now func() time.Time
}

func NewResolver(repo store.Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger.With().Str("component", "promo").Logger(),
		now:    time.Now,
	}
}

// Redeem validates a code for a user and returns it on success. It records
// nothing; call RecordRedemption once the order the code applies to lands.
func (r *Resolver) Redeem(ctx context.Context, code string, userRef string) (*domain.PromoCode, error) {
	if code == "" || userRef == "" {
		return nil, store.ErrInvalidInput
	}

	promo, err := r.repo.GetPromoCodeByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCode, code)
		}
		return nil, err
	}

	now := r.now().UTC()
	if !promo.Active || now.Before(promo.StartsAt) || now.After(promo.EndsAt) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCode, code)
	}

	if _, err := r.repo.FindRedemption(ctx, promo.ID, userRef); err == nil {
		return nil, ErrAlreadyRedeemed
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if promo.RedemptionLimit > 0 {
		count, err := r.repo.CountRedemptions(ctx, promo.ID)
		if err != nil {
			return nil, err
		}
		if count >= promo.RedemptionLimit {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCode, code)
		}
	}
	return promo, nil
}

// RecordRedemption marks the code as used by this user. The store's
// uniqueness constraint makes concurrent duplicates impossible: exactly one
// of two racing calls succeeds, the other gets ErrAlreadyRedeemed.
func (r *Resolver) RecordRedemption(ctx context.Context, code string, userRef string) error {
	promo, err := r.Redeem(ctx, code, userRef)
	if err != nil {
		return err
	}

	err = r.repo.CreateRedemption(ctx, domain.RedeemedPromoCode{
		ID:          xid.New("rdm"),
		PromoCodeID: promo.ID,
		UserRef:     userRef,
		RedeemedAt:  r.now().UTC(),
	})
	if errors.Is(err, store.ErrAlreadyRedeemed) {
		return ErrAlreadyRedeemed
	}
	if err != nil {
		return err
	}

	r.logger.Info().Str("code", promo.Code).Str("user_ref", userRef).Msg("promo code redeemed")
	return nil
}

// ApplyToItems computes the discounted total in cents for the given reserved
// lines. Entire-order codes discount the subtotal; selected-products codes
// discount only covered lines. Amounts floor at zero and never go negative.
func (r *Resolver) ApplyToItems(ctx context.Context, items []domain.SessionItem, promo *domain.PromoCode) (int64, error) {
	var subtotal int64
	for _, item := range items {
		subtotal += int64(item.Quantity) * item.UnitPriceCents
	}

	switch promo.Span {
	case domain.PromoSpanEntireOrder:
		return discount(subtotal, promo, subtotal), nil

	case domain.PromoSpanSelectedProducts:
		skuIDs, err := r.repo.GetPromoCodeSKUs(ctx, promo.ID)
		if err != nil {
			return 0, err
		}
		covered := make(map[string]bool, len(skuIDs))
		for _, id := range skuIDs {
			covered[id] = true
		}

		total := int64(0)
		for _, item := range items {
			line := int64(item.Quantity) * item.UnitPriceCents
			if !covered[item.ProductSKUID] {
				total += line
				continue
			}
			unit := discount(item.UnitPriceCents, promo, item.UnitPriceCents)
			total += int64(item.Quantity) * unit
		}
		return total, nil

	default:
		return 0, store.ErrInvalidInput
	}
}

// discount applies the promo to base, clamping between zero and max.
func discount(base int64, promo *domain.PromoCode, max int64) int64 {
	var out int64
	switch promo.DiscountType {
	case domain.DiscountTypePercentage:
		out = base - base*promo.DiscountValue/100
	case domain.DiscountTypeAmount:
		out = base - promo.DiscountValue
	default:
		out = base
	}
	if out < 0 {
		out = 0
	}
	if out > max {
		out = max
	}
	return out
}
