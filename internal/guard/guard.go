// Package guard answers "which of these SKUs are currently reserved by a
// live session". The answer is advisory: it protects admin stock edits from
// stomping on in-flight reservations but is computed outside any transaction,
// so callers must not treat it as a lock.
package guard

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

// Scope selects which session families a query inspects.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeCheckout Scope = "checkout"
	ScopePOS      Scope = "pos"
)

const itemFetchConcurrency = 8

type Guard struct {
	repo     store.Repository
	cache    cache.ReservedSKUCache
	logger   zerolog.Logger
	batchCap int
	lookback time.Duration
	cacheTTL time.Duration

	now func() time.Time
}

func New(repo store.Repository, c cache.ReservedSKUCache, logger zerolog.Logger, batchCap int, lookback time.Duration, cacheTTL time.Duration) *Guard {
	return &Guard{
		repo:     repo,
		cache:    c,
		logger:   logger.With().Str("component", "guard").Logger(),
		batchCap: batchCap,
		lookback: lookback,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// ReservedSKUs returns the subset of skuIDs held by at least one live
// session in scope. Batches above the cap are rejected outright with a
// *domain.BatchTooLargeError. Sessions whose items cannot be fetched are
// skipped with a warning rather than failing the whole query.
func (g *Guard) ReservedSKUs(ctx context.Context, storeID string, skuIDs []string, scope Scope) ([]string, error) {
	if storeID == "" || len(skuIDs) == 0 {
		return nil, store.ErrInvalidInput
	}
	if len(skuIDs) > g.batchCap {
		return nil, &domain.BatchTooLargeError{Size: len(skuIDs), Cap: g.batchCap}
	}
	if scope == "" {
		scope = ScopeAll
	}

	key := cacheKey(storeID, scope, skuIDs)
	if cached, ok, err := g.cache.Get(ctx, key); err != nil {
		g.logger.Warn().Err(err).Msg("guard cache read failed")
	} else if ok {
		return cached, nil
	}

	reserved, err := g.computeReserved(ctx, storeID, scope)
	if err != nil {
		return nil, err
	}

	hits := make([]string, 0, len(skuIDs))
	for _, id := range skuIDs {
		if reserved[id] {
			hits = append(hits, id)
		}
	}
	sort.Strings(hits)

	if err := g.cache.Set(ctx, key, hits, g.cacheTTL); err != nil {
		g.logger.Warn().Err(err).Msg("guard cache write failed")
	}
	return hits, nil
}

// computeReserved walks every live session in scope and unions their item
// SKUs. Phase one lists candidate session ids; phase two fetches each
// session's items with bounded parallelism.
func (g *Guard) computeReserved(ctx context.Context, storeID string, scope Scope) (map[string]bool, error) {
	now := g.now().UTC()
	since := now.Add(-g.lookback)

	var sessionIDs []string
	if scope == ScopeAll || scope == ScopeCheckout {
		ids, err := g.repo.ListLiveSessionIDs(ctx, storeID, domain.KindCheckout, since, now)
		if err != nil {
			return nil, err
		}
		sessionIDs = append(sessionIDs, ids...)
	}
	if scope == ScopeAll || scope == ScopePOS {
		ids, err := g.repo.ListLiveSessionIDs(ctx, storeID, domain.KindPOS, since, now)
		if err != nil {
			return nil, err
		}
		sessionIDs = append(sessionIDs, ids...)
	}

	var mu sync.Mutex
	reserved := make(map[string]bool)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(itemFetchConcurrency)
	for _, id := range sessionIDs {
		id := id
		eg.Go(func() error {
			items, err := g.repo.GetSessionItems(egCtx, id)
			if err != nil {
				g.logger.Warn().Err(err).Str("session_id", id).Msg("skipping session items in guard scan")
				return nil
			}
			mu.Lock()
			for _, item := range items {
				reserved[item.ProductSKUID] = true
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reserved, nil
}

func cacheKey(storeID string, scope Scope, skuIDs []string) string {
	sorted := make([]string, len(skuIDs))
	copy(sorted, skuIDs)
	sort.Strings(sorted)
	return "guard:" + storeID + ":" + string(scope) + ":" + strings.Join(sorted, ",")
}
