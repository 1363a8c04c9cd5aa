package reservation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

const sweepBatchLimit = 200

// Sweeper periodically releases expired sessions so their stock returns to
// the ledger even when no request ever touches them again. Because Release is
// idempotent, overlapping sweeps and lazy releases are safe.
type Sweeper struct {
	engine   *Engine
	repo     store.Repository
	logger   zerolog.Logger
	interval time.Duration

	now func() time.Time
}

func NewSweeper(engine *Engine, repo store.Repository, logger zerolog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   engine,
		repo:     repo,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepOnce releases every session whose expiry has passed and returns how
// many it released. Sessions that raced into a terminal state count as
// already handled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	refs, err := s.repo.ListExpiredSessionRefs(ctx, now, sweepBatchLimit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, ref := range refs {
		if err := s.engine.Release(ctx, ref, domain.SessionStatusExpired); err != nil {
			s.logger.Warn().Err(err).
				Str("session_id", ref.ID).
				Str("kind", string(ref.Kind)).
				Msg("failed to release expired session")
			continue
		}
		released++
	}

	if released > 0 {
		s.logger.Info().Int("released", released).Msg("expired sessions swept")
	}
	return released, nil
}
