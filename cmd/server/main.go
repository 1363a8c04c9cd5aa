package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/config"
	"retailcore/backend/internal/guard"
	"retailcore/backend/internal/httpapi"
	"retailcore/backend/internal/promo"
	"retailcore/backend/internal/reservation"
	"retailcore/backend/internal/session"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/store/memory"
	"retailcore/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		repo = pg
		logger.Info().Msg("using postgres store")
	} else {
		repo = memory.NewSeeded()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store with seed data")
	}
	defer repo.Close()

	var guardCache cache.ReservedSKUCache = cache.NewNoop()
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, guard cache disabled")
		} else {
			guardCache = rc
			logger.Info().Str("addr", cfg.RedisAddr).Msg("guard cache enabled")
		}
	}
	defer guardCache.Close()

	engine := reservation.NewEngine(repo, logger, cfg.POSSessionTTL)
	registry := session.NewRegistry(repo, engine, logger)
	sweeper := reservation.NewSweeper(engine, repo, logger, cfg.SweepInterval)
	g := guard.New(repo, guardCache, logger, cfg.GuardBatchCap, cfg.GuardLookback, cfg.GuardCacheTTL)
	promos := promo.NewResolver(repo, logger)
	auth := httpapi.NewAuthManager(repo, cfg.AuthSecret, cfg.AccessTokenTTL)

	api := httpapi.NewServer(repo, registry, g, promos, sweeper, auth, logger, cfg.AllowedOrigin, cfg.DefaultStoreID)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		err := sweeper.Run(egCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}
