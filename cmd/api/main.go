package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/conditions"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/domain"
	"escrowflow/engine"
	"escrowflow/observability"
	"escrowflow/orchestrator"
	"escrowflow/outbox"
	"escrowflow/store/memstore"
	"escrowflow/store/pgstore"
	"escrowflow/template"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "escrowflow-api: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.InitLogger("escrowflow-api", cfg.LogLevel, cfg.LogPretty)
	observability.RegisterMetrics()

	store, authRepo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pipelines, err := loadPipelines(cfg.TemplatesFile)
	if err != nil {
		return err
	}
	e, err := engine.New(engine.Options{
		Store:         store,
		RegistryOwner: cfg.RegistryOwnerAddress(),
		Governance:    cfg.GovernanceAddress(),
		Pipelines:     pipelines,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := e.Bootstrap(ctx); err != nil {
		return err
	}

	authService := auth.NewService(authRepo, cfg.JWTSecret, cfg.GovernanceAddress()).
		WithReserved(conditions.IsConditionPrincipal).
		WithTokenTTL(cfg.TokenTTL)
	server := NewServer(e, authService, cfg.DevFaucet, logger)
	relay := outbox.NewRelay(store, outbox.NewLogPublisher(logger)).
		WithLogger(logger).
		WithBatchSize(cfg.OutboxBatch).
		WithMaxAttempts(cfg.OutboxAttempts)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Bool("in_memory", cfg.InMemory()).Msg("http_listen")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return relay.Run(gctx, cfg.OutboxInterval) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// openStore picks Postgres when DATABASE_URL is set and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (domain.Store, auth.Repository, func(), error) {
	if cfg.InMemory() {
		logger.Warn().Msg("DATABASE_URL not set, state is kept in memory")
		return memstore.New(), auth.NewMemoryRepository(), func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return nil, nil, nil, err
	}
	store := pgstore.New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return store, auth.NewRepository(pool), pool.Close, nil
}

func loadPipelines(path string) ([]orchestrator.Pipeline, error) {
	pipelines := orchestrator.Builtins()
	if path == "" {
		return pipelines, nil
	}
	defs, err := template.LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	extra, err := orchestrator.FromDefinitions(defs)
	if err != nil {
		return nil, err
	}
	return append(pipelines, extra...), nil
}
