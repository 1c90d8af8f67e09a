package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/inaiurai/tokengate/internal/auth"
	"github.com/inaiurai/tokengate/internal/config"
	"github.com/inaiurai/tokengate/internal/execution"
	"github.com/inaiurai/tokengate/internal/handlers"
	"github.com/inaiurai/tokengate/internal/keyring"
	"github.com/inaiurai/tokengate/internal/ledger"
	"github.com/inaiurai/tokengate/internal/metrics"
	"github.com/inaiurai/tokengate/internal/migration"
	"github.com/inaiurai/tokengate/internal/providers"
	"github.com/inaiurai/tokengate/internal/router"
	"github.com/inaiurai/tokengate/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("tokengate stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Two pools: caller-scoped requests and system/batch work.
	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	systemPool, err := openPool(ctx, cfg.SystemDatabaseURL)
	if err != nil {
		return err
	}
	defer systemPool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	sqlDB := stdlib.OpenDBFromPool(systemPool)
	err = migration.RunMigrations(sqlDB)
	sqlDB.Close()
	if err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(systemPool), nil)
	if err != nil {
		return err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return err
	}
	slog.Info("Migrations applied")

	m := metrics.New()

	ring := keyring.New(keyring.Config{
		URL:        cfg.JWKSURL,
		TTL:        cfg.JWKSTTL,
		HardExpiry: cfg.JWKSHardExpiry,
		Logger:     logger,
		OnRefresh:  m.OnKeyRefresh,
	})
	if _, err := ring.Refresh(ctx); err != nil {
		// Requests fail closed until the first fetch succeeds.
		slog.Warn("Initial JWKS fetch failed", "error", err)
	}
	verifier, err := auth.NewVerifier(auth.Config{Issuer: cfg.JWTIssuer, Keys: ring, Leeway: cfg.JWTLeeway})
	if err != nil {
		return err
	}
	roles := auth.NewAuthorizer(cfg.AdminSubjects)
	secret, err := auth.NewSecretChecker(cfg.AdminSecretHash)
	if err != nil {
		return err
	}

	store := ledger.NewStore(pool, systemPool, ledger.PostgresRepos())
	store.DefaultPlanID = cfg.DefaultPlan

	catalog, err := services.LoadCatalog(cfg.WorkDeadline)
	if err != nil {
		return err
	}
	if err := catalog.CheckReconcileWindow(cfg.ReconcileAfter); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	provider, err := providers.New(cfg.DownstreamURL, nil)
	if err != nil {
		return err
	}

	exec := services.NewSpendExecutor(verifier, roles, store, catalog, provider.Perform, logger)
	exec.Metrics = m
	grants := services.NewGrantScheduler(store, logger)
	grants.Metrics = m
	reconciler := services.NewReconciler(store, logger)
	reconciler.Metrics = m

	workers := river.NewWorkers()
	execution.Register(workers, grants, reconciler, cfg.ReconcileAfter, logger)
	riverClient, err := river.NewClient(riverpgxv5.New(systemPool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(time.Now),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	api := router.New(router.Deps{
		Spend:    &handlers.SpendHandler{Executor: exec, Logger: logger},
		Accounts: &handlers.AccountHandler{Ledger: store, Logger: logger},
		Admin: &handlers.AdminHandler{
			Grants:         grants,
			Reconciler:     reconciler,
			ReconcileAfter: cfg.ReconcileAfter,
			Ledger:         store,
			Logger:         logger,
		},
		Catalog:     catalog,
		Verifier:    verifier,
		Ledger:      store,
		Roles:       roles,
		AdminSecret: secret,
		OnError:     handlers.ErrorWriter(logger),
	})

	mux := http.NewServeMux()
	mux.Handle("/", api)
	RegisterOpsRoutes(mux, []Pinger{pool, systemPool}, ring, m.Handler())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}).Handler(mux)

	if err := riverClient.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	// In-flight paid work may run up to the longest deadline and then refund.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), catalog.MaxDeadline()+15*time.Second)
	defer cancel()
	slog.Info("Shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown incomplete", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop incomplete", "error", err)
	}
	return nil
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		return nil, err
	}
	return pool, nil
}
