package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/cambista/ledger/internal/bankfeed"
	"github.com/cambista/ledger/internal/config"
	"github.com/cambista/ledger/internal/dedup"
	"github.com/cambista/ledger/internal/escrow"
	"github.com/cambista/ledger/internal/events"
	"github.com/cambista/ledger/internal/handlers"
	"github.com/cambista/ledger/internal/ledger"
	"github.com/cambista/ledger/internal/reconcile"
	"github.com/cambista/ledger/internal/router"
	"github.com/cambista/ledger/internal/sweep"
	"github.com/cambista/ledger/internal/workers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on system env vars")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations (job queue schema; the ledger schema is cmd/migrator's job)
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Dedup cache
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       0,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Cannot reach Redis (dedup cache)", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis successfully!")
	cache := dedup.NewCache(rdb, cfg.DedupTTL)

	// Event publisher (no-op when KAFKA_BROKERS is unset)
	publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer publisher.Close()
	if len(cfg.KafkaBrokers) == 0 {
		slog.Info("Kafka brokers not configured, ledger events disabled")
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, ledger.CollectionAccount{
		BankName:      cfg.CollectionBankName,
		AccountNumber: cfg.CollectionAccountNumber,
		AccountHolder: cfg.CollectionAccountHolder,
	})
	escrowSvc := escrow.NewService(ledgerRepo, ledgerRepo, ledgerRepo, ledgerRepo)

	// Reconciliation pipeline + sweepers
	feed := bankfeed.NewClient(cfg.BankFeedURL, cfg.BankFeedToken, cfg.BankFeedTimeout)
	reconciler := &reconcile.Reconciler{
		Feed:     feed,
		Cache:    cache,
		Resolver: reconcile.NewResolver(ledgerRepo),
		Deposits: ledgerSvc,
		Escrow:   escrowSvc,
		Events:   publisher,
		Logger:   logger,
	}
	sweeper := sweep.New(ledgerRepo, escrowSvc, publisher, logger)

	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, workers.NewReconcileWorker(reconciler))
	river.AddWorker(riverWorkers, workers.NewStalePendingWorker(sweeper))
	river.AddWorker(riverWorkers, workers.NewEscrowReleaseWorker(sweeper))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      riverWorkers,
		PeriodicJobs: workers.PeriodicJobs(cfg.ReconcileInterval, cfg.StaleSweepInterval, cfg.EscrowSweepInterval),
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// HTTP surface
	depositHandler := &handlers.DepositHandler{Ledger: ledgerSvc, Logger: logger}
	withdrawalHandler := &handlers.WithdrawalHandler{Ledger: ledgerSvc, Logger: logger}
	walletHandler := &handlers.WalletHandler{Ledger: ledgerSvc, Logger: logger}
	accountHandler := &handlers.BankAccountHandler{Ledger: ledgerSvc, Logger: logger}

	if cfg.ServiceToken == "" {
		slog.Warn("SERVICE_TOKEN is empty, /v1 API is unauthenticated")
	}
	handler := router.New(depositHandler, withdrawalHandler, walletHandler, accountHandler,
		pool, cfg.ServiceToken, cfg.CORSOrigins)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start River client (runs the reconcile loop and both sweepers)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}
	slog.Info("Background workers started",
		"reconcile_interval", cfg.ReconcileInterval.String(),
		"stale_sweep_interval", cfg.StaleSweepInterval.String(),
		"escrow_sweep_interval", cfg.EscrowSweepInterval.String())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	// Stop the tick loops first so no new ledger work starts, then drain HTTP.
	// In-flight database transactions either commit or roll back on their own.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := riverClient.Stop(stopCtx); err != nil {
		slog.Error("River client stop failed", "error", err)
	}
	if err := httpServer.Shutdown(stopCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	slog.Info("Shutdown complete")
}
