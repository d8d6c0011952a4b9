// Package main is the entry point for the subscription worker. It loads
// configuration, connects to Postgres, applies schema migrations, and
// runs the task processing loop alongside a small operational HTTP
// server until it receives a shutdown signal.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/subscriptionengine/subworker/internal/config"
	"github.com/subscriptionengine/subworker/internal/metrics"
	"github.com/subscriptionengine/subworker/internal/payments"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/platform/postgres"
	"github.com/subscriptionengine/subworker/internal/store"
	"github.com/subscriptionengine/subworker/internal/task"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker exited: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	appLogger.Info("starting worker", slog.String("log_level", cfg.Server.LogLevel))

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			appLogger.Error("failed to close database", slog.String("error", closeErr.Error()))
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	appLogger.Info("database connection established")

	if err := runMigrations(db, appLogger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	taskStore := postgres.NewPostgresTaskStore(db, appLogger)
	deps := task.Deps{
		Tasks:         taskStore,
		Subscriptions: postgres.NewPostgresSubscriptionStore(db, appLogger),
		Invoices:      postgres.NewPostgresInvoiceStore(db, appLogger),
		Deliveries:    postgres.NewPostgresDeliveryStore(db, appLogger),
		Entitlements:  postgres.NewPostgresEntitlementStore(db, appLogger),
		Outbox:        postgres.NewPostgresOutboxStore(db, appLogger),
	}
	txRunner := store.NewSQLTxRunner(db)

	gateway := payments.NewMockGateway(cfg.Payments.MockDeclineRate, appLogger)

	handlerRegistry := task.NewRegistry()
	handlers := []task.Handler{
		task.NewSubscriptionRenewalHandler(appLogger),
		task.NewChargePaymentHandler(gateway, appLogger),
		task.NewCreateDeliveryHandler(appLogger),
		task.NewEntitlementGrantHandler(appLogger),
	}
	for _, h := range handlers {
		if err := handlerRegistry.Register(h); err != nil {
			return fmt.Errorf("failed to register handler: %w", err)
		}
	}

	owner := cfg.Worker.Owner
	if owner == "" {
		owner = defaultOwner()
	}

	processor := task.NewProcessor(taskStore, txRunner, deps, handlerRegistry, task.ProcessorConfig{
		Owner:         owner,
		BatchSize:     cfg.Worker.BatchSize,
		LeaseDuration: cfg.Worker.LeaseDuration,
	}, appLogger)

	appLogger.Info("worker configured",
		slog.String("owner", owner),
		slog.Int("batch_size", cfg.Worker.BatchSize),
		slog.Duration("poll_interval", cfg.Worker.PollInterval),
		slog.Duration("lease_duration", cfg.Worker.LeaseDuration),
		slog.Any("task_types", handlerRegistry.Types()))

	var ready atomic.Bool
	srv := newOpsServer(cfg.Server.Port, db, registry, ready.Load)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pollLoop(ctx, processor, cfg.Worker.PollInterval, appLogger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reclaimLoop(ctx, taskStore, cfg.Worker.ReclaimInterval, appLogger)
	}()

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("ops server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ready.Store(true)

	select {
	case <-ctx.Done():
		appLogger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		appLogger.Error("ops server failed", slog.String("error", err.Error()))
	}

	ready.Store(false)
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("ops server shutdown failed", slog.String("error", err.Error()))
	}

	appLogger.Info("worker stopped")
	return nil
}

// pollLoop drives task processing until the context is canceled. Each
// tick runs one full cycle; a cycle that errors is logged and the loop
// keeps going, since transient database failures should not kill the
// worker.
func pollLoop(ctx context.Context, processor *task.Processor, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		processed, err := processor.ProcessAvailableTasks(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("processing cycle failed", slog.String("error", err.Error()))
		} else if processed > 0 {
			log.Debug("processing cycle finished", slog.Int("processed", processed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reclaimLoop periodically sweeps expired leases back to ready. The
// processor already reclaims at the start of each cycle; this loop is a
// backstop for when polling stalls or the batch stays full.
func reclaimLoop(ctx context.Context, tasks store.TaskStore, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reclaimed, err := tasks.ReclaimExpired(ctx, time.Now().UTC())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("lease reclaim failed", slog.String("error", err.Error()))
			continue
		}
		if reclaimed > 0 {
			metrics.RecordLeasesReclaimed(reclaimed)
			log.Info("reclaimed expired leases", slog.Int("count", reclaimed))
		}
	}
}

// defaultOwner builds a lease owner identity from the hostname and a
// random suffix, so replicas sharing a hostname stay distinguishable.
func defaultOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return fmt.Sprintf("%s-%s", hostname, hex.EncodeToString(suffix))
}
