package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/pgstay/backend/internal/config"
	"github.com/pgstay/backend/internal/database"
	"github.com/pgstay/backend/internal/execution"
	"github.com/pgstay/backend/internal/gateway"
	"github.com/pgstay/backend/internal/jobs"
	"github.com/pgstay/backend/internal/ledger"
	"github.com/pgstay/backend/internal/reconciliation"
	"github.com/pgstay/backend/internal/reference"
	"github.com/pgstay/backend/internal/refund"
	"github.com/pgstay/backend/internal/repository"
)

func main() {
	configPath := flag.String("config", os.Getenv("PGSTAY_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	epsilon, err := decimal.NewFromString(cfg.Reconciliation.Epsilon)
	if err != nil {
		slog.Error("Invalid reconciliation.epsilon", "value", cfg.Reconciliation.Epsilon, "error", err)
		os.Exit(1)
	}

	runner := database.NewRunner(pool, cfg.Database.MaxAttempts, logger)
	seq := reference.PgSequencer{}
	payments := repository.NewPaymentRepo(pool)

	// Insert funcs are set after the River client is created (breaks init cycle).
	var insertMu sync.Mutex
	var insertWebhookFn jobs.InsertWebhookTxFunc
	var insertDispatchFn execution.InsertDispatchFunc
	insertWebhook := func(ctx context.Context, tx pgx.Tx, args jobs.ProcessWebhookArgs) error {
		insertMu.Lock()
		fn := insertWebhookFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	insertDispatch := func(ctx context.Context, args execution.DispatchRetryArgs) error {
		insertMu.Lock()
		fn := insertDispatchFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, args)
	}

	ledgerSvc := ledger.NewService(runner, ledger.NewRepository(pool), seq, cfg.Currency, logger)
	tracker := gateway.NewTracker(runner, gateway.NewRepository(pool), seq, gateway.RetryPolicy{
		MaxRetries: cfg.Gateway.MaxRetries,
		BaseDelay:  cfg.Gateway.RetryBaseDelay,
		MaxDelay:   cfg.Gateway.RetryMaxDelay,
	}, jobs.EnqueueOnWebhook(insertWebhook), logger)
	refunds := refund.NewWorkflow(runner, refund.NewRepository(pool), payments, ledgerSvc, tracker, seq, logger)
	reporter := reconciliation.NewReporter(ledgerSvc, tracker, reconciliation.Thresholds{
		UnreconciledAfter: cfg.Reconciliation.UnreconciledAfter,
		UnverifiedAfter:   cfg.Reconciliation.UnverifiedAfter,
		UnsettledAfter:    cfg.Reconciliation.UnsettledAfter,
		Epsilon:           epsilon,
	}, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewWebhookWorker(runner, tracker, ledgerSvc, payments, logger))
	river.AddWorker(workers, jobs.NewReconcileWorker(reporter, logger))
	periodic := []*river.PeriodicJob{
		jobs.PeriodicReconcile(cfg.Reconciliation.Interval, cfg.Reconciliation.Window),
	}
	if cfg.Gateway.RetryCallbackURL != "" {
		river.AddWorker(workers, execution.NewDispatchRetryWorker(cfg.Gateway.RetryCallbackURL, logger))
		river.AddWorker(workers, execution.NewSweepRetriesWorker(tracker, insertDispatch, logger))
		periodic = append(periodic, execution.PeriodicSweep(cfg.Gateway.RetrySweepInterval))
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertWebhookFn = func(ctx context.Context, tx pgx.Tx, args jobs.ProcessWebhookArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertDispatchFn = func(ctx context.Context, args execution.DispatchRetryArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	mux := http.NewServeMux()
	if err := registerV1Routes(mux, cfg, services{
		ledger:   ledgerSvc,
		gateway:  tracker,
		refunds:  refunds,
		reporter: reporter,
	}, logger); err != nil {
		slog.Error("Failed to register routes", "error", err)
		os.Exit(1)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: corsHandler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River client stop", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
