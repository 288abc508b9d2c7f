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

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/arledger/internal/app"
	"github.com/odyssey-erp/arledger/internal/ar"
	jobmetrics "github.com/odyssey-erp/arledger/internal/jobs"
	"github.com/odyssey-erp/arledger/internal/notify"
	"github.com/odyssey-erp/arledger/internal/observability"
	"github.com/odyssey-erp/arledger/internal/platform/cache"
	"github.com/odyssey-erp/arledger/internal/platform/db"
	"github.com/odyssey-erp/arledger/internal/rbac"
	"github.com/odyssey-erp/arledger/internal/shared"
	"github.com/odyssey-erp/arledger/jobs"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	// Sweeps repair drift and notify through the same transport as the API.
	publisher, err := app.NewPublisher(cfg, redisClient, jobClient, logger)
	if err != nil {
		logger.Error("init publisher", slog.Any("error", err))
		os.Exit(1)
	}
	ledgerMetrics := observability.NewMetrics()
	rbacService := rbac.NewService(rbac.NewStore(pool), redisClient, cfg.RBACCacheTTL, logger)
	threshold, err := cfg.RoundOff()
	if err != nil {
		logger.Error("round-off threshold", slog.Any("error", err))
		os.Exit(1)
	}
	arService := ar.NewService(ar.NewRepository(pool), publisher, rbac.Authorizer{Service: rbacService}, logger)
	arService.SetRoundOffThreshold(threshold)
	arService.SetMetrics(ledgerMetrics)

	metrics := jobmetrics.NewMetrics(ledgerMetrics.Registerer())
	relayJob := jobs.NewNotifyRelayJob(notify.NewRedisPublisher(redisClient, cfg.NotifyChannel), logger, metrics)
	sweepJob := jobs.NewReconcileSweepJob(arService, cfg.SweepConcurrency, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), cfg.IdempotencyRetention, logger, metrics)

	var cron []jobs.CronRegistration
	if !app.InTestMode() {
		sweepTask, err := jobs.NewReconcileSweepTask(nil, cfg.SweepConcurrency)
		if err != nil {
			logger.Error("build sweep task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron,
			jobs.CronRegistration{Spec: cfg.SweepCron, Task: sweepTask},
			jobs.CronRegistration{Spec: "@daily", Task: jobs.NewIdempotencyCleanupTask()},
		)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskARNotify, Handler: relayJob.Handle},
			{Type: jobs.TaskARReconcileSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: ledgerMetrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", slog.String("sweep_cron", cfg.SweepCron), slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
