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

	if cfg.AutoMigrate && !app.InTestMode() {
		if err := migrateUp(cfg.PGDSN, logger); err != nil {
			logger.Error("auto migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

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
	var queue jobs.TaskEnqueuer
	if cfg.NotifyMode == app.NotifyModeQueue {
		jobClient := jobs.NewClient(redisOpts)
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		queue = jobClient
	}
	publisher, err := app.NewPublisher(cfg, redisClient, queue, logger)
	if err != nil {
		logger.Error("init publisher", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	rbacService := rbac.NewService(rbac.NewStore(pool), redisClient, cfg.RBACCacheTTL, logger)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	threshold, err := cfg.RoundOff()
	if err != nil {
		logger.Error("round-off threshold", slog.Any("error", err))
		os.Exit(1)
	}
	arService := ar.NewService(ar.NewRepository(pool), publisher, rbac.Authorizer{Service: rbacService}, logger)
	arService.SetRoundOffThreshold(threshold)
	arService.SetMetrics(metrics)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		_ = inspector.Close()
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		ARHandler:          ar.NewHandler(logger, arService, shared.NewIdempotencyStore(pool), rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService),
		JobHandler:         jobs.NewHandler(inspector, logger),
		RBAC:               &rbacMiddleware,
		Metrics:            metrics,
		Ready: func(r *http.Request) error {
			if err := pool.Ping(r.Context()); err != nil {
				return err
			}
			return redisClient.Ping(r.Context()).Err()
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ar ledger listening", slog.String("addr", cfg.AppAddr), slog.String("notify_mode", cfg.NotifyMode))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
}

func migrateUp(dsn string, logger *slog.Logger) error {
	migrator, err := db.NewMigrator(dsn, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("close migrator", slog.Any("error", err))
		}
	}()
	return migrator.Up()
}
