package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/arledger/cmd/arledgerctl/cli"
	"github.com/odyssey-erp/arledger/internal/app"
	"github.com/odyssey-erp/arledger/internal/ar"
	"github.com/odyssey-erp/arledger/internal/platform/cache"
	"github.com/odyssey-erp/arledger/internal/platform/db"
	"github.com/odyssey-erp/arledger/internal/rbac"
	"github.com/odyssey-erp/arledger/jobs"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	openPool := func(ctx context.Context) (*pgxpool.Pool, error) {
		return db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	}
	openRedis := func(ctx context.Context) (*redis.Client, error) {
		return cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	}

	deps := cli.Deps{
		Logger: logger,
		Migrations: func() (cli.Migrations, func(), error) {
			m, err := db.NewMigrator(cfg.PGDSN, logger)
			if err != nil {
				return nil, nil, err
			}
			return m, func() { _ = m.Close() }, nil
		},
		Queue: func() (cli.Queue, func(), error) {
			q := cli.NewJobsCLI(redisOpts)
			return q, func() { _ = q.Close() }, nil
		},
		Permissions: func(ctx context.Context) (cli.Permissions, func(), error) {
			pool, err := openPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			client, err := openRedis(ctx)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			svc := rbac.NewService(rbac.NewStore(pool), client, cfg.RBACCacheTTL, logger)
			return svc, func() { _ = client.Close(); pool.Close() }, nil
		},
		Ledger: func(ctx context.Context) (cli.Ledger, func(), error) {
			pool, err := openPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			client, err := openRedis(ctx)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			jobClient := jobs.NewClient(redisOpts)
			release := func() {
				_ = jobClient.Close()
				_ = client.Close()
				pool.Close()
			}
			publisher, err := app.NewPublisher(cfg, client, jobClient, logger)
			if err != nil {
				release()
				return nil, nil, err
			}
			threshold, err := cfg.RoundOff()
			if err != nil {
				release()
				return nil, nil, err
			}
			rbacService := rbac.NewService(rbac.NewStore(pool), client, cfg.RBACCacheTTL, logger)
			svc := ar.NewService(ar.NewRepository(pool), publisher, rbac.Authorizer{Service: rbacService}, logger)
			svc.SetRoundOffThreshold(threshold)
			return svc, release, nil
		},
	}

	if err := cli.NewRootCommand(deps).ExecuteContext(ctx); err != nil {
		logger.Error("arledgerctl", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
