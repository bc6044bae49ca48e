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

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nikhilbhutani/datasetingest/internal/cache"
	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/database"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
	"github.com/nikhilbhutani/datasetingest/internal/queue"
	"github.com/nikhilbhutani/datasetingest/internal/queue/workers"
	"github.com/nikhilbhutani/datasetingest/internal/storage"
)

const concurrency = 10

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := storage.New(ctx, cfg.Storage, storage.Options{
		SingleShotThreshold: cfg.Ingest.SingleShotThreshold,
		ChunkSize:           cfg.Ingest.ChunkSize,
	})
	if err != nil {
		slog.Error("dataset storage not configured", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	runs := cache.NewRunStore(cache.NewCache(rdb, "dsi:"), cfg.Redis.RunTTL)

	recovery := ingest.NewRecovery(catalog.NewPostgresStore(db), st, runs)
	policy := ingest.RetryPolicyFromConfig(cfg.Retry, cfg.Ingest.CatalogDeadline)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
			},
			// retried counts finished attempts minus one; the first attempt
			// already waited Backoff(1) via ProcessIn
			RetryDelayFunc: func(retried int, _ error, _ *asynq.Task) time.Duration {
				return policy.Backoff(retried + 2)
			},
			ShutdownTimeout: 30 * time.Second,
		},
	)

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeCatalogRecord, workers.NewCatalogWorker(recovery))

	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting worker", "concurrency", concurrency, "max_attempts", policy.MaxAttempts)
		if err := srv.Start(registry.Mux()); err != nil {
			return fmt.Errorf("start asynq server: %w", err)
		}
		<-gctx.Done()
		slog.Info("shutting down worker...")
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		slog.Info("serving worker metrics", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
