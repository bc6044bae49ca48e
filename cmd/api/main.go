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

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/datasetingest/internal/api"
	"github.com/nikhilbhutani/datasetingest/internal/api/handlers"
	"github.com/nikhilbhutani/datasetingest/internal/auth"
	"github.com/nikhilbhutani/datasetingest/internal/cache"
	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/cost"
	"github.com/nikhilbhutani/datasetingest/internal/database"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
	"github.com/nikhilbhutani/datasetingest/internal/queue"
	"github.com/nikhilbhutani/datasetingest/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		// storage and database problems surface per request; only a bad
		// ingest config is fatal
		slog.Warn("configuration incomplete", "error", err)
	}

	ctx := context.Background()
	health := map[string]handlers.Pinger{}

	// Catalog: Postgres when reachable, otherwise in-memory for local runs
	var cat catalog.Store
	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Warn("database unavailable, using in-memory catalog", "error", err)
		cat = catalog.NewMemoryStore()
	} else {
		defer db.Close()
		if err := database.RunMigrations(ctx, db, database.Migrations); err != nil {
			slog.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		cat = catalog.NewPostgresStore(db)
		health["database"] = db
	}

	// Run status: Redis when reachable so the worker and every replica agree
	var runs ingest.StatusStore = ingest.NewMemoryStatusStore()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	runCache := cache.NewCache(rdb, "dsi:")
	if err := runCache.Ping(ctx); err != nil {
		slog.Warn("redis unavailable, run status kept in memory", "error", err)
	} else {
		runs = cache.NewRunStore(runCache, cfg.Redis.RunTTL)
		health["redis"] = runCache
	}

	st, err := storage.New(ctx, cfg.Storage, storage.Options{
		SingleShotThreshold: cfg.Ingest.SingleShotThreshold,
		ChunkSize:           cfg.Ingest.ChunkSize,
	})
	if err != nil {
		slog.Warn("dataset storage not configured, uploads will fail", "backend", cfg.Storage.Backend, "error", err)
		st = nil
	}

	pricing, err := cost.LoadTable(cfg.Pricing.File)
	if err != nil {
		slog.Error("failed to load pricing table", "error", err)
		os.Exit(1)
	}

	recovery := ingest.NewRecovery(cat, st, runs)
	policy := ingest.RetryPolicyFromConfig(cfg.Retry, cfg.Ingest.CatalogDeadline)

	var deferrer ingest.Deferrer
	switch cfg.Retry.Backend {
	case "asynq":
		qc := queue.NewClient(cfg.Redis, policy)
		defer qc.Close()
		deferrer = qc
	default:
		lr := ingest.NewLocalRetrier(recovery, policy)
		defer lr.Close()
		deferrer = lr
	}
	slog.Info("catalog retry backend", "backend", cfg.Retry.Backend, "max_attempts", policy.MaxAttempts)

	svc, err := ingest.NewService(cfg.Ingest, ingest.Deps{
		Storage:  st,
		Bucket:   cfg.Storage.Bucket,
		Catalog:  cat,
		Runs:     runs,
		Deferrer: deferrer,
		Pricing:  pricing,
		Recovery: recovery,
	})
	if err != nil {
		slog.Error("failed to build ingest service", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.Deps{
		Ingest:         svc,
		JWT:            auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
		Health:         health,
		MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
		CORSOrigins:    cfg.Server.CORSOrigins,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
