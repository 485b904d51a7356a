package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Droze-svj/click-platform-sub007/internal/api"
	"github.com/Droze-svj/click-platform-sub007/internal/config"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/filter"
	"github.com/Droze-svj/click-platform-sub007/internal/health"
	"github.com/Droze-svj/click-platform-sub007/internal/pipeline"
	"github.com/Droze-svj/click-platform-sub007/internal/receiver"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
	"github.com/Droze-svj/click-platform-sub007/internal/stream"
	"github.com/Droze-svj/click-platform-sub007/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Engine components
	queue := engine.NewQueue(redisStore.Client())
	limiter := engine.NewRateLimiter(redisStore.Client(), logger)
	batcher := engine.NewBatcher(queue, logger)

	// Live sessions
	sessions := stream.NewManager(logger)
	sessionsDone := make(chan struct{})
	go sessions.Run(sessionsDone)

	fanout := engine.NewFanOutEngine(pgStore, pgStore, queue, limiter, batcher, sessions, logger)

	// Delivery pipeline and workers
	transforms := pipeline.NewTransformRegistry()
	deliverer := pipeline.NewDeliverer(pgStore, pgStore, transforms, logger)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	dispatcher := worker.NewDispatcher(redisStore.Client(), pool, logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	pool.Start(workerCtx)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Start(workerCtx)
	}()

	// Inbound receiver
	policy := filter.NewSourcePolicy(cfg.AllowedTables, cfg.BlockedTables, cfg.AllowedOperations, cfg.BlockedOperations, logger)
	inbound := receiver.New(fanout, limiter, policy, cfg.InboundSecret, cfg.IsProduction(), logger)

	// Health and replay
	healthSvc := health.NewService(pgStore, pgStore, queue, logger)

	// Audit retention sweep
	retentionDone := make(chan struct{})
	go runRetentionSweep(ctx, pgStore, cfg.RetentionDays, logger, retentionDone)

	// Setup router
	router := api.NewRouter(api.Deps{
		Store:      pgStore,
		Fanout:     fanout,
		Queue:      queue,
		Batcher:    batcher,
		Health:     healthSvc,
		Transforms: transforms,
		Receiver:   inbound,
		Sessions:   sessions,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Flush accumulating batches so nothing sits in memory. The dispatcher
	// must have exited before Stop closes the jobs channel, or an in-flight
	// poll could submit to a closed channel.
	batcher.FlushAll()
	stopWorkers()
	<-dispatcherDone
	pool.Stop()
	close(sessionsDone)
	close(retentionDone)

	logger.Info("server stopped")
}

// runRetentionSweep purges audit rows past the retention window once a day.
func runRetentionSweep(ctx context.Context, pgStore *store.PostgresStore, retentionDays int, logger *slog.Logger, done <-chan struct{}) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			purged, err := pgStore.PurgeAttemptsBefore(ctx, cutoff)
			if err != nil {
				logger.Error("audit retention sweep failed", "error", err)
				continue
			}
			logger.Info("audit retention sweep complete", "purged", purged, "cutoff", cutoff)
		}
	}
}
