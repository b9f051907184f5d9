package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sinparty/esf-settlement/internal/api"
	"github.com/sinparty/esf-settlement/internal/api/middleware"
	"github.com/sinparty/esf-settlement/internal/config"
	"github.com/sinparty/esf-settlement/internal/db"
	"github.com/sinparty/esf-settlement/internal/holds"
	"github.com/sinparty/esf-settlement/internal/idempotency"
	"github.com/sinparty/esf-settlement/internal/identity"
	"github.com/sinparty/esf-settlement/internal/intent"
	"github.com/sinparty/esf-settlement/internal/ledger"
	"github.com/sinparty/esf-settlement/internal/notify"
	"github.com/sinparty/esf-settlement/internal/observability"
	"github.com/sinparty/esf-settlement/internal/settlement"
	"github.com/sinparty/esf-settlement/internal/worker"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	users := identity.NewPostgresResolver(pool)
	led := ledger.NewPostgresLedger(pool)
	holdStore := holds.NewPostgresStore(pool)
	guard := idempotency.NewPostgresGuard(pool, redisClient, cfg.IdempotencyTTL)
	intents := intent.NewPostgresSource(pool)
	events := notify.NewDispatcher(notify.NewLogSink(logger), logger)

	engine := settlement.New(
		users, led, holdStore, guard, intents, events, logger,
		settlement.WithHoldTTL(cfg.DefaultHoldTTL),
	)

	sweeper := worker.NewHoldSweeper(holdStore).
		WithPollInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)
	stopSweeper := sweeper.Run(ctx)
	logger.Info("hold sweeper started",
		zap.Duration("interval", cfg.SweepInterval),
		zap.Int("batch", cfg.SweepBatchSize),
	)

	reconciler := worker.NewReconciliationWorker(led).
		WithInterval(cfg.ReconciliationInterval)
	stopReconciler := reconciler.Run(ctx)
	logger.Info("reconciliation worker started", zap.Duration("interval", cfg.ReconciliationInterval))

	router := api.NewRouter(
		engine, users, led, holdStore,
		pool, redisClient, logger,
		cfg.Env, cfg.PartnerRateLimitRPS, cfg.OpsRateLimitRPS,
	)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopSweeper()
	stopReconciler()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	// Let in-flight notification dispatches finish.
	events.Wait()

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
