// Package main is the entry point for the propagator API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"propagator/internal/domain/auth"
	"propagator/internal/domain/batch"
	v1 "propagator/internal/infrastructure/http/v1"
	"propagator/internal/infrastructure/storage/postgres"
	"propagator/internal/propagation"
	"propagator/pkg/logger"
)

func main() {
	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting propagator server")

	// --- Database ---
	poolCfg := postgres.DefaultPoolConfig(mustEnv("DATABASE_URL"))
	if maxConns := getEnvInt("DB_MAX_CONNS", 0); maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	txOpts := postgres.DefaultTxOptions()
	txOpts.IsolationLevel, err = postgres.ParseIsolation(getEnv("TX_ISOLATION", "read_committed"))
	if err != nil {
		log.Fatalw("invalid TX_ISOLATION", "error", err)
	}
	txOpts.StatementTimeout = getEnvDuration("TX_STATEMENT_TIMEOUT", txOpts.StatementTimeout)
	txManager := postgres.NewTxManagerWithOptions(pool.Pool, txOpts)

	defaultMode, err := propagation.ParseMode(getEnv("DEFAULT_PROPAGATION", "required"))
	if err != nil {
		log.Fatalw("invalid DEFAULT_PROPAGATION", "error", err)
	}
	engine := propagation.New(txManager, propagation.WithLogger(log))

	// --- Storage ---
	journal, err := postgres.NewAuditJournal(txManager, getEnvInt("AUDIT_COMPRESS_THRESHOLD", 0))
	if err != nil {
		log.Fatalw("failed to create audit journal", "error", err)
	}
	outbox := postgres.NewOutboxPublisher(txManager)
	idempotency := postgres.NewIdempotencyStore(txManager, getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour))

	for name, ensure := range map[string]func(context.Context) error{
		"audit":       journal.EnsureSchema,
		"outbox":      outbox.EnsureSchema,
		"idempotency": idempotency.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			log.Fatalw("failed to ensure schema", "schema", name, "error", err)
		}
	}

	var serviceOpts []batch.Option
	if getEnv("OUTBOX_ENABLED", "true") == "true" {
		serviceOpts = append(serviceOpts, batch.WithPublisher(outbox))
	}
	batchService := batch.NewService(engine, postgres.NewStatementRepo(txManager), journal, defaultMode, serviceOpts...)

	// --- JWT Service ---
	jwtService := auth.NewJWTService(auth.DefaultJWTConfig(mustEnv("JWT_SECRET")))

	// --- Router ---
	routerCfg := v1.RouterConfig{
		Logger:       log,
		JWTValidator: jwtService,
		BatchService: batchService,
		DB:           pool,
		DefaultMode:  defaultMode,
	}
	if getEnv("IDEMPOTENCY_ENABLED", "true") == "true" {
		routerCfg.IdempotencyStore = idempotency
	}
	router := v1.NewRouter(routerCfg)

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: txOpts.StatementTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infow("server starting",
			"port", port,
			"default_propagation", defaultMode.String(),
			"isolation", string(txOpts.IsolationLevel),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	pool.LogStats(shutdownCtx)
	log.Info("server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
