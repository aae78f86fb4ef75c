// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"propagator/internal/domain/batch"
	"propagator/internal/infrastructure/http/v1/handlers"
	"propagator/internal/infrastructure/http/v1/middleware"
	"propagator/internal/propagation"
	"propagator/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	// BatchService executes batches and reads their audit trail
	BatchService *batch.Service

	// DB backs the readiness and info probes
	DB handlers.DBStatus

	// IdempotencyStore enables idempotency for mutating requests when set
	IdempotencyStore middleware.IdempotencyStore

	// DefaultMode applies to requests that name no propagation mode
	DefaultMode propagation.Mode
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth)
	healthHandler := handlers.NewHealthHandler(cfg.DB)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	v1 := router.Group("/v1")
	{
		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg.JWTValidator))
		protected.Use(middleware.Propagation(cfg.DefaultMode))

		// Runs after Auth so keys are scoped to the caller
		if cfg.IdempotencyStore != nil {
			protected.Use(middleware.Idempotency(cfg.IdempotencyStore))
		}

		batchHandler := handlers.NewBatchHandler(handlers.NewBaseHandler(), cfg.BatchService)
		RegisterBatchRoutes(protected, batchHandler, "batch")
	}

	return router
}
