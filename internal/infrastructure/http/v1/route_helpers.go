package v1

import (
	"github.com/gin-gonic/gin"

	"propagator/internal/infrastructure/http/v1/middleware"
)

// BatchRouteHandler defines the interface for batch handlers.
type BatchRouteHandler interface {
	Execute(c *gin.Context)
	Audit(c *gin.Context)
	Modes(c *gin.Context)
}

// RegisterBatchRoutes registers batch routes guarded by permission roles.
//
// Usage:
//
//	handler := handlers.NewBatchHandler(baseHandler, service)
//	RegisterBatchRoutes(protected, handler, "batch")
//
// registers POST /batches for "batch:write", GET /batches/:id/audit for
// "batch:read" and GET /propagation/modes for any authenticated caller.
func RegisterBatchRoutes(group *gin.RouterGroup, handler BatchRouteHandler, permission string) {
	group.POST("/batches", middleware.RequireRole(permission+":write"), handler.Execute)
	group.GET("/batches/:id/audit", middleware.RequireRole(permission+":read", permission+":write"), handler.Audit)
	group.GET("/propagation/modes", handler.Modes)
}
