package middleware

import (
	"github.com/gin-gonic/gin"

	"propagator/internal/core/apperror"
	"propagator/internal/propagation"
)

const (
	// QueryPropagation selects the propagation mode of a request.
	QueryPropagation = "propagation"

	// HeaderPropagation is the header alternative to QueryPropagation.
	HeaderPropagation = "X-Propagation"

	ctxPropagationMode = "propagation_mode"
)

// Propagation resolves the requested propagation mode. Requests that name
// none get fallback.
func Propagation(fallback propagation.Mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query(QueryPropagation)
		if raw == "" {
			raw = c.GetHeader(HeaderPropagation)
		}

		mode := fallback
		if raw != "" {
			parsed, err := propagation.ParseMode(raw)
			if err != nil {
				abortWith(c, apperror.NewValidation("unknown propagation mode").
					WithDetail("propagation", raw))
				return
			}
			mode = parsed
		}

		c.Set(ctxPropagationMode, mode)

		c.Next()
	}
}

// GetPropagationMode returns the mode resolved by Propagation, or zero.
func GetPropagationMode(c *gin.Context) propagation.Mode {
	if v, ok := c.Get(ctxPropagationMode); ok {
		if mode, ok := v.(propagation.Mode); ok {
			return mode
		}
	}
	return 0
}
