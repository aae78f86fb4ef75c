package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"propagator/internal/core/apperror"
	appctx "propagator/internal/core/context"
)

// JWTValidator interface for token validation.
type JWTValidator interface {
	ValidateToken(tokenString string) (*appctx.Caller, error)
}

// Auth middleware validates JWT tokens and populates the caller context.
func Auth(validator JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWith(c, apperror.NewUnauthorized("missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortWith(c, apperror.NewUnauthorized("invalid authorization header format"))
			return
		}

		caller, err := validator.ValidateToken(parts[1])
		if err != nil {
			abortWith(c, apperror.NewUnauthorized("invalid token"))
			return
		}

		ctx := appctx.WithCaller(c.Request.Context(), caller)
		c.Request = c.Request.WithContext(ctx)

		// Store in gin context for easy access
		c.Set("subject", caller.Subject)

		c.Next()
	}
}

// RequireRole middleware checks if the caller has one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := appctx.GetCaller(c.Request.Context())
		if caller == nil {
			abortWith(c, apperror.NewUnauthorized("authentication required"))
			return
		}

		for _, required := range roles {
			if caller.HasRole(required) {
				c.Next()
				return
			}
		}
		abortWith(c, apperror.NewForbidden("insufficient permissions").
			WithDetail("required_roles", roles))
	}
}
