package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"

	"propagator/internal/core/apperror"
	"propagator/internal/core/tx"
	"propagator/internal/propagation"
	"propagator/pkg/logger"
)

// ErrorHandler middleware transforms errors into consistent JSON responses.
// Hides internal errors from clients while logging full details.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		// If response already written by handler, do not override it.
		if c.Writer.Written() {
			return
		}

		appErr, ok := ToAppError(err)
		if !ok {
			logger.Error(c.Request.Context(), "unhandled error", "error", err)
			appErr = apperror.NewInternal(err).WithDetail("request_id", c.GetString("request_id"))
		} else if appErr.Err != nil {
			logger.Error(c.Request.Context(), "request error",
				"code", appErr.Code,
				"cause", appErr.Err,
			)
		}

		body := gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		}

		// Mark idempotency as failed with the exact response we return (best-effort).
		failIdempotency(c, appErr.HTTPStatus, body)

		c.JSON(appErr.HTTPStatus, body)
	}
}

// ToAppError maps engine and domain errors to API errors. Cleanup failures
// win over everything else because they leave transaction state uncertain.
func ToAppError(err error) (*apperror.AppError, bool) {
	if err == nil {
		return nil, false
	}

	if cleanups := propagation.Cleanups(err); len(cleanups) > 0 {
		actions := make([]string, 0, len(cleanups))
		rolledBack := true
		for _, ce := range cleanups {
			actions = append(actions, ce.Action.String())
			if ce.Action != propagation.ActionCommit || !errors.Is(ce.Err, tx.ErrMarkedRollback) {
				rolledBack = false
			}
		}
		if rolledBack {
			return apperror.NewRolledBack(err), true
		}
		return apperror.NewTxCleanup(actions, err), true
	}

	var me *propagation.ManagerError
	if errors.As(err, &me) {
		return apperror.NewTxManager(me.Action.String(), err), true
	}

	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr, true
	}

	var pe *propagation.PreconditionError
	if errors.As(err, &pe) {
		return apperror.NewPropagationRejected(pe.Mode.String(), pe.Status.String()), true
	}

	if errors.Is(err, propagation.ErrInvalidMode) {
		return apperror.NewValidation(err.Error()), true
	}

	return nil, false
}

// abortWith registers err and stops the chain.
func abortWith(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
