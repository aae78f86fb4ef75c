// Package apperror provides structured error handling following RFC 7807 Problem Details.
// Errors crossing the HTTP boundary are converted to AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Infrastructure errors (5xx)
	CodeInternal  = "INTERNAL_ERROR"
	CodeDatabase  = "DATABASE_ERROR"
	CodeTxManager = "TRANSACTION_MANAGER_ERROR"
	CodeTxCleanup = "TRANSACTION_CLEANUP_FAILED"

	// Validation errors (400)
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidInput = "INVALID_INPUT"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict              = "CONFLICT"
	CodePropagationRejected   = "PROPAGATION_PRECONDITION_FAILED"
	CodeTransactionRolledBack = "TRANSACTION_ROLLED_BACK"
	CodeStatementFailed       = "STATEMENT_FAILED"
	CodeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyMismatch   = "IDEMPOTENCY_KEY_REUSED"
)

// AppError is the standard error type returned by the API.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (mode, status, statement index...)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewPropagationRejected reports a mode that cannot run with the ambient
// transaction status (409).
func NewPropagationRejected(mode, status string) *AppError {
	return &AppError{
		Code:       CodePropagationRejected,
		Message:    fmt.Sprintf("propagation %s not allowed with transaction status %s", mode, status),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"propagation": mode, "status": status},
	}
}

// NewRolledBack reports a commit refused because the transaction was marked
// rollback-only (409).
func NewRolledBack(err error) *AppError {
	return &AppError{
		Code:       CodeTransactionRolledBack,
		Message:    "Transaction was marked rollback-only and has been rolled back",
		HTTPStatus: http.StatusConflict,
		Err:        err,
	}
}

// NewStatementFailed reports a failing statement of a batch (422).
func NewStatementFailed(index int, err error) *AppError {
	return &AppError{
		Code:       CodeStatementFailed,
		Message:    fmt.Sprintf("statement %d failed", index),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"index": index},
		Err:        err,
	}
}

// NewTxManager reports a failing begin or suspend (503).
func NewTxManager(action string, err error) *AppError {
	return &AppError{
		Code:       CodeTxManager,
		Message:    "Transaction could not be started",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"action": action},
		Err:        err,
	}
}

// NewTxCleanup reports commit, rollback or resume failures (500).
// actions lists every failed cleanup step in order.
func NewTxCleanup(actions []string, err error) *AppError {
	return &AppError{
		Code:       CodeTxCleanup,
		Message:    "Transaction cleanup failed",
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"actions": actions},
		Err:        err,
	}
}

// NewIdempotencyConflict reports a key whose request is still running (409).
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyConflict,
		Message:    "Request with this idempotency key is already in progress",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// NewIdempotencyMismatch reports a key reused for a different request (422).
func NewIdempotencyMismatch(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyMismatch,
		Message:    "Idempotency key was used for a different request",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeNotFound
	}
	return false
}
