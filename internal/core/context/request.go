// Package context provides request-scoped values shared by HTTP middleware,
// logging and the audit journal.
package context

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Trace identifies a request across logs and audit entries.
type Trace struct {
	TraceID   string
	RequestID string
}

// Caller is the authenticated principal of a request.
type Caller struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the caller holds role.
func (c *Caller) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

type traceKey struct{}
type callerKey struct{}

// WithTrace adds Trace to context.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// GetTrace returns Trace from context or nil.
func GetTrace(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}

// NewTrace creates a Trace with generated IDs.
func NewTrace() *Trace {
	return &Trace{
		TraceID:   uuid.NewString(),
		RequestID: uuid.NewString(),
	}
}

// GetRequestID returns request ID from context or empty string.
func GetRequestID(ctx context.Context) string {
	if t := GetTrace(ctx); t != nil {
		return t.RequestID
	}
	return ""
}

// WithCaller adds Caller to context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// GetCaller returns Caller from context or nil.
func GetCaller(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}

// GetSubject returns the caller subject or empty string.
func GetSubject(ctx context.Context) string {
	if c := GetCaller(ctx); c != nil {
		return c.Subject
	}
	return ""
}
