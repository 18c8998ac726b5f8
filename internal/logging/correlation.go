package logging

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxCorrelationIDLength caps caller supplied correlation ids.
const MaxCorrelationIDLength = 128

const correlationField = "correlation_id"

type ctxKey string

const (
	correlationIDKey ctxKey = "correlation_id"
	loggerKey        ctxKey = "logger"
)

// NewCorrelationID returns a fresh, sortable correlation id.
func NewCorrelationID() string {
	return xid.New().String()
}

// NormalizeCorrelationID trims whitespace and caps the id length. It returns
// an empty string when nothing usable remains.
func NormalizeCorrelationID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > MaxCorrelationIDLength {
		id = id[:MaxCorrelationIDLength]
	}
	return id
}

// EnsureCorrelationID attaches a correlation id to the context if absent and
// returns the updated context plus the id.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return ContextWithCorrelationID(ctx, id), id
}

// ContextWithCorrelationID stores id in the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, NormalizeCorrelationID(id))
}

// CorrelationIDFromContext extracts the correlation id from the context.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationLogger ensures a correlation id exists and returns the
// updated context alongside a logger annotated with that id.
func WithCorrelationLogger(ctx context.Context, base Logger) (context.Context, Logger) {
	if base == nil {
		base = Noop()
	}
	ctx, id := EnsureCorrelationID(ctx)
	return ctx, base.With(String(correlationField, id))
}

// ContextWithLogger stores a logger on the context.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	if l == nil {
		l = Noop()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromContext fetches a logger from context if present; otherwise it
// returns nil.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(loggerKey).(Logger); ok {
		return v
	}
	return nil
}
