// Package logging carries run correlation IDs through context so every
// log line can be tied back to its run, unit, and alert.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	unitKey
	alertIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithUnit returns a context with the work unit name set.
func WithUnit(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, unitKey, name)
}

// WithAlertID returns a context with the alert ID set.
func WithAlertID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, alertIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Unit extracts the work unit name from the context, or "" if absent.
func Unit(ctx context.Context) string {
	v, _ := ctx.Value(unitKey).(string)
	return v
}

// AlertID extracts the alert ID from the context, or "" if absent.
func AlertID(ctx context.Context) string {
	v, _ := ctx.Value(alertIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID, unit, alertID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithUnit(ctx, unit)
	ctx = WithAlertID(ctx, alertID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if u := Unit(ctx); u != "" {
		logger = logger.With(slog.String("unit", u))
	}
	if id := AlertID(ctx); id != "" {
		logger = logger.With(slog.String("alert_id", id))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := Unit(ctx); v != "" {
		r.AddAttrs(slog.String("unit", v))
	}
	if v := AlertID(ctx); v != "" {
		r.AddAttrs(slog.String("alert_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
