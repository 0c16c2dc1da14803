package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", Unit(ctx))
	assert.Equal(t, "", AlertID(ctx))

	// Set values.
	ctx = WithRunID(ctx, "run-123")
	ctx = WithUnit(ctx, "get-customer")
	ctx = WithAlertID(ctx, "alert-42")

	// Round-trip.
	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "get-customer", Unit(ctx))
	assert.Equal(t, "alert-42", AlertID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	ctx = WithRunID(ctx, "run-abc")
	ctx = WithUnit(ctx, "notify")
	ctx = WithAlertID(ctx, "alert-7")

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "unit=notify")
	assert.Contains(t, output, "alert_id=alert-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only the run ID is set; unit and alert should not appear.
	ctx := WithRunID(context.Background(), "run-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-only")
	assert.NotContains(t, output, "unit=")
	assert.NotContains(t, output, "alert_id")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	enriched := LogWith(context.Background(), logger)
	enriched.Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "unit=")
	assert.NotContains(t, output, "alert_id")
	assert.Contains(t, output, "no context")
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "run-1", "unit-a", "alert-9")
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "unit-a", Unit(ctx))
	assert.Equal(t, "alert-9", AlertID(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler)

	ctx := WithIDs(context.Background(), "run-h", "enrich", "alert-h")
	logger.InfoContext(ctx, "handled")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-h")
	assert.Contains(t, output, "unit=enrich")
	assert.Contains(t, output, "alert_id=alert-h")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "bare")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "alert_id")
	assert.Contains(t, output, "bare")
}

func TestCorrelationHandlerPartialContext(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler)

	ctx := WithRunID(context.Background(), "run-p")
	logger.InfoContext(ctx, "partial")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-p")
	assert.NotContains(t, output, "unit=")
	assert.NotContains(t, output, "alert_id")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler).With("component", "engine")

	ctx := WithRunID(context.Background(), "run-a")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, "component=engine")
	assert.Contains(t, output, "run_id=run-a")
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler).WithGroup("req")

	ctx := WithRunID(context.Background(), "run-g")
	logger.InfoContext(ctx, "grouped", "path", "/v1/alerts")

	output := buf.String()
	assert.Contains(t, output, "req.path=/v1/alerts")
	assert.Contains(t, output, "run_id=run-g")
}
