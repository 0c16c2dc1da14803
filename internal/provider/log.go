package provider

import (
	"context"
	"log/slog"

	"github.com/ossian/flint/pkg/schema"
)

// LogProvider emits a structured log record. Useful as a terminal action
// in workflows that only need visibility, and as the simplest provider
// for smoke-testing a new deployment.
type LogProvider struct {
	logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Type() string { return "log" }

func (p *LogProvider) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeDefinition, "log provider requires a message parameter")
	}
	return nil
}

func (p *LogProvider) Invoke(ctx context.Context, inv Invocation) (any, error) {
	message := stringParam(inv.Params, "message", "")
	level := slog.LevelInfo
	switch stringParam(inv.Params, "level", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	attrs := []any{
		slog.String("workflow_id", inv.WorkflowID),
		slog.String("run_id", inv.RunID),
	}
	for k, v := range mapParam(inv.Params, "fields") {
		attrs = append(attrs, slog.Any(k, v))
	}

	p.logger.Log(ctx, level, message, attrs...)
	return map[string]any{"logged": true, "message": message}, nil
}
