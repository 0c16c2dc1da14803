// Package provider is the gateway between work units and the outside
// world. A Provider adapts one external system (an HTTP endpoint, a chat
// webhook, a log sink); the engine talks to all of them through the same
// Invoke call and treats any returned error as opaque unit failure.
package provider

import (
	"context"
	"encoding/json"
)

// Provider executes one kind of external operation.
type Provider interface {
	// Type is the provider type name referenced by workflow documents.
	Type() string

	// Invoke performs the operation. Config is the resolved provider
	// configuration (secrets already substituted), Params the rendered
	// with-parameters of the work unit. The returned value becomes the
	// unit's result in the run context.
	Invoke(ctx context.Context, inv Invocation) (any, error)

	// Validate checks the with-parameter shape at workflow load time.
	Validate(params map[string]any) error
}

// Invocation carries everything one provider call needs.
type Invocation struct {
	Config map[string]any
	Params map[string]any

	// WorkflowID and RunID identify the calling run for logging and
	// idempotency keys. Providers must not fail when they are empty.
	WorkflowID string
	RunID      string
}

// Param helpers shared by provider implementations.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mv, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return mv
}

func stringMapParam(m map[string]any, key string) map[string]string {
	mv := mapParam(m, key)
	if mv == nil {
		return nil
	}
	out := make(map[string]string, len(mv))
	for k, v := range mv {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
