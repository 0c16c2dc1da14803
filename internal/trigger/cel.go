package trigger

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ossian/flint/pkg/schema"
)

// CELEngine evaluates the optional cel predicate of alert triggers.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing
// a single top-level variable, alert: map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("alert", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile checks a predicate without evaluating it, so bad expressions
// are rejected when the workflow document loads.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Matches evaluates a predicate against an alert view. Runtime errors
// return false together with the error: a predicate that cannot be
// decided must not fire workflows, and the caller decides how to
// surface the failure.
func (e *CELEngine) Matches(expression string, alertView map[string]any) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	if alertView == nil {
		alertView = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"alert": alertView})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeMatch,
			"cel predicate failed: %s", err.Error()).WithCause(err)
	}

	b, ok := out.Value().(bool)
	return ok && b, nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"cel compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"cel program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}
