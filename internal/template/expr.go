package template

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ossian/flint/pkg/schema"
)

// exprEngine evaluates expr: conditions. It supports the full expr-lang
// surface: array operations (filter, map, any, all), nil coalescing,
// optional chaining. Compiled programs are cached across goroutines.
type exprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprEngine() *exprEngine {
	return &exprEngine{cache: make(map[string]*vm.Program)}
}

// evaluate runs a compiled expression against the scope and coerces the
// result to a boolean. Runtime failures read as false so conditions stay
// total; only compile errors propagate (and those surface at load time
// via compileCheck).
func (e *exprEngine) evaluate(expression string, scope map[string]any) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	env := scope
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return false, nil
	}
	return truthy(out), nil
}

// compileCheck compiles without evaluating; used by document validation.
func (e *exprEngine) compileCheck(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *exprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
			"expr compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}
