package template

import (
	"sync"

	"github.com/itchyny/gojq"

	"github.com/ossian/flint/pkg/schema"
)

// jqEngine compiles jq programs for the jq(...) filter. Compiled *Code
// objects are cached and reused across goroutines.
type jqEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newJQEngine() *jqEngine {
	return &jqEngine{cache: make(map[string]*gojq.Code)}
}

// compileFilter compiles a jq program into a pipeline Filter. Parse and
// compile errors are reported here, at template-load time; evaluation
// anomalies later resolve to nil like any other filter.
func (e *jqEngine) compileFilter(program string) (Filter, error) {
	code, err := e.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	return func(v any, _ []Arg) (any, error) {
		iter := code.Run(normalizeForJQ(v))

		var results []any
		for {
			out, ok := iter.Next()
			if !ok {
				break
			}
			if _, isErr := out.(error); isErr {
				return nil, nil
			}
			results = append(results, out)
		}

		switch len(results) {
		case 0:
			return nil, nil
		case 1:
			return results[0], nil
		default:
			return results, nil
		}
	}, nil
}

func (e *jqEngine) getOrCompile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[program]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
			"jq parse error in %q: %s", program, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Empty env blocks $ENV and env access from workflow documents.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
			"jq compile error in %q: %s", program, err.Error()).WithCause(err)
	}

	e.cache[program] = code
	return code, nil
}

// normalizeForJQ converts Go integer and float32 values to float64,
// matching jq's native number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
