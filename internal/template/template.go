// Package template implements the expression micro-language embedded in
// workflow documents: {{ ... }} interpolation regions holding a context
// path plus an optional filter pipeline, and the boolean condition
// grammar used by if/condition fields.
//
// Evaluation is total by design: missing paths resolve to nil, filters
// treat nil as an empty collection/string, and runtime anomalies render
// as empty values. Only syntax errors fail, and those are surfaced at
// workflow-load time via Validate, never mid-run.
package template

import (
	"strings"
	"sync"

	"github.com/ossian/flint/pkg/schema"
)

// Markers delimiting interpolation regions.
const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Engine parses and evaluates templates and conditions. Parsed templates
// are cached and reused across goroutines.
type Engine struct {
	filters map[string]Filter
	jq      *jqEngine
	expr    *exprEngine

	mu    sync.RWMutex
	cache map[string]*parsed

	condMu    sync.RWMutex
	condCache map[string]condNode
}

// NewEngine creates an Engine with the built-in filter set registered.
func NewEngine() *Engine {
	e := &Engine{
		filters: make(map[string]Filter),
		jq:      newJQEngine(),
		expr:    newExprEngine(),
		cache:   make(map[string]*parsed),

		condCache: make(map[string]condNode),
	}
	registerBuiltins(e)
	return e
}

// RegisterFilter adds a named filter. Returns an error on duplicates so
// misconfigured registrations fail loudly at startup.
func (e *Engine) RegisterFilter(name string, f Filter) error {
	if name == "" || f == nil {
		return schema.NewError(schema.ErrCodeDefinition, "filter name and function are required")
	}
	if _, exists := e.filters[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "filter %q already registered", name)
	}
	e.filters[name] = f
	return nil
}

// parsed is a compiled template: literal text interleaved with regions.
type parsed struct {
	nodes []node
}

type node struct {
	text   string  // literal text when region is nil
	region *region // interpolation region
}

// region is one {{ ... }} occurrence: a head operand plus filter calls.
type region struct {
	head    operand
	filters []filterCall
}

type filterCall struct {
	name string
	fn   Filter
	args []Arg
}

// operand is the head of a region: a context path or a literal.
type operand struct {
	path    string // dotted/bracketed path when literal is nil
	literal any
	isLit   bool
}

// Validate parses the template, reporting syntax errors without
// evaluating anything. Called by the definition loader so malformed
// documents are rejected before any event is processed.
func (e *Engine) Validate(template string) error {
	_, err := e.getOrParse(template)
	return err
}

// Evaluate resolves a template against the scope. A template that is
// exactly one region yields the resolved value's native type; any
// surrounding text forces string rendering of all regions.
func (e *Engine) Evaluate(template string, scope map[string]any) (any, error) {
	p, err := e.getOrParse(template)
	if err != nil {
		return nil, err
	}

	if len(p.nodes) == 1 && p.nodes[0].region != nil {
		return e.evalRegion(p.nodes[0].region, scope), nil
	}

	var b strings.Builder
	for _, n := range p.nodes {
		if n.region == nil {
			b.WriteString(n.text)
			continue
		}
		b.WriteString(RenderString(e.evalRegion(n.region, scope)))
	}
	return b.String(), nil
}

// EvaluateParams resolves every template expression in a parameter map,
// recursing through nested maps and lists. Non-string literals pass
// through untouched.
func (e *Engine) EvaluateParams(params map[string]any, scope map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := e.evaluateValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (e *Engine) evaluateValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return e.Evaluate(val, scope)
	case map[string]any:
		return e.EvaluateParams(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := e.evaluateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ValidateParams walks a parameter map checking every string for
// template syntax errors.
func (e *Engine) ValidateParams(params map[string]any) error {
	for _, v := range params {
		if err := e.validateValue(v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) validateValue(v any) error {
	switch val := v.(type) {
	case string:
		return e.Validate(val)
	case map[string]any:
		return e.ValidateParams(val)
	case []any:
		for _, item := range val {
			if err := e.validateValue(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// evalRegion resolves the head operand and threads it through the filter
// pipeline. Filter runtime errors resolve to nil to keep pipelines total.
func (e *Engine) evalRegion(r *region, scope map[string]any) any {
	var v any
	if r.head.isLit {
		v = r.head.literal
	} else {
		v = ResolvePath(scope, r.head.path)
	}

	for _, fc := range r.filters {
		out, err := fc.fn(v, fc.args)
		if err != nil {
			return nil
		}
		v = out
	}
	return v
}

// getOrParse returns a cached parse or parses and caches a new one.
func (e *Engine) getOrParse(template string) (*parsed, error) {
	e.mu.RLock()
	if p, ok := e.cache[template]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[template]; ok {
		return p, nil
	}

	p, err := e.parse(template)
	if err != nil {
		return nil, err
	}
	e.cache[template] = p
	return p, nil
}

// parse splits the template into text and regions.
func (e *Engine) parse(template string) (*parsed, error) {
	p := &parsed{}
	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], openMarker)
		if idx == -1 {
			p.nodes = append(p.nodes, node{text: template[i:]})
			break
		}
		if idx > 0 {
			p.nodes = append(p.nodes, node{text: template[i : i+idx]})
		}
		start := i + idx + len(openMarker)

		end := strings.Index(template[start:], closeMarker)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
				"unclosed %s region in %q", openMarker, template)
		}
		end += start

		body := strings.TrimSpace(template[start:end])
		if strings.Contains(body, openMarker) {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
				"nested %s not allowed in %q", openMarker, template)
		}
		if body == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
				"empty region in %q", template)
		}

		r, err := e.parseRegion(body)
		if err != nil {
			return nil, err
		}
		p.nodes = append(p.nodes, node{region: r})
		i = end + len(closeMarker)
	}
	if len(p.nodes) == 0 {
		p.nodes = append(p.nodes, node{text: ""})
	}
	return p, nil
}

// parseRegion parses "head | filter | filter(args)".
func (e *Engine) parseRegion(body string) (*region, error) {
	segments, err := splitPipeline(body)
	if err != nil {
		return nil, err
	}

	head, err := parseOperand(segments[0])
	if err != nil {
		return nil, err
	}

	r := &region{head: head}
	for _, seg := range segments[1:] {
		name, args, err := parseFilterCall(seg)
		if err != nil {
			return nil, err
		}
		fn, ok := e.filters[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
				"unknown filter %q in %q", name, body)
		}
		if err := checkFilterArgs(name, args); err != nil {
			return nil, err
		}
		// jq filters compile their program up front so bad expressions
		// fail at load time.
		if name == "jq" {
			if len(args) != 1 || args[0].Kind != ArgString {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
					"jq filter requires one quoted expression argument in %q", body)
			}
			compiled, jqErr := e.jq.compileFilter(args[0].Str)
			if jqErr != nil {
				return nil, jqErr
			}
			fn = compiled
		}
		r.filters = append(r.filters, filterCall{name: name, fn: fn, args: args})
	}
	return r, nil
}
