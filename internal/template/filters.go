package template

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ossian/flint/pkg/schema"
)

// Filter transforms a pipeline value. Filters must tolerate nil input
// and return an error only for argument problems; runtime anomalies are
// absorbed by the caller as nil.
type Filter func(v any, args []Arg) (any, error)

func registerBuiltins(e *Engine) {
	builtins := map[string]Filter{
		"select":      filterSelect,
		"first":       filterFirst,
		"last":        filterLast,
		"count":       filterCount,
		"join":        filterJoin,
		"split":       filterSplit,
		"lower":       filterLower,
		"upper":       filterUpper,
		"trim":        filterTrim,
		"truncate":    filterTruncate,
		"sort":        filterSort,
		"reverse":     filterReverse,
		"slice":       filterSlice,
		"keys":        filterKeys,
		"json":        filterJSON,
		"default":     filterDefault,
		"date_format": filterDateFormat,

		// Placeholder; region parsing swaps in a compiled program.
		"jq": func(v any, _ []Arg) (any, error) { return v, nil },
	}
	for name, f := range builtins {
		if err := e.RegisterFilter(name, f); err != nil {
			panic(err)
		}
	}
}

// checkFilterArgs validates builtin argument shapes at parse time, so
// malformed pipelines are rejected when the document loads rather than
// degrading silently mid-run. Filters registered by callers are not
// checked here; their runtime errors resolve to nil like any other
// evaluation anomaly.
func checkFilterArgs(name string, args []Arg) error {
	bad := func(msg string) error {
		return schema.NewErrorf(schema.ErrCodeTemplateSyntax, "%s filter: %s", name, msg)
	}
	switch name {
	case "select":
		if len(args) != 1 || args[0].Kind != ArgPair {
			return bad("requires one attr=value argument")
		}
	case "join":
		if len(args) > 1 || (len(args) == 1 && args[0].Kind != ArgString) {
			return bad("takes at most one string separator")
		}
	case "split":
		if len(args) != 1 || args[0].Kind != ArgString {
			return bad("requires one string separator")
		}
	case "truncate":
		if len(args) != 1 || args[0].Kind != ArgNumber || args[0].Num < 0 {
			return bad("requires one non-negative length")
		}
	case "slice":
		if len(args) != 2 || args[0].Kind != ArgNumber || args[1].Kind != ArgNumber {
			return bad("requires two numeric bounds")
		}
	case "default":
		if len(args) != 1 {
			return bad("requires one argument")
		}
	case "date_format":
		if len(args) != 1 || args[0].Kind != ArgString {
			return bad("requires one layout string")
		}
	case "first", "last", "count", "lower", "upper", "trim", "sort", "reverse", "keys", "json":
		if len(args) != 0 {
			return bad("takes no arguments")
		}
	}
	return nil
}

// asList gives filters a uniform list view: lists pass through, nil is
// empty, anything else is a single-element list.
func asList(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	default:
		return []any{val}
	}
}

func filterSelect(v any, args []Arg) (any, error) {
	if len(args) != 1 || args[0].Kind != ArgPair {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "select requires one attr=value argument")
	}
	key, want := args[0].Key, args[0].Val

	var out []any
	for _, item := range asList(v) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if got, ok := m[key]; ok && RenderString(got) == want {
			out = append(out, item)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func filterFirst(v any, _ []Arg) (any, error) {
	list := asList(v)
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func filterLast(v any, _ []Arg) (any, error) {
	list := asList(v)
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

func filterCount(v any, _ []Arg) (any, error) {
	switch val := v.(type) {
	case nil:
		return float64(0), nil
	case []any:
		return float64(len(val)), nil
	case map[string]any:
		return float64(len(val)), nil
	case string:
		return float64(len(val)), nil
	default:
		return float64(1), nil
	}
}

func filterJoin(v any, args []Arg) (any, error) {
	sep := ","
	if len(args) > 0 {
		if args[0].Kind != ArgString {
			return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "join separator must be a string")
		}
		sep = args[0].Str
	}
	list := asList(v)
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = RenderString(item)
	}
	return strings.Join(parts, sep), nil
}

func filterSplit(v any, args []Arg) (any, error) {
	if len(args) != 1 || args[0].Kind != ArgString {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "split requires one string separator")
	}
	s := RenderString(v)
	if s == "" {
		return []any{}, nil
	}
	parts := strings.Split(s, args[0].Str)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func filterLower(v any, _ []Arg) (any, error) {
	return strings.ToLower(RenderString(v)), nil
}

func filterUpper(v any, _ []Arg) (any, error) {
	return strings.ToUpper(RenderString(v)), nil
}

func filterTrim(v any, _ []Arg) (any, error) {
	return strings.TrimSpace(RenderString(v)), nil
}

func filterTruncate(v any, args []Arg) (any, error) {
	if len(args) != 1 || args[0].Kind != ArgNumber {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "truncate requires one numeric length")
	}
	n := int(args[0].Num)
	if n < 0 {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "truncate length must be non-negative")
	}
	s := RenderString(v)
	if len(s) <= n {
		return s, nil
	}
	return s[:n], nil
}

func filterSort(v any, _ []Arg) (any, error) {
	list := asList(v)
	out := make([]any, len(list))
	copy(out, list)

	allNumeric := len(out) > 0
	for _, item := range out {
		if _, ok := asNumber(item); !ok {
			allNumeric = false
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if allNumeric {
			a, _ := asNumber(out[i])
			b, _ := asNumber(out[j])
			return a < b
		}
		return RenderString(out[i]) < RenderString(out[j])
	})
	return out, nil
}

func filterReverse(v any, _ []Arg) (any, error) {
	list := asList(v)
	out := make([]any, len(list))
	for i, item := range list {
		out[len(list)-1-i] = item
	}
	return out, nil
}

func filterSlice(v any, args []Arg) (any, error) {
	if len(args) != 2 || args[0].Kind != ArgNumber || args[1].Kind != ArgNumber {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "slice requires two numeric bounds")
	}
	list := asList(v)
	i, j := int(args[0].Num), int(args[1].Num)
	if i < 0 {
		i = 0
	}
	if j > len(list) {
		j = len(list)
	}
	if i >= j {
		return []any{}, nil
	}
	out := make([]any, j-i)
	copy(out, list[i:j])
	return out, nil
}

func filterKeys(v any, _ []Arg) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return []any{}, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func filterJSON(v any, _ []Arg) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil
	}
	return string(b), nil
}

func filterDefault(v any, args []Arg) (any, error) {
	if len(args) != 1 {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "default requires one argument")
	}
	if v != nil && RenderString(v) != "" {
		return v, nil
	}
	switch args[0].Kind {
	case ArgNumber:
		return args[0].Num, nil
	case ArgBool:
		return args[0].Bool, nil
	default:
		return args[0].Str, nil
	}
}

func filterDateFormat(v any, args []Arg) (any, error) {
	if len(args) != 1 || args[0].Kind != ArgString {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "date_format requires one layout string")
	}
	layout := args[0].Str

	var t time.Time
	switch val := v.(type) {
	case nil:
		return "", nil
	case time.Time:
		t = val
	case string:
		parsed, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return "", nil
		}
		t = parsed
	case float64:
		t = time.Unix(int64(val), 0).UTC()
	default:
		return "", nil
	}
	return t.Format(layout), nil
}
