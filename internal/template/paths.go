package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ossian/flint/pkg/schema"
)

// ResolvePath walks a dotted path through nested maps and lists, with
// bracket syntax for numeric indices and keys containing dots:
// steps.query.results[0].value, alert["tags.env"]. Any missing or
// mistyped segment resolves the whole path to nil.
func ResolvePath(scope map[string]any, path string) any {
	segments, err := splitPath(path)
	if err != nil {
		return nil
	}

	var cur any = scope
	for _, seg := range segments {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil
			}
			cur = c[idx]
		default:
			return nil
		}
	}
	return cur
}

// validatePath checks path syntax without resolving anything, so bad
// bracket forms surface at load time.
func validatePath(path string) error {
	_, err := splitPath(path)
	return err
}

// splitPath breaks a path into segments. Dots separate segments outside
// brackets; [n] and ["key"] are their own segments.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "empty path")
	}

	var segments []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '.':
			if cur.Len() == 0 && (len(segments) == 0 || path[i-1] == '.') {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "empty segment in path %q", path)
			}
			flush()
		case '[':
			flush()
			close := strings.IndexByte(path[i:], ']')
			if close == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "unterminated bracket in path %q", path)
			}
			inner := path[i+1 : i+close]
			if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') {
				key, err := unquote(inner)
				if err != nil {
					return nil, err
				}
				segments = append(segments, key)
			} else if _, err := strconv.Atoi(inner); err == nil {
				segments = append(segments, inner)
			} else {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "invalid index %q in path %q", inner, path)
			}
			i += close
		case ']':
			return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "unexpected ] in path %q", path)
		default:
			cur.WriteByte(path[i])
		}
	}
	flush()

	if len(segments) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "empty path %q", path)
	}
	return segments, nil
}

// RenderString converts a resolved value to its string form. Nil renders
// empty, maps and lists render as compact JSON, numbers drop the
// trailing .0 that float64 decoding introduces.
func RenderString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// asNumber attempts a numeric reading of a value: native numbers pass
// through, numeric strings parse.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// truthy reports the boolean reading of a bare condition operand: nil,
// false, zero, empty string/collection are false, everything else true.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		return s != "" && s != "false" && s != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
