package template

import (
	"strconv"
	"strings"

	"github.com/ossian/flint/pkg/schema"
)

// ArgKind tags the parsed type of a filter argument.
type ArgKind int

const (
	ArgString ArgKind = iota
	ArgNumber
	ArgBool
	ArgPair // key=value, used by select
)

// Arg is one parsed filter argument.
type Arg struct {
	Kind ArgKind
	Str  string
	Num  float64
	Bool bool

	// Pair fields, set when Kind == ArgPair.
	Key string
	Val string
}

// splitPipeline splits a region body on top-level pipes, respecting
// quoted strings and parentheses so `jq(".a | .b")` stays intact.
func splitPipeline(body string) ([]string, error) {
	var segments []string
	var depth int
	var quote byte
	start := 0

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || body[i-1] != '\\') {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "unbalanced parentheses in %q", body)
			}
		case c == '|' && depth == 0:
			segments = append(segments, strings.TrimSpace(body[start:i]))
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "unterminated string in %q", body)
	}
	if depth != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "unbalanced parentheses in %q", body)
	}
	segments = append(segments, strings.TrimSpace(body[start:]))

	for _, s := range segments {
		if s == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "empty pipeline segment in %q", body)
		}
	}
	return segments, nil
}

// parseOperand parses the region head: a quoted string, a number, a
// boolean/null literal, or a context path.
func parseOperand(s string) (operand, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return operand{}, schema.NewError(schema.ErrCodeTemplateSyntax, "empty operand")
	}

	if s[0] == '"' || s[0] == '\'' {
		lit, err := unquote(s)
		if err != nil {
			return operand{}, err
		}
		return operand{isLit: true, literal: lit}, nil
	}

	switch s {
	case "true":
		return operand{isLit: true, literal: true}, nil
	case "false":
		return operand{isLit: true, literal: false}, nil
	case "null", "nil":
		return operand{isLit: true, literal: nil}, nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return operand{isLit: true, literal: n}, nil
	}

	if err := validatePath(s); err != nil {
		return operand{}, err
	}
	return operand{path: s}, nil
}

// parseFilterCall parses "name" or "name(arg, arg, ...)".
func parseFilterCall(seg string) (string, []Arg, error) {
	open := strings.IndexByte(seg, '(')
	if open == -1 {
		name := strings.TrimSpace(seg)
		if !isIdent(name) {
			return "", nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "invalid filter name %q", seg)
		}
		return name, nil, nil
	}

	name := strings.TrimSpace(seg[:open])
	if !isIdent(name) {
		return "", nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "invalid filter name %q", seg[:open])
	}
	if !strings.HasSuffix(seg, ")") {
		return "", nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "missing closing parenthesis in %q", seg)
	}

	rawArgs, err := splitArgs(seg[open+1 : len(seg)-1])
	if err != nil {
		return "", nil, err
	}

	args := make([]Arg, 0, len(rawArgs))
	for _, raw := range rawArgs {
		arg, err := parseArg(raw)
		if err != nil {
			return "", nil, err
		}
		args = append(args, arg)
	}
	return name, args, nil
}

// splitArgs splits a filter argument list on top-level commas.
func splitArgs(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var out []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && s[i-1] != '\\' {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ',':
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "unterminated string in arguments %q", s)
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out, nil
}

// parseArg parses a single filter argument: quoted string, number,
// boolean, or a key=value pair.
func parseArg(raw string) (Arg, error) {
	if raw == "" {
		return Arg{}, schema.NewError(schema.ErrCodeTemplateSyntax, "empty filter argument")
	}

	if raw[0] == '"' || raw[0] == '\'' {
		s, err := unquote(raw)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgString, Str: s}, nil
	}

	if eq := indexTopLevel(raw, '='); eq > 0 {
		key := strings.TrimSpace(raw[:eq])
		if !isIdent(key) {
			return Arg{}, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "invalid attribute name %q", key)
		}
		valRaw := strings.TrimSpace(raw[eq+1:])
		val := valRaw
		if valRaw != "" && (valRaw[0] == '"' || valRaw[0] == '\'') {
			unq, err := unquote(valRaw)
			if err != nil {
				return Arg{}, err
			}
			val = unq
		}
		return Arg{Kind: ArgPair, Key: key, Val: val}, nil
	}

	switch raw {
	case "true":
		return Arg{Kind: ArgBool, Bool: true}, nil
	case "false":
		return Arg{Kind: ArgBool, Bool: false}, nil
	}

	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return Arg{Kind: ArgNumber, Num: n}, nil
	}

	// Bare words are accepted as strings (select(tier=enterprise) style).
	return Arg{Kind: ArgString, Str: raw}, nil
}

// indexTopLevel finds the first occurrence of c outside quotes, -1 if none.
func indexTopLevel(s string, c byte) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		switch {
		case quote != 0:
			if s[i] == quote && s[i-1] != '\\' {
				quote = 0
			}
		case s[i] == '"' || s[i] == '\'':
			quote = s[i]
		case s[i] == c:
			return i
		}
	}
	return -1
}

// unquote strips matching quotes and processes backslash escapes.
func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != s[len(s)-1] || (s[0] != '"' && s[0] != '\'') {
		return "", schema.NewErrorf(schema.ErrCodeTemplateSyntax, "malformed string literal %q", s)
	}
	inner := s[1 : len(s)-1]
	if !strings.ContainsRune(inner, '\\') {
		return inner, nil
	}
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
			switch inner[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(inner[i])
			}
			continue
		}
		b.WriteByte(inner[i])
	}
	return b.String(), nil
}

// isIdent reports whether s is a plain identifier (letters, digits,
// underscores, hyphens; not starting with a digit or hyphen).
func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9', c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
