package template

import (
	"strconv"
	"strings"

	"github.com/ossian/flint/pkg/schema"
)

// Condition grammar, lowest to highest precedence:
//
//	or      := and ("or" and)*
//	and     := unary ("and" unary)*
//	unary   := "not" unary | compare
//	compare := term (("==" | "!=" | ">" | ">=" | "<" | "<=") term)?
//	term    := "(" or ")" | literal | "{{ ... }}" | path
//
// A bare term without a comparator reads as its truthiness. Comparisons
// are numeric when both sides read as numbers, otherwise the rendered
// string forms are compared. A condition prefixed with "expr:" bypasses
// this grammar and evaluates as an expr-lang expression instead.
const exprPrefix = "expr:"

// ValidateCondition checks condition syntax without evaluating. The
// empty condition is valid and always true.
func (e *Engine) ValidateCondition(cond string) error {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(cond, exprPrefix); ok {
		return e.expr.compileCheck(strings.TrimSpace(rest))
	}
	_, err := e.getOrParseCond(cond)
	return err
}

// AssertBoolean evaluates a condition against the scope. Missing paths
// and runtime anomalies read as false; only syntax errors are returned,
// and validation catches those before any run starts.
func (e *Engine) AssertBoolean(cond string, scope map[string]any) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	if rest, ok := strings.CutPrefix(cond, exprPrefix); ok {
		return e.expr.evaluate(strings.TrimSpace(rest), scope)
	}

	n, err := e.getOrParseCond(cond)
	if err != nil {
		return false, err
	}
	return n.eval(e, scope), nil
}

func (e *Engine) getOrParseCond(cond string) (condNode, error) {
	e.condMu.RLock()
	if n, ok := e.condCache[cond]; ok {
		e.condMu.RUnlock()
		return n, nil
	}
	e.condMu.RUnlock()

	e.condMu.Lock()
	defer e.condMu.Unlock()

	if n, ok := e.condCache[cond]; ok {
		return n, nil
	}

	toks, err := tokenizeCond(cond)
	if err != nil {
		return nil, err
	}
	p := &condParser{engine: e, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
			"unexpected %q in condition %q", p.toks[p.pos].text, cond)
	}
	e.condCache[cond] = n
	return n, nil
}

// condNode is one node of a parsed condition tree.
type condNode interface {
	eval(e *Engine, scope map[string]any) bool
}

type orNode struct{ terms []condNode }

func (n *orNode) eval(e *Engine, scope map[string]any) bool {
	for _, t := range n.terms {
		if t.eval(e, scope) {
			return true
		}
	}
	return false
}

type andNode struct{ terms []condNode }

func (n *andNode) eval(e *Engine, scope map[string]any) bool {
	for _, t := range n.terms {
		if !t.eval(e, scope) {
			return false
		}
	}
	return true
}

type notNode struct{ inner condNode }

func (n *notNode) eval(e *Engine, scope map[string]any) bool {
	return !n.inner.eval(e, scope)
}

type compareNode struct {
	op    string
	left  condTerm
	right condTerm
}

func (n *compareNode) eval(e *Engine, scope map[string]any) bool {
	l := n.left.value(e, scope)
	r := n.right.value(e, scope)

	ln, lok := asNumber(l)
	rn, rok := asNumber(r)
	if lok && rok {
		switch n.op {
		case "==":
			return ln == rn
		case "!=":
			return ln != rn
		case ">":
			return ln > rn
		case ">=":
			return ln >= rn
		case "<":
			return ln < rn
		case "<=":
			return ln <= rn
		}
		return false
	}

	ls, rs := RenderString(l), RenderString(r)
	switch n.op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	}
	return false
}

type truthNode struct{ term condTerm }

func (n *truthNode) eval(e *Engine, scope map[string]any) bool {
	return truthy(n.term.value(e, scope))
}

// condTerm is a comparison operand: a literal, a path, or a parsed
// template region.
type condTerm struct {
	lit    any
	isLit  bool
	path   string
	region *region
}

func (t condTerm) value(e *Engine, scope map[string]any) any {
	switch {
	case t.isLit:
		return t.lit
	case t.region != nil:
		return e.evalRegion(t.region, scope)
	default:
		return ResolvePath(scope, t.path)
	}
}

// Tokenizer.

type condTokKind int

const (
	tokLParen condTokKind = iota
	tokRParen
	tokOp     // == != > >= < <=
	tokAnd
	tokOr
	tokNot
	tokString // quoted literal
	tokNumber
	tokBool
	tokNull
	tokRegion // {{ ... }} body, markers stripped
	tokPath
)

type condTok struct {
	kind condTokKind
	text string
	num  float64
	b    bool
}

func tokenizeCond(s string) ([]condTok, error) {
	var toks []condTok
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, condTok{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, condTok{kind: tokRParen, text: ")"})
			i++
		case strings.HasPrefix(s[i:], openMarker):
			end := strings.Index(s[i:], closeMarker)
			if end == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
					"unclosed %s in condition %q", openMarker, s)
			}
			body := strings.TrimSpace(s[i+len(openMarker) : i+end])
			if body == "" {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
					"empty region in condition %q", s)
			}
			toks = append(toks, condTok{kind: tokRegion, text: body})
			i += end + len(closeMarker)
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(s) && (s[j] != c || s[j-1] == '\\') {
				j++
			}
			if j == len(s) {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
					"unterminated string in condition %q", s)
			}
			lit, err := unquote(s[i : j+1])
			if err != nil {
				return nil, err
			}
			toks = append(toks, condTok{kind: tokString, text: lit})
			i = j + 1
		case strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], ">="), strings.HasPrefix(s[i:], "<="):
			toks = append(toks, condTok{kind: tokOp, text: s[i : i+2]})
			i += 2
		case c == '>' || c == '<':
			toks = append(toks, condTok{kind: tokOp, text: string(c)})
			i++
		case c == '=' || c == '!':
			return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
				"invalid operator at %q in condition %q", s[i:], s)
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n()<>=!", rune(s[j])) &&
				!strings.HasPrefix(s[j:], openMarker) {
				j++
			}
			word := s[i:j]
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, condTok{kind: tokAnd, text: word})
			case "or":
				toks = append(toks, condTok{kind: tokOr, text: word})
			case "not":
				toks = append(toks, condTok{kind: tokNot, text: word})
			case "true":
				toks = append(toks, condTok{kind: tokBool, text: word, b: true})
			case "false":
				toks = append(toks, condTok{kind: tokBool, text: word, b: false})
			case "null", "nil":
				toks = append(toks, condTok{kind: tokNull, text: word})
			default:
				if n, err := strconv.ParseFloat(word, 64); err == nil {
					toks = append(toks, condTok{kind: tokNumber, text: word, num: n})
				} else {
					if err := validatePath(word); err != nil {
						return nil, err
					}
					toks = append(toks, condTok{kind: tokPath, text: word})
				}
			}
			i = j
		}
	}
	if len(toks) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateSyntax, "empty condition")
	}
	return toks, nil
}

// Parser.

type condParser struct {
	engine *Engine
	toks   []condTok
	pos    int
}

func (p *condParser) peek() (condTok, bool) {
	if p.pos >= len(p.toks) {
		return condTok{}, false
	}
	return p.toks[p.pos], true
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []condNode{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &orNode{terms: terms}, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []condNode{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			break
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &andNode{terms: terms}, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	if t, ok := p.peek(); ok && t.kind == tokNot {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseCompare()
}

func (p *condParser) parseCompare() (condNode, error) {
	if t, ok := p.peek(); ok && t.kind == tokLParen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		t, ok := p.peek()
		if !ok || t.kind != tokRParen {
			return nil, schema.NewError(schema.ErrCodeTemplateSyntax, "missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}

	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return &truthNode{term: left}, nil
	}
	p.pos++

	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: t.text, left: left, right: right}, nil
}

func (p *condParser) parseTerm() (condTerm, error) {
	t, ok := p.peek()
	if !ok {
		return condTerm{}, schema.NewError(schema.ErrCodeTemplateSyntax, "expected operand")
	}
	p.pos++
	switch t.kind {
	case tokString:
		return condTerm{isLit: true, lit: t.text}, nil
	case tokNumber:
		return condTerm{isLit: true, lit: t.num}, nil
	case tokBool:
		return condTerm{isLit: true, lit: t.b}, nil
	case tokNull:
		return condTerm{isLit: true, lit: nil}, nil
	case tokPath:
		return condTerm{path: t.text}, nil
	case tokRegion:
		r, err := p.engine.parseRegion(t.text)
		if err != nil {
			return condTerm{}, err
		}
		return condTerm{region: r}, nil
	default:
		return condTerm{}, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
			"unexpected %q in condition", t.text)
	}
}
