package cohort

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultCondition marks the catch-all branch of a categorisation rule set.
const DefaultCondition = "DEFAULT"

// Env resolves identifiers to values while evaluating a condition.
type Env func(name string) Value

// Condition is a parsed categorisation predicate such as
// "most_recent_smoking_code = 'E' OR (most_recent_smoking_code = 'N' AND ever_smoked)".
type Condition struct {
	src  string
	root node
}

// ParseCondition parses a condition expression.
func ParseCondition(src string) (*Condition, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return &Condition{src: src, root: root}, nil
}

// Source returns the text the condition was parsed from.
func (c *Condition) Source() string { return c.src }

// Matches reports whether the condition evaluates to true. Unknown (null)
// results do not match.
func (c *Condition) Matches(env Env) bool {
	v, known := c.root.eval(env).truth()
	return known && v
}

// Eval returns the raw value of the expression.
func (c *Condition) Eval(env Env) Value { return c.root.eval(env) }

// Identifiers lists the distinct variable names referenced, sorted.
func (c *Condition) Identifiers() []string {
	seen := make(map[string]struct{})
	c.root.idents(seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokKind
	text string
	pos  int
}

// Identifiers are ASCII only, matching variable names.
func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r := rune(src[i])
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '\'':
			start := i
			i++
			var b strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			toks = append(toks, token{tokString, b.String(), start})
		case r >= '0' && r <= '9' || r == '.':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case isIdentStart(src[i]):
			start := i
			for i < len(src) && (isIdentStart(src[i]) || src[i] >= '0' && src[i] <= '9') {
				i++
			}
			word := src[start:i]
			switch strings.ToUpper(word) {
			case "AND":
				toks = append(toks, token{tokAnd, word, start})
			case "OR":
				toks = append(toks, token{tokOr, word, start})
			case "NOT":
				toks = append(toks, token{tokNot, word, start})
			default:
				toks = append(toks, token{tokIdent, word, start})
			}
		default:
			start := i
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "<=", ">=", "!=", "<>", "==":
				toks = append(toks, token{tokOp, two, start})
				i += 2
				continue
			}
			switch r {
			case '=', '<', '>', '+', '-', '*', '/':
				toks = append(toks, token{tokOp, string(r), start})
				i++
			default:
				c, _ := utf8.DecodeRuneInString(src[i:])
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, start)
			}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp {
		switch t.text {
		case "=", "==", "!=", "<>", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			return cmpNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "+" || t.text == "-"); t = p.peek() {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = arithNode{op: t.text[0], left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "*" || t.text == "/"); t = p.peek() {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = arithNode{op: t.text[0], left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return arithNode{op: '-', left: literalNode{Number(0)}, right: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", t.text, t.pos)
		}
		return literalNode{Number(n)}, nil
	case tokString:
		return literalNode{String(t.text)}, nil
	case tokIdent:
		return identNode(t.text), nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ) for ( at offset %d", t.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

type node interface {
	eval(env Env) Value
	idents(into map[string]struct{})
}

type literalNode struct{ v Value }

func (n literalNode) eval(Env) Value { return n.v }
func (n literalNode) idents(map[string]struct{}) {}

type identNode string

func (n identNode) eval(env Env) Value { return env(string(n)) }
func (n identNode) idents(into map[string]struct{}) { into[string(n)] = struct{}{} }

type notNode struct{ operand node }

func (n notNode) eval(env Env) Value {
	v, known := n.operand.eval(env).truth()
	if !known {
		return Null()
	}
	return Bool(!v)
}

func (n notNode) idents(into map[string]struct{}) { n.operand.idents(into) }

type andNode struct{ left, right node }

func (n andNode) eval(env Env) Value {
	l, lk := n.left.eval(env).truth()
	if lk && !l {
		return Bool(false)
	}
	r, rk := n.right.eval(env).truth()
	if rk && !r {
		return Bool(false)
	}
	if !lk || !rk {
		return Null()
	}
	return Bool(true)
}

func (n andNode) idents(into map[string]struct{}) {
	n.left.idents(into)
	n.right.idents(into)
}

type orNode struct{ left, right node }

func (n orNode) eval(env Env) Value {
	l, lk := n.left.eval(env).truth()
	if lk && l {
		return Bool(true)
	}
	r, rk := n.right.eval(env).truth()
	if rk && r {
		return Bool(true)
	}
	if !lk || !rk {
		return Null()
	}
	return Bool(false)
}

func (n orNode) idents(into map[string]struct{}) {
	n.left.idents(into)
	n.right.idents(into)
}

type cmpNode struct {
	op          string
	left, right node
}

func (n cmpNode) eval(env Env) Value {
	c, ok := compare(n.left.eval(env), n.right.eval(env))
	if !ok {
		return Null()
	}
	switch n.op {
	case "=", "==":
		return Bool(c == 0)
	case "!=", "<>":
		return Bool(c != 0)
	case "<":
		return Bool(c < 0)
	case "<=":
		return Bool(c <= 0)
	case ">":
		return Bool(c > 0)
	default:
		return Bool(c >= 0)
	}
}

func (n cmpNode) idents(into map[string]struct{}) {
	n.left.idents(into)
	n.right.idents(into)
}

type arithNode struct {
	op          byte
	left, right node
}

func (n arithNode) eval(env Env) Value {
	l, lok := numeric(n.left.eval(env))
	r, rok := numeric(n.right.eval(env))
	if !lok || !rok {
		return Null()
	}
	switch n.op {
	case '+':
		return Number(l + r)
	case '-':
		return Number(l - r)
	case '*':
		return Number(l * r)
	default:
		if r == 0 {
			return Null()
		}
		return Number(l / r)
	}
}

func (n arithNode) idents(into map[string]struct{}) {
	n.left.idents(into)
	n.right.idents(into)
}

func numeric(v Value) (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return n, err == nil
	}
	return 0, false
}
