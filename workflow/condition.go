package workflow

import (
	"strconv"
	"strings"
)

// Condition expressions are literal-level only: comparisons between
// variable references and literals, combined with AND, OR, and NOT.
// Unknown identifiers evaluate to undefined; any comparison against
// undefined is false, except `x is false`, which holds for undefined.

// condValue is a resolved operand. kind distinguishes undefined from a
// present value.
type condValue struct {
	kind condKind
	b    bool
	n    float64
	s    string
}

type condKind int

const (
	condUndefined condKind = iota
	condBool
	condNumber
	condString
)

// EvaluateCondition evaluates expr against the variable scope. An empty
// expression is true.
func EvaluateCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	tokens, err := tokenizeCondition(expr)
	if err != nil {
		return false, err
	}
	p := &condParser{tokens: tokens, vars: vars}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, parseError("unexpected token %q in condition %q", p.tokens[p.pos], expr)
	}
	return result, nil
}

func tokenizeCondition(expr string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(expr) && expr[j] != quote {
				j++
			}
			if j >= len(expr) {
				return nil, parseError("unterminated string literal in condition %q", expr)
			}
			// Keep the quotes so the parser can tell literals from identifiers.
			tokens = append(tokens, `"`+expr[i+1:j]+`"`)
			i = j + 1
		case strings.HasPrefix(expr[i:], "=="), strings.HasPrefix(expr[i:], "!="),
			strings.HasPrefix(expr[i:], "<="), strings.HasPrefix(expr[i:], ">="):
			tokens = append(tokens, expr[i:i+2])
			i += 2
		case c == '<' || c == '>':
			tokens = append(tokens, string(c))
			i++
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" \t\n()<>=!\"'", rune(expr[j])) {
				j++
			}
			if j == i {
				return nil, parseError("unexpected character %q in condition %q", c, expr)
			}
			tokens = append(tokens, expr[i:j])
			i = j
		}
	}
	return tokens, nil
}

type condParser struct {
	tokens []string
	pos    int
	vars   map[string]any
}

func (p *condParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.peek() == "OR" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.peek() == "AND" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *condParser) parseNot() (bool, error) {
	if p.peek() == "NOT" {
		p.next()
		v, err := p.parseNot()
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true, "is": true,
}

func (p *condParser) parseComparison() (bool, error) {
	if p.peek() == "(" {
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.next() != ")" {
			return false, parseError("missing closing parenthesis in condition")
		}
		return v, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return false, err
	}

	op := p.peek()
	if !comparisonOps[op] {
		// A bare operand: truthiness, undefined is false.
		return condTruthy(left), nil
	}
	p.next()

	right, err := p.parseOperand()
	if err != nil {
		return false, err
	}
	return compare(left, op, right)
}

func (p *condParser) parseOperand() (condValue, error) {
	tok := p.next()
	switch {
	case tok == "":
		return condValue{}, parseError("condition ended unexpectedly")
	case tok == "true":
		return condValue{kind: condBool, b: true}, nil
	case tok == "false":
		return condValue{kind: condBool, b: false}, nil
	case strings.HasPrefix(tok, `"`):
		return condValue{kind: condString, s: strings.Trim(tok, `"`)}, nil
	default:
		if n, err := strconv.ParseFloat(tok, 64); err == nil {
			return condValue{kind: condNumber, n: n}, nil
		}
		return lookupCondVar(p.vars, tok), nil
	}
}

func lookupCondVar(vars map[string]any, path string) condValue {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return condValue{}
		}
		current, ok = m[part]
		if !ok {
			return condValue{}
		}
	}
	switch v := current.(type) {
	case bool:
		return condValue{kind: condBool, b: v}
	case int:
		return condValue{kind: condNumber, n: float64(v)}
	case float64:
		return condValue{kind: condNumber, n: v}
	case string:
		return condValue{kind: condString, s: v}
	default:
		return condValue{kind: condString, s: ""}
	}
}

func compare(left condValue, op string, right condValue) (bool, error) {
	if op == "is" {
		if right.kind != condBool {
			return false, parseError("the is operator requires a true or false literal")
		}
		// `undefined is false` holds; every other test against undefined fails.
		if left.kind == condUndefined {
			return !right.b, nil
		}
		return condTruthy(left) == right.b, nil
	}

	if left.kind == condUndefined || right.kind == condUndefined {
		return false, nil
	}

	switch op {
	case "==":
		return condEqual(left, right), nil
	case "!=":
		return !condEqual(left, right), nil
	}

	// Ordering: numeric when both sides are numbers, lexicographic when
	// both are strings, false otherwise.
	switch {
	case left.kind == condNumber && right.kind == condNumber:
		return orderNumber(left.n, op, right.n), nil
	case left.kind == condString && right.kind == condString:
		return orderString(left.s, op, right.s), nil
	default:
		return false, nil
	}
}

func condEqual(a, b condValue) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case condBool:
		return a.b == b.b
	case condNumber:
		return a.n == b.n
	case condString:
		return a.s == b.s
	default:
		return false
	}
}

func orderNumber(a float64, op string, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func orderString(a, op, b string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func condTruthy(v condValue) bool {
	switch v.kind {
	case condBool:
		return v.b
	case condNumber:
		return v.n != 0
	case condString:
		return v.s != "" && v.s != "false"
	default:
		return false
	}
}
