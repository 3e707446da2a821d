// Package template renders the placeholder dialect used in step content
// and document templates: {{name}}, {{name|default}}, {{#if path}} blocks
// with {{else}}, and {{#each items}} loops with @index, @first, @last,
// @key, and this.
package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmadhq/conductor/retry"
)

type node interface{}

// textNode is literal content between tags.
type textNode struct {
	text string
}

// varNode is a {{path}} or {{path|default}} substitution.
type varNode struct {
	path       string
	defaultVal string
	hasDefault bool
}

// ifNode is a {{#if path}}…{{else}}…{{/if}} block. Truthiness of the
// resolved value selects the branch.
type ifNode struct {
	path     string
	thenBody []node
	elseBody []node
}

// eachNode is a {{#each path}}…{{/each}} loop over an array or map.
type eachNode struct {
	path string
	body []node
}

// Parse compiles template content into an AST.
func Parse(content string) ([]node, error) {
	p := &parser{content: content}
	return p.parseUntil("")
}

type parser struct {
	content   string
	pos       int
	stoppedAt string
}

// parseUntil consumes nodes until the named closing tag ("/if", "/each")
// or end of input when terminator is empty.
func (p *parser) parseUntil(terminator string) ([]node, error) {
	var nodes []node

	for p.pos < len(p.content) {
		open := strings.Index(p.content[p.pos:], "{{")
		if open < 0 {
			nodes = append(nodes, textNode{text: p.content[p.pos:]})
			p.pos = len(p.content)
			break
		}
		if open > 0 {
			nodes = append(nodes, textNode{text: p.content[p.pos : p.pos+open]})
			p.pos += open
		}

		end := strings.Index(p.content[p.pos:], "}}")
		if end < 0 {
			return nil, syntaxError("unterminated tag at offset %d", p.pos)
		}
		tag := strings.TrimSpace(p.content[p.pos+2 : p.pos+end])
		p.pos += end + 2

		switch {
		case strings.HasPrefix(tag, "#if "):
			child, err := p.parseIf(strings.TrimSpace(tag[len("#if "):]))
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, child)

		case strings.HasPrefix(tag, "#each "):
			body, err := p.parseUntil("/each")
			if err != nil {
				return nil, err
			}
			if p.stoppedAt != "/each" {
				return nil, syntaxError("unclosed {{#each}} block")
			}
			p.stoppedAt = ""
			nodes = append(nodes, eachNode{path: strings.TrimSpace(tag[len("#each "):]), body: body})

		case tag == "/if" || tag == "/each" || tag == "else":
			if tag != terminator && !(terminator == "/if" && tag == "else") {
				if terminator == "" {
					return nil, syntaxError("unexpected {{%s}} without a matching opening block", tag)
				}
				return nil, syntaxError("unexpected {{%s}}, expected {{%s}}", tag, terminator)
			}
			p.stoppedAt = tag
			return nodes, nil

		default:
			nodes = append(nodes, parseVar(tag))
		}
	}

	if terminator != "" {
		return nil, syntaxError("unclosed block, expected {{%s}}", terminator)
	}
	p.stoppedAt = ""
	return nodes, nil
}

func (p *parser) parseIf(path string) (node, error) {
	thenBody, err := p.parseUntil("/if")
	if err != nil {
		return nil, err
	}

	n := ifNode{path: path, thenBody: thenBody}
	if p.stoppedAt == "else" {
		elseBody, err := p.parseUntil("/if")
		if err != nil {
			return nil, err
		}
		if p.stoppedAt != "/if" {
			return nil, syntaxError("unclosed {{#if}} block after {{else}}")
		}
		n.elseBody = elseBody
	} else if p.stoppedAt != "/if" {
		return nil, syntaxError("unclosed {{#if}} block")
	}
	p.stoppedAt = ""
	return n, nil
}

func parseVar(tag string) varNode {
	if idx := strings.Index(tag, "|"); idx >= 0 {
		return varNode{
			path:       strings.TrimSpace(tag[:idx]),
			defaultVal: strings.TrimSpace(tag[idx+1:]),
			hasDefault: true,
		}
	}
	return varNode{path: tag}
}

func syntaxError(format string, args ...any) error {
	return retry.NewError(retry.KindTemplateSyntax, format, args...)
}

// scope is a resolution frame. Loops push frames carrying the item and
// its @metadata over the parent scope.
type scope struct {
	vars   map[string]any
	parent *scope
}

func (s *scope) lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	for frame := s; frame != nil; frame = frame.parent {
		if v, ok := resolvePath(frame.vars, parts); ok {
			return v, true
		}
	}
	return nil, false
}

func resolvePath(vars map[string]any, parts []string) (any, bool) {
	var current any = vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Render parses and evaluates content against vars. In strict mode an
// undefined variable without a default is a VariableUndefinedError;
// otherwise it renders as an empty string.
func Render(content string, vars map[string]any, strict bool) (string, error) {
	nodes, err := Parse(content)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	root := &scope{vars: vars}
	if err := eval(&b, nodes, root, strict); err != nil {
		return "", err
	}
	return b.String(), nil
}

func eval(b *strings.Builder, nodes []node, sc *scope, strict bool) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			b.WriteString(v.text)

		case varNode:
			val, ok := sc.lookup(v.path)
			switch {
			case ok:
				b.WriteString(stringify(val))
			case v.hasDefault:
				b.WriteString(v.defaultVal)
			case strict:
				return retry.NewError(retry.KindVariableUndefined, "undefined variable %q", v.path)
			}

		case ifNode:
			val, _ := sc.lookup(v.path)
			if truthy(val) {
				if err := eval(b, v.thenBody, sc, strict); err != nil {
					return err
				}
			} else if err := eval(b, v.elseBody, sc, strict); err != nil {
				return err
			}

		case eachNode:
			val, ok := sc.lookup(v.path)
			if !ok {
				if strict {
					return retry.NewError(retry.KindVariableUndefined, "undefined variable %q", v.path)
				}
				continue
			}
			if err := evalEach(b, v, val, sc, strict); err != nil {
				return err
			}
		}
	}
	return nil
}

func evalEach(b *strings.Builder, n eachNode, val any, parent *scope, strict bool) error {
	emit := func(item any, index int, length int, key string) error {
		frame := map[string]any{
			"this":   item,
			"@index": index,
			"@first": index == 0,
			"@last":  index == length-1,
		}
		if key != "" {
			frame["@key"] = key
		}
		if asMap, ok := item.(map[string]any); ok {
			for k, v := range asMap {
				frame[k] = v
			}
		}
		return eval(b, n.body, &scope{vars: frame, parent: parent}, strict)
	}

	switch items := val.(type) {
	case []any:
		for i, item := range items {
			if err := emit(item, i, len(items), ""); err != nil {
				return err
			}
		}
	case []string:
		for i, item := range items {
			if err := emit(item, i, len(items), ""); err != nil {
				return err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if err := emit(items[k], i, len(keys), k); err != nil {
				return err
			}
		}
	default:
		return syntaxError("{{#each %s}} requires an array or map, got %T", n.path, val)
	}
	return nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case int:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		// Avoid "3.000000" for round numbers carried through YAML/JSON.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
