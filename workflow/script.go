package workflow

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TagKind identifies an executable tag inside a step body.
type TagKind string

const (
	TagAction         TagKind = "action"
	TagOutput         TagKind = "output"
	TagAsk            TagKind = "ask"
	TagElicitRequired TagKind = "elicit-required"
	TagTemplateOutput TagKind = "template-output"
	TagCheck          TagKind = "check"
	TagInvokeWorkflow TagKind = "invoke-workflow"
)

// Tag is one executable instruction inside a step.
type Tag struct {
	Kind TagKind
	Body string

	// File is the target of a template-output tag.
	File string
	// Condition guards a check tag.
	Condition string
	// Path names the workflow invoked by an invoke-workflow tag.
	Path string

	// Children are the parsed tags of a check sub-block.
	Children []Tag
}

// Step is one numbered unit of a step script.
type Step struct {
	Number    int
	Goal      string
	Optional  bool
	Condition string
	Content   string
	Tags      []Tag
}

// Attribute values may contain ">" (condition expressions), so the open
// tag patterns only treat ">" as a delimiter outside double quotes.
var (
	stepOpenPattern = regexp.MustCompile(`<step\s+((?:[^">]|"[^"]*")*)>`)
	tagOpenPattern  = regexp.MustCompile(`<(action|output|ask|elicit-required|template-output|check|invoke-workflow)(\s(?:[^">]|"[^"]*")*)?/?>`)
	attrPattern     = regexp.MustCompile(`([\w-]+)\s*=\s*"([^"]*)"`)
)

// ParseScript extracts the ordered step list from a step script. Free
// text outside <step> blocks is ignored. Steps must number contiguously
// from 1.
func ParseScript(content string) ([]Step, error) {
	var steps []Step
	rest := content

	for {
		loc := stepOpenPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		attrs := parseAttrs(rest[loc[2]:loc[3]])
		after := rest[loc[1]:]

		end := strings.Index(after, "</step>")
		if end < 0 {
			return nil, parseError("unclosed <step> block")
		}
		body := after[:end]
		rest = after[end+len("</step>"):]

		nRaw, ok := attrs["n"]
		if !ok {
			return nil, parseError("<step> block missing n attribute")
		}
		n, err := strconv.Atoi(nRaw)
		if err != nil || n < 1 {
			return nil, parseError("invalid step number %q", nRaw)
		}

		tags, err := parseTags(body)
		if err != nil {
			return nil, err
		}

		steps = append(steps, Step{
			Number:    n,
			Goal:      attrs["goal"],
			Optional:  attrs["optional"] == "true",
			Condition: attrs["if"],
			Content:   body,
			Tags:      tags,
		})
	}

	if len(steps) == 0 {
		return nil, parseError("step script contains no <step> blocks")
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })
	for i, s := range steps {
		if s.Number != i+1 {
			return nil, parseError("step numbers must be contiguous from 1, found %d at position %d", s.Number, i+1)
		}
	}
	return steps, nil
}

// parseTags extracts the executable tags of a step body in document
// order. Text between tags is tolerated and ignored.
func parseTags(body string) ([]Tag, error) {
	var tags []Tag
	rest := body

	for {
		loc := tagOpenPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		kind := TagKind(rest[loc[2]:loc[3]])
		var attrText string
		if loc[4] >= 0 {
			attrText = rest[loc[4]:loc[5]]
		}
		attrs := parseAttrs(attrText)
		selfClosed := strings.HasSuffix(strings.TrimSpace(rest[loc[0]:loc[1]]), "/>")

		tag := Tag{
			Kind:      kind,
			File:      attrs["file"],
			Condition: attrs["if"],
			Path:      attrs["path"],
		}
		rest = rest[loc[1]:]

		if !selfClosed {
			closing := "</" + string(kind) + ">"
			end := strings.Index(rest, closing)
			if end < 0 {
				return nil, parseError("unclosed <%s> tag", kind)
			}
			tag.Body = strings.TrimSpace(rest[:end])
			rest = rest[end+len(closing):]
		}

		if kind == TagCheck {
			if tag.Condition == "" {
				return nil, parseError("<check> tag requires an if attribute")
			}
			children, err := parseTags(tag.Body)
			if err != nil {
				return nil, err
			}
			tag.Children = children
		}
		if kind == TagInvokeWorkflow && tag.Path == "" {
			return nil, parseError("<invoke-workflow> tag requires a path attribute")
		}

		tags = append(tags, tag)
	}
	return tags, nil
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}
