package llm

import (
	"regexp"
	"strings"
)

// LLM replies wrap JSON in markdown fences and sprinkle trailing commas
// often enough that decision parsing needs a tolerant extractor.
var (
	// fencedObjectPattern matches a JSON object inside ```json fences.
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// bareObjectPattern matches any JSON object (greedy fallback).
	bareObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of an LLM reply, stripping markdown
// fences and trailing commas. Returns "" when no object is present.
func ExtractJSON(content string) string {
	var raw string
	if matches := fencedObjectPattern.FindStringSubmatch(content); len(matches) > 1 {
		raw = matches[1]
	} else {
		raw = bareObjectPattern.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(trailingCommaPattern.ReplaceAllString(raw, "$1"))
}
