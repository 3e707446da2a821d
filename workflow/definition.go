// Package workflow executes declarative workflow definitions: a YAML
// document naming a step script, an external configuration source, and a
// variable scope, driven step by step with durable checkpoints.
package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bmadhq/conductor/retry"
)

// Definition is a parsed workflow document.
type Definition struct {
	Name          string
	Description   string
	Author        string
	ConfigSource  string
	Instructions  string
	OutputFolder  string
	InstalledPath string
	Date          string

	// Variables carries the declared variables map plus any top-level
	// keys the parser does not recognise.
	Variables map[string]any
}

// definitionKeys are the recognised top-level document keys. Everything
// else folds into Variables.
var definitionKeys = map[string]bool{
	"name":           true,
	"description":    true,
	"author":         true,
	"config_source":  true,
	"instructions":   true,
	"output_folder":  true,
	"installed_path": true,
	"date":           true,
	"variables":      true,
}

// ParseDefinition parses a workflow document. The literal date value
// "system-generated" is replaced with the current UTC date.
func ParseDefinition(data []byte) (*Definition, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, retry.WrapError(retry.KindWorkflowParse,
			fmt.Errorf("parse workflow definition: %w", err))
	}

	def := &Definition{Variables: make(map[string]any)}
	def.Name = stringKey(doc, "name")
	def.Description = stringKey(doc, "description")
	def.Author = stringKey(doc, "author")
	def.ConfigSource = stringKey(doc, "config_source")
	def.Instructions = stringKey(doc, "instructions")
	def.OutputFolder = stringKey(doc, "output_folder")
	def.InstalledPath = stringKey(doc, "installed_path")
	def.Date = stringKey(doc, "date")

	if declared, ok := doc["variables"].(map[string]any); ok {
		for k, v := range declared {
			def.Variables[k] = v
		}
	}
	for k, v := range doc {
		if !definitionKeys[k] {
			def.Variables[k] = v
		}
	}

	if def.Name == "" {
		return nil, parseError("workflow definition requires a name")
	}
	if def.Instructions == "" {
		return nil, parseError("workflow %s requires an instructions path", def.Name)
	}
	if def.ConfigSource == "" {
		return nil, parseError("workflow %s requires a config_source path", def.Name)
	}

	if def.Date == "system-generated" {
		def.Date = time.Now().UTC().Format("2006-01-02")
	}
	return def, nil
}

// LoadDefinition reads and parses a workflow document from disk.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, retry.WrapError(retry.KindWorkflowParse,
			fmt.Errorf("read workflow definition %s: %w", path, err))
	}
	return ParseDefinition(data)
}

func stringKey(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func parseError(format string, args ...any) error {
	return retry.NewError(retry.KindWorkflowParse, format, args...)
}
