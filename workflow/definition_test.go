package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmadhq/conductor/retry"
)

func TestParseDefinition(t *testing.T) {
	doc := `
name: prd-workflow
description: Produce a product requirements document
author: conductor
config_source: "{project-root}/config.yaml"
instructions: "{installed_path}/steps.md"
output_folder: "{project-root}/docs"
installed_path: "{project-root}/workflows/prd"
date: 2026-01-15
variables:
  project_name: demo
  level: 2
`

	def, err := ParseDefinition([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "prd-workflow", def.Name)
	assert.Equal(t, "conductor", def.Author)
	assert.Equal(t, "{project-root}/config.yaml", def.ConfigSource)
	assert.Equal(t, "{installed_path}/steps.md", def.Instructions)
	assert.Equal(t, "2026-01-15", def.Date)
	assert.Equal(t, "demo", def.Variables["project_name"])
	assert.Equal(t, 2, def.Variables["level"])
}

func TestParseDefinition_SystemGeneratedDate(t *testing.T) {
	doc := `
name: w
config_source: c.yaml
instructions: s.md
date: system-generated
`
	def, err := ParseDefinition([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), def.Date)
}

func TestParseDefinition_UnknownKeysFoldIntoVariables(t *testing.T) {
	doc := `
name: w
config_source: c.yaml
instructions: s.md
custom_field: custom_value
nested_block:
  inner: 1
variables:
  declared: yes_please
`
	def, err := ParseDefinition([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "custom_value", def.Variables["custom_field"])
	assert.Equal(t, map[string]any{"inner": 1}, def.Variables["nested_block"])
	assert.Equal(t, "yes_please", def.Variables["declared"])
}

func TestParseDefinition_RequiredFields(t *testing.T) {
	base := func(missing string) string {
		fields := map[string]string{
			"name":          "name: w\n",
			"config_source": "config_source: c.yaml\n",
			"instructions":  "instructions: s.md\n",
		}
		delete(fields, missing)
		var doc string
		for _, f := range fields {
			doc += f
		}
		return doc
	}

	for _, missing := range []string{"name", "config_source", "instructions"} {
		t.Run("missing "+missing, func(t *testing.T) {
			_, err := ParseDefinition([]byte(base(missing)))
			require.Error(t, err)
			assert.True(t, retry.HasKind(err, retry.KindWorkflowParse))
		})
	}
}

func TestParseDefinition_InvalidYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("name: [unclosed"))
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindWorkflowParse))
}

func TestLoadDefinition_MissingFile(t *testing.T) {
	_, err := LoadDefinition(fmt.Sprintf("%s/nope.yaml", t.TempDir()))
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindWorkflowParse))
}
