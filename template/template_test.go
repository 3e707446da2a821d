package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmadhq/conductor/retry"
)

func TestRender_Variables(t *testing.T) {
	vars := map[string]any{
		"test_var": "test_value",
		"nested":   map[string]any{"key": "nested_value"},
		"count":    float64(3),
	}

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"simple", "Variable value is {{test_var}}", "Variable value is test_value"},
		{"dotted", "Nested value is {{nested.key}}", "Nested value is nested_value"},
		{"default used", "Default value is {{missing_var|default}}", "Default value is default"},
		{"default unused", "Value is {{test_var|fallback}}", "Value is test_value"},
		{"number", "Count: {{count}}", "Count: 3"},
		{"no tags", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.content, vars, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_UndefinedVariable(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		_, err := Render("{{undefined_variable}}", map[string]any{}, true)
		require.Error(t, err)
		assert.True(t, retry.HasKind(err, retry.KindVariableUndefined))
	})

	t.Run("lenient", func(t *testing.T) {
		got, err := Render("[{{undefined_variable}}]", map[string]any{}, false)
		require.NoError(t, err)
		assert.Equal(t, "[]", got)
	})
}

func TestRender_If(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]any
		want string
	}{
		{"true branch", map[string]any{"ready": true}, "go"},
		{"false branch", map[string]any{"ready": false}, "wait"},
		{"undefined is false", map[string]any{}, "wait"},
		{"non-empty string is true", map[string]any{"ready": "yes"}, "go"},
		{"empty string is false", map[string]any{"ready": ""}, "wait"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render("{{#if ready}}go{{else}}wait{{/if}}", tt.vars, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_IfWithoutElse(t *testing.T) {
	got, err := Render("a{{#if flag}}b{{/if}}c", map[string]any{"flag": false}, true)
	require.NoError(t, err)
	assert.Equal(t, "ac", got)
}

func TestRender_EachArray(t *testing.T) {
	vars := map[string]any{
		"stories": []any{"1-1", "1-2", "1-3"},
	}
	got, err := Render("{{#each stories}}{{@index}}:{{this}} {{/each}}", vars, true)
	require.NoError(t, err)
	assert.Equal(t, "0:1-1 1:1-2 2:1-3 ", got)
}

func TestRender_EachMetadata(t *testing.T) {
	vars := map[string]any{"items": []any{"a", "b", "c"}}
	got, err := Render(
		"{{#each items}}{{#if @first}}[{{/if}}{{this}}{{#if @last}}]{{else}},{{/if}}{{/each}}",
		vars, true)
	require.NoError(t, err)
	assert.Equal(t, "[a,b,c]", got)
}

func TestRender_EachMap(t *testing.T) {
	vars := map[string]any{
		"statuses": map[string]any{
			"story_1_1": "done",
			"story_1_2": "active",
		},
	}
	got, err := Render("{{#each statuses}}{{@key}}={{this}};{{/each}}", vars, true)
	require.NoError(t, err)
	// Map iteration is key-sorted for determinism.
	assert.Equal(t, "story_1_1=done;story_1_2=active;", got)
}

func TestRender_EachObjectFields(t *testing.T) {
	vars := map[string]any{
		"stories": []any{
			map[string]any{"id": "1-1", "title": "login"},
			map[string]any{"id": "1-2", "title": "signup"},
		},
	}
	got, err := Render("{{#each stories}}{{id}}:{{title}} {{/each}}", vars, true)
	require.NoError(t, err)
	assert.Equal(t, "1-1:login 1-2:signup ", got)
}

func TestRender_EachOverNonCollection(t *testing.T) {
	_, err := Render("{{#each x}}{{this}}{{/each}}", map[string]any{"x": 42}, true)
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindTemplateSyntax))
}

func TestParse_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unclosed if", "{{#if x}}body"},
		{"unclosed each", "{{#each xs}}body"},
		{"stray close", "body{{/if}}"},
		{"stray else", "body{{else}}"},
		{"unterminated tag", "body {{name"},
		{"mismatched close", "{{#if x}}body{{/each}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			require.Error(t, err)
			assert.True(t, retry.HasKind(err, retry.KindTemplateSyntax))
		})
	}
}

func TestRender_NestedBlocks(t *testing.T) {
	vars := map[string]any{
		"show":  true,
		"items": []any{"x", "y"},
	}
	got, err := Render("{{#if show}}{{#each items}}<{{this}}>{{/each}}{{/if}}", vars, true)
	require.NoError(t, err)
	assert.Equal(t, "<x><y>", got)
}
