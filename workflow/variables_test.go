package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmadhq/conductor/retry"
)

func testResolver() *Resolver {
	return NewResolver("/proj", "/proj/workflows/prd", map[string]any{
		"project_name": "demo",
		"output": map[string]any{
			"dir":   "docs",
			"level": 2,
		},
	})
}

func TestResolveString(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"project root", "{project-root}/config.yaml", "/proj/config.yaml"},
		{"installed path", "{installed_path}/steps.md", "/proj/workflows/prd/steps.md"},
		{"config scalar", "{config_source}:project_name", "demo"},
		{"config dotted", "{config_source}:output.dir", "docs"},
		{"config number", "level {config_source}:output.level", "level 2"},
		{"mixed", "{project-root}/{config_source}:output.dir", "/proj/docs"},
		{"no placeholders", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveString(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveString_MissingConfigKey(t *testing.T) {
	r := testResolver()
	_, err := r.ResolveString("{config_source}:missing.key")
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindWorkflowParse))
	assert.Contains(t, err.Error(), "missing.key")
}

func TestResolvePath_AnchorsRelative(t *testing.T) {
	r := testResolver()

	got, err := r.ResolvePath("docs/prd.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/proj", "docs", "prd.md"), got)

	got, err = r.ResolvePath("{project-root}/x")
	require.NoError(t, err)
	assert.Equal(t, "/proj/x", got)
}

func TestResolveVariables(t *testing.T) {
	r := testResolver()
	vars := map[string]any{
		"path":  "{project-root}/data",
		"title": "PRD for {config_source}:project_name",
		"nested": map[string]any{
			"inner": "{installed_path}/t.md",
		},
		"list":  []any{"{project-root}/a", "{project-root}/b"},
		"count": 3,
	}

	require.NoError(t, r.ResolveVariables(vars))

	assert.Equal(t, "/proj/data", vars["path"])
	assert.Equal(t, "PRD for demo", vars["title"])
	assert.Equal(t, "/proj/workflows/prd/t.md", vars["nested"].(map[string]any)["inner"])
	assert.Equal(t, []any{"/proj/a", "/proj/b"}, vars["list"])
	assert.Equal(t, 3, vars["count"])
}

func TestLoadConfigSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a:\n  b: value\n"), 0o644))

	doc, err := LoadConfigSource(path)
	require.NoError(t, err)
	v, ok := configLookup(doc, "a.b")
	require.True(t, ok)
	assert.Equal(t, "value", v)

	_, err = LoadConfigSource(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindWorkflowParse))
}
