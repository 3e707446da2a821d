package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bmadhq/conductor/retry"
)

// configRefPattern matches {config_source}:dotted.key references.
var configRefPattern = regexp.MustCompile(`\{config_source\}:([\w.-]+)`)

// Resolver expands load-time placeholders: {project-root},
// {installed_path}, and {config_source}:key lookups against the external
// configuration document.
type Resolver struct {
	projectRoot   string
	installedPath string
	config        map[string]any
}

// NewResolver builds a resolver over the project root and the parsed
// configuration source document.
func NewResolver(projectRoot, installedPath string, config map[string]any) *Resolver {
	return &Resolver{
		projectRoot:   projectRoot,
		installedPath: installedPath,
		config:        config,
	}
}

// LoadConfigSource reads the external configuration document referenced
// by a definition's config_source.
func LoadConfigSource(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, retry.WrapError(retry.KindWorkflowParse,
			fmt.Errorf("read config source %s: %w", path, err))
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, retry.WrapError(retry.KindWorkflowParse,
			fmt.Errorf("parse config source %s: %w", path, err))
	}
	return doc, nil
}

// ResolveString expands every placeholder in s. An unresolved
// config_source reference is a fatal load error.
func (r *Resolver) ResolveString(s string) (string, error) {
	s = strings.ReplaceAll(s, "{project-root}", r.projectRoot)
	s = strings.ReplaceAll(s, "{installed_path}", r.installedPath)

	var lookupErr error
	s = configRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		key := configRefPattern.FindStringSubmatch(ref)[1]
		val, ok := configLookup(r.config, key)
		if !ok {
			lookupErr = retry.NewError(retry.KindWorkflowParse,
				"unresolved config_source reference %q", key)
			return ref
		}
		return fmt.Sprintf("%v", val)
	})
	if lookupErr != nil {
		return "", lookupErr
	}
	return s, nil
}

// ResolvePath expands placeholders and anchors relative paths at the
// project root.
func (r *Resolver) ResolvePath(s string) (string, error) {
	resolved, err := r.ResolveString(s)
	if err != nil {
		return "", err
	}
	if resolved != "" && !filepath.IsAbs(resolved) {
		resolved = filepath.Join(r.projectRoot, resolved)
	}
	return resolved, nil
}

// ResolveVariables expands placeholders in every string reachable from
// the variables map, in place.
func (r *Resolver) ResolveVariables(vars map[string]any) error {
	for k, v := range vars {
		resolved, err := r.resolveValue(v)
		if err != nil {
			return err
		}
		vars[k] = resolved
	}
	return nil
}

func (r *Resolver) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(val)
	case map[string]any:
		for k, inner := range val {
			resolved, err := r.resolveValue(inner)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, inner := range val {
			resolved, err := r.resolveValue(inner)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return v, nil
	}
}

func configLookup(doc map[string]any, dottedKey string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(dottedKey, ".") {
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
