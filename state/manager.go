package state

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bmadhq/conductor/fsutil"
	"github.com/bmadhq/conductor/retry"
)

const (
	stateFileName  = "sprint-status.yaml"
	reportFileName = "workflow-status.md"
)

// Manager owns durable workflow state. Saves are atomic (tmp + rename) and
// write the YAML and markdown files back-to-back so both stay consistent.
// Loads go through an in-memory cache keyed by project id.
//
// The cache is not invalidated by external file modification; callers that
// edit state files out-of-band must call ClearCache.
type Manager struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*WorkflowState
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a state manager rooted at baseDir. Project state lives
// under <baseDir>/bmad/<projectId>/.
func NewManager(baseDir string, opts ...Option) *Manager {
	m := &Manager{
		baseDir: baseDir,
		logger:  slog.Default(),
		cache:   make(map[string]*WorkflowState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProjectDir returns the state directory for a project.
func (m *Manager) ProjectDir(projectID string) string {
	return filepath.Join(m.baseDir, "bmad", projectID)
}

// SaveState validates and persists the state, then updates the cache.
func (m *Manager) SaveState(s *WorkflowState) error {
	if err := s.Validate(); err != nil {
		return err
	}

	s.LastUpdate = time.Now().UTC()

	data, err := yaml.Marshal(s)
	if err != nil {
		return retry.WrapError(retry.KindStateManager, fmt.Errorf("marshal state for %s: %w", s.Project.ID, err))
	}

	dir := m.ProjectDir(s.Project.ID)
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, stateFileName), data, 0o644); err != nil {
		return retry.WrapError(retry.KindFileWrite, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, reportFileName), []byte(renderReport(s)), 0o644); err != nil {
		return retry.WrapError(retry.KindFileWrite, err)
	}

	m.mu.Lock()
	m.cache[s.Project.ID] = s.Clone()
	m.mu.Unlock()

	m.logger.Debug("state saved",
		"project_id", s.Project.ID,
		"status", s.Status,
		"current_step", s.CurrentStep)
	return nil
}

// LoadState returns the state for a project, or nil when no state exists.
// Corrupted YAML also yields nil (with a logged error) so a damaged file
// never wedges the orchestrator.
func (m *Manager) LoadState(projectID string) (*WorkflowState, error) {
	m.mu.Lock()
	if cached, ok := m.cache[projectID]; ok {
		m.mu.Unlock()
		return cached.Clone(), nil
	}
	m.mu.Unlock()

	path := filepath.Join(m.ProjectDir(projectID), stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, retry.WrapError(retry.KindStateManager, fmt.Errorf("read state for %s: %w", projectID, err))
	}

	var s WorkflowState
	if err := yaml.Unmarshal(data, &s); err != nil {
		m.logger.Error("corrupted state file, treating as missing",
			"project_id", projectID,
			"path", path,
			"error", err)
		return nil, nil
	}

	m.mu.Lock()
	m.cache[projectID] = s.Clone()
	m.mu.Unlock()

	return &s, nil
}

// ClearCache drops every cached entry; subsequent loads re-read from disk.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]*WorkflowState)
}

// phasePatterns maps currentWorkflow substrings to methodology phases,
// checked in order.
var phasePatterns = []struct {
	substr string
	phase  string
}{
	{"product-brief", "Analysis"},
	{"prd", "Planning"},
	{"architecture", "Solutioning"},
	{"dev-story", "Implementation"},
}

// ProjectPhase classifies the project's methodology phase from its current
// workflow path.
func (m *Manager) ProjectPhase(projectID string) (string, error) {
	s, err := m.LoadState(projectID)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "Unknown", nil
	}
	for _, p := range phasePatterns {
		if strings.Contains(s.CurrentWorkflow, p.substr) {
			return p.phase, nil
		}
	}
	return "Unknown", nil
}

// StoryStatus returns the tracked status variable for a story, augmented
// with the story id. Returns nil when the project or variable is missing.
func (m *Manager) StoryStatus(projectID, storyID string) (map[string]any, error) {
	s, err := m.LoadState(projectID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	key := "story_" + strings.ReplaceAll(storyID, ".", "_")
	value, ok := s.Variables[key]
	if !ok {
		return nil, nil
	}

	out := map[string]any{"storyId": storyID}
	if asMap, ok := value.(map[string]any); ok {
		for k, v := range asMap {
			out[k] = v
		}
	} else {
		out["status"] = value
	}
	return out, nil
}

// renderReport produces the human-readable workflow-status.md companion.
func renderReport(s *WorkflowState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Workflow Status: %s\n\n", s.Project.Name)
	fmt.Fprintf(&b, "- **Project ID:** %s\n", s.Project.ID)
	if s.Project.Level != "" {
		fmt.Fprintf(&b, "- **Level:** %s\n", s.Project.Level)
	}
	fmt.Fprintf(&b, "- **Status:** %s\n", s.Status)
	fmt.Fprintf(&b, "- **Current Workflow:** %s\n", s.CurrentWorkflow)
	fmt.Fprintf(&b, "- **Current Step:** %d\n", s.CurrentStep)
	fmt.Fprintf(&b, "- **Started:** %s\n", s.StartTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Last Update:** %s\n", s.LastUpdate.UTC().Format(time.RFC3339))

	if len(s.AgentActivity) > 0 {
		b.WriteString("\n## Agent Activity\n\n")
		for _, a := range s.AgentActivity {
			fmt.Fprintf(&b, "- %s — %s: %s (%s, %dms)\n",
				a.Timestamp.UTC().Format(time.RFC3339), a.AgentName, a.Action, a.Status, a.DurationMS)
		}
	}

	if len(s.Variables) > 0 {
		b.WriteString("\n## Variables\n\n")
		keys := make([]string, 0, len(s.Variables))
		for k := range s.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s`: %v\n", k, s.Variables[k])
		}
	}

	return b.String()
}
