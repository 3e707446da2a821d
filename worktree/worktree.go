// Package worktree manages per-story git worktrees: isolated filesystem
// copies of the project tree, each on its own branch, tracked in a
// durable registry.
package worktree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmadhq/conductor/fsutil"
	"github.com/bmadhq/conductor/retry"
)

// storyIDPattern is the accepted story id format: epic-story digits.
var storyIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// Status tracks a worktree through its lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusPRCreated Status = "pr-created"
)

// Worktree is one tracked story worktree.
type Worktree struct {
	StoryID    string    `json:"storyId"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"baseBranch"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Manager creates and destroys story worktrees under
// <projectRoot>/wt/story-<X-Y> with branches story/<X-Y>, persisting the
// registry to <projectRoot>/.bmad/worktrees.json.
type Manager struct {
	projectRoot string
	baseBranch  string
	logger      *slog.Logger

	mu       sync.Mutex
	registry map[string]*Worktree
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBaseBranch overrides the default base branch ("main").
func WithBaseBranch(branch string) Option {
	return func(m *Manager) { m.baseBranch = branch }
}

// NewManager creates a worktree manager rooted at a git repository.
// Call Initialize before any other operation.
func NewManager(projectRoot string, opts ...Option) *Manager {
	m := &Manager{
		projectRoot: projectRoot,
		baseBranch:  "main",
		logger:      slog.Default(),
		registry:    make(map[string]*Worktree),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) worktreeDir() string {
	return filepath.Join(m.projectRoot, "wt")
}

func (m *Manager) registryPath() string {
	return filepath.Join(m.projectRoot, ".bmad", "worktrees.json")
}

func (m *Manager) storyPath(storyID string) string {
	return filepath.Join(m.worktreeDir(), "story-"+storyID)
}

func branchFor(storyID string) string {
	return "story/" + storyID
}

// Initialize verifies the project root is a git repository, loads the
// persisted registry, and reconciles it against the worktrees git
// actually knows about.
func (m *Manager) Initialize(ctx context.Context) error {
	if _, err := m.git(ctx, m.projectRoot, "rev-parse", "--git-dir"); err != nil {
		return retry.NewError(retry.KindWorktree, "%s is not a git repository", m.projectRoot)
	}
	if err := fsutil.EnsureDir(m.worktreeDir()); err != nil {
		return retry.WrapError(retry.KindWorktree, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.loadRegistry()
	if err := m.syncWithGit(ctx); err != nil {
		return err
	}
	return m.persist()
}

// registryDoc is the on-disk registry shape.
type registryDoc struct {
	Worktrees []Worktree `json:"worktrees"`
	LastSync  time.Time  `json:"lastSync"`
}

// loadRegistry reads the persistence file. Missing or corrupt files
// start an empty registry.
func (m *Manager) loadRegistry() {
	m.registry = make(map[string]*Worktree)

	data, err := os.ReadFile(m.registryPath())
	if err != nil {
		return
	}
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		m.logger.Warn("corrupt worktree registry, starting empty",
			"path", m.registryPath(), "error", err)
		return
	}
	for i := range doc.Worktrees {
		wt := doc.Worktrees[i]
		m.registry[wt.StoryID] = &wt
	}
}

// syncWithGit drops registry entries whose directory vanished and
// adopts unmanaged worktrees living under wt/story-*.
func (m *Manager) syncWithGit(ctx context.Context) error {
	out, err := m.git(ctx, m.projectRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return retry.WrapError(retry.KindWorktree, fmt.Errorf("list worktrees: %w", err))
	}

	actual := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			actual[filepath.Clean(rest)] = true
		}
	}

	for storyID, wt := range m.registry {
		if _, err := os.Stat(wt.Path); os.IsNotExist(err) {
			m.logger.Warn("dropping stale worktree registry entry",
				"story_id", storyID, "path", wt.Path)
			delete(m.registry, storyID)
		}
	}

	prefix := m.worktreeDir() + string(filepath.Separator) + "story-"
	for path := range actual {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		storyID := strings.TrimPrefix(path, prefix)
		if !storyIDPattern.MatchString(storyID) {
			continue
		}
		if _, tracked := m.registry[storyID]; tracked {
			continue
		}
		m.logger.Info("adopting unmanaged worktree", "story_id", storyID, "path", path)
		m.registry[storyID] = &Worktree{
			StoryID:    storyID,
			Path:       path,
			Branch:     branchFor(storyID),
			BaseBranch: m.baseBranch,
			Status:     StatusActive,
			CreatedAt:  time.Now().UTC(),
		}
	}
	return nil
}

// Create adds a worktree for the story on a fresh branch cut from
// baseBranch (the manager default when empty). Distinct stories may be
// created concurrently.
func (m *Manager) Create(ctx context.Context, storyID, baseBranch string) (*Worktree, error) {
	if !storyIDPattern.MatchString(storyID) {
		return nil, retry.NewError(retry.KindWorktree,
			"invalid story id %q, expected <epic>-<story> digits", storyID)
	}
	if baseBranch == "" {
		baseBranch = m.baseBranch
	}

	wt := &Worktree{
		StoryID:    storyID,
		Path:       m.storyPath(storyID),
		Branch:     branchFor(storyID),
		BaseBranch: baseBranch,
		Status:     StatusActive,
		CreatedAt:  time.Now().UTC(),
	}

	// Reserve the slot before shelling out so concurrent creates for the
	// same story collide here, not in git.
	m.mu.Lock()
	if _, exists := m.registry[storyID]; exists {
		m.mu.Unlock()
		return nil, retry.NewError(retry.KindWorktreeExists,
			"worktree for story %s already exists", storyID)
	}
	m.registry[storyID] = wt
	m.mu.Unlock()

	_, err := m.git(ctx, m.projectRoot,
		"worktree", "add", "-b", wt.Branch, wt.Path, baseBranch)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.registry, storyID)
		return nil, retry.WrapError(retry.KindWorktree,
			fmt.Errorf("create worktree for story %s: %w", storyID, err))
	}
	if err := m.persist(); err != nil {
		return nil, err
	}

	m.logger.Info("worktree created",
		"story_id", storyID, "path", wt.Path, "branch", wt.Branch)
	snapshot := *wt
	return &snapshot, nil
}

// Get returns a snapshot of a tracked worktree.
func (m *Manager) Get(storyID string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wt, ok := m.registry[storyID]
	if !ok {
		return nil, notFound(storyID)
	}
	snapshot := *wt
	return &snapshot, nil
}

// PushBranch pushes the story branch to origin and marks the worktree
// pr-created.
func (m *Manager) PushBranch(ctx context.Context, storyID string) error {
	m.mu.Lock()
	wt, ok := m.registry[storyID]
	if !ok {
		m.mu.Unlock()
		return notFound(storyID)
	}
	path, branch := wt.Path, wt.Branch
	m.mu.Unlock()

	if _, err := m.git(ctx, path, "push", "-u", "origin", branch); err != nil {
		return retry.WrapError(retry.KindWorktree,
			fmt.Errorf("push branch %s: %w", branch, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if wt, ok := m.registry[storyID]; ok {
		wt.Status = StatusPRCreated
		if err := m.persist(); err != nil {
			return err
		}
	}
	m.logger.Info("branch pushed", "story_id", storyID, "branch", branch)
	return nil
}

// Destroy removes the worktree and its branch. Filesystem removal that
// already happened externally is tolerated; the registry entry is
// dropped either way.
func (m *Manager) Destroy(ctx context.Context, storyID string) error {
	m.mu.Lock()
	wt, ok := m.registry[storyID]
	if !ok {
		m.mu.Unlock()
		return notFound(storyID)
	}
	path, branch := wt.Path, wt.Branch
	m.mu.Unlock()

	if _, err := m.git(ctx, m.projectRoot, "worktree", "remove", "--force", path); err != nil {
		m.logger.Warn("git worktree remove failed, continuing",
			"story_id", storyID, "path", path, "error", err)
		// Clear any leftover metadata so the branch delete can proceed.
		_, _ = m.git(ctx, m.projectRoot, "worktree", "prune")
	}
	if _, err := m.git(ctx, m.projectRoot, "branch", "-D", branch); err != nil {
		m.logger.Warn("branch delete failed, continuing",
			"story_id", storyID, "branch", branch, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, storyID)
	if err := m.persist(); err != nil {
		return err
	}
	m.logger.Info("worktree destroyed", "story_id", storyID)
	return nil
}

// ListActive returns worktrees with status active or pr-created, oldest
// first.
func (m *Manager) ListActive() []Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Worktree
	for _, wt := range m.registry {
		if wt.Status == StatusActive || wt.Status == StatusPRCreated {
			out = append(out, *wt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// persist writes the registry atomically. Callers hold m.mu.
func (m *Manager) persist() error {
	if err := fsutil.EnsureDir(filepath.Dir(m.registryPath())); err != nil {
		return retry.WrapError(retry.KindFileWrite, err)
	}

	doc := registryDoc{Worktrees: make([]Worktree, 0, len(m.registry)), LastSync: time.Now().UTC()}
	for _, wt := range m.registry {
		doc.Worktrees = append(doc.Worktrees, *wt)
	}
	sort.Slice(doc.Worktrees, func(i, j int) bool {
		return doc.Worktrees[i].StoryID < doc.Worktrees[j].StoryID
	})
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return retry.WrapError(retry.KindFileWrite, err)
	}
	if err := fsutil.WriteFileAtomic(m.registryPath(), data, 0o644); err != nil {
		return retry.WrapError(retry.KindFileWrite, err)
	}
	return nil
}

// git runs a git command in dir, returning stdout.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func notFound(storyID string) error {
	return retry.NewError(retry.KindWorktreeNotFound,
		"no worktree tracked for story %s", storyID)
}
