// Package escalation provides the durable human-in-the-loop queue. Each
// unresolved question is one JSON file on disk; humans answer through
// Respond and the paused workflow resumes.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/bmadhq/conductor/fsutil"
	"github.com/bmadhq/conductor/metrics"
)

// idPrefix is the stable prefix for escalation ids.
const idPrefix = "esc-"

// pollInterval is the fallback cadence for AwaitResolution when the
// filesystem watcher misses an event.
const pollInterval = time.Second

// Status of an escalation record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Escalation is a question whose autonomous answer lacked confidence,
// awaiting a human response.
type Escalation struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	Step           int            `json:"step"`
	Question       string         `json:"question"`
	Reasoning      string         `json:"reasoning"`
	Confidence     float64        `json:"confidence"`
	Context        map[string]any `json:"context,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	Response       string         `json:"response,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	ResolutionTime int64          `json:"resolutionTime,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	Status     Status
	WorkflowID string
}

// Metrics aggregates queue statistics.
type Metrics struct {
	Total             int            `json:"total"`
	Resolved          int            `json:"resolved"`
	AvgResolutionTime float64        `json:"avgResolutionTime"`
	CategoryBreakdown map[string]int `json:"categoryBreakdown"`
}

// Queue is the file-backed escalation store. Writes are atomic; the
// directory is created lazily on first Add.
type Queue struct {
	dir    string
	logger *slog.Logger
	notify io.Writer
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithNotifyWriter redirects the human-readable Add notification
// (default: stdout).
func WithNotifyWriter(w io.Writer) Option {
	return func(q *Queue) { q.notify = w }
}

// NewQueue creates an escalation queue over the given directory.
func NewQueue(dir string, opts ...Option) *Queue {
	q := &Queue{
		dir:    dir,
		logger: slog.Default(),
		notify: os.Stdout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Dir returns the queue's backing directory.
func (q *Queue) Dir() string { return q.dir }

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}

// Add assigns an id, marks the record pending, persists it atomically, and
// prints a single console notification. Returns the new id.
func (q *Queue) Add(e *Escalation) (string, error) {
	e.ID = idPrefix + uuid.New().String()
	e.Status = StatusPending
	e.CreatedAt = time.Now().UTC()

	if err := q.write(e); err != nil {
		return "", err
	}

	fmt.Fprintf(q.notify,
		"\n🚨 ESCALATION %s\n   workflow:   %s\n   question:   %s\n   confidence: %.2f\n   respond:    conductor escalation respond %s <answer>\n",
		e.ID, e.WorkflowID, e.Question, e.Confidence, e.ID)

	metrics.EscalationsPending.Inc()
	q.logger.Info("escalation created",
		"id", e.ID,
		"workflow_id", e.WorkflowID,
		"confidence", e.Confidence)
	return e.ID, nil
}

// Get reads one escalation. A missing file is an error.
func (q *Queue) Get(id string) (*Escalation, error) {
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		return nil, fmt.Errorf("read escalation %s: %w", id, err)
	}
	var e Escalation
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse escalation %s: %w", id, err)
	}
	return &e, nil
}

// List enumerates escalations, optionally filtered by status or workflow.
// No ordering is guaranteed.
func (q *Queue) List(filter *Filter) ([]*Escalation, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list escalations: %w", err)
	}

	var out []*Escalation
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, idPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		e, err := q.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			q.logger.Warn("skipping unreadable escalation", "file", name, "error", err)
			continue
		}
		if filter != nil {
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
			if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Respond resolves a pending escalation with the human's answer and
// returns the updated record. Responding to a non-pending escalation is
// rejected.
func (q *Queue) Respond(id, text string) (*Escalation, error) {
	e, err := q.Get(id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, fmt.Errorf("escalation %s is not pending (status %q)", id, e.Status)
	}

	now := time.Now().UTC()
	e.Response = text
	e.Status = StatusResolved
	e.ResolvedAt = &now
	e.ResolutionTime = now.Sub(e.CreatedAt).Milliseconds()
	if e.ResolutionTime < 0 {
		e.ResolutionTime = 0
	}

	if err := q.write(e); err != nil {
		return nil, err
	}

	metrics.EscalationsPending.Dec()
	q.logger.Info("escalation resolved",
		"id", id,
		"resolution_time_ms", e.ResolutionTime)
	return e, nil
}

// GetMetrics aggregates counts and resolution timing across the queue.
func (q *Queue) GetMetrics() (*Metrics, error) {
	all, err := q.List(nil)
	if err != nil {
		return nil, err
	}

	m := &Metrics{CategoryBreakdown: make(map[string]int)}
	var totalResolution int64
	for _, e := range all {
		m.Total++
		m.CategoryBreakdown[e.WorkflowID]++
		if e.Status == StatusResolved {
			m.Resolved++
			totalResolution += e.ResolutionTime
		}
	}
	if m.Resolved > 0 {
		m.AvgResolutionTime = float64(totalResolution) / float64(m.Resolved)
	}
	return m, nil
}

// AwaitResolution blocks until the escalation is resolved, the context is
// cancelled, or the record disappears. Resolution is observed through a
// filesystem watcher with a one-second polling fallback.
func (q *Queue) AwaitResolution(ctx context.Context, id string) (*Escalation, error) {
	// The record may already be resolved.
	if e, err := q.Get(id); err != nil {
		return nil, err
	} else if e.Status == StatusResolved {
		return e, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(q.dir); werr != nil {
			q.logger.Debug("escalation watch unavailable, polling only", "error", werr)
			watcher = nil
		}
	} else {
		q.logger.Debug("fsnotify unavailable, polling only", "error", err)
		watcher = nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	target := q.path(id)
	for {
		var events <-chan fsnotify.Event
		var watchErrs <-chan error
		if watcher != nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-events:
			if ev.Name != target {
				continue
			}
		case werr := <-watchErrs:
			q.logger.Debug("escalation watch error", "error", werr)
			continue
		case <-ticker.C:
		}

		e, err := q.Get(id)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusResolved {
			return e, nil
		}
	}
}

func (q *Queue) write(e *Escalation) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal escalation %s: %w", e.ID, err)
	}
	if err := fsutil.WriteFileAtomic(q.path(e.ID), data, 0o644); err != nil {
		return fmt.Errorf("persist escalation %s: %w", e.ID, err)
	}
	return nil
}
