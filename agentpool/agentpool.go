// Package agentpool manages the lifecycle of LLM-backed agents: bounded
// concurrency with FIFO admission, persona loading, cost accounting, and
// lifecycle events.
package agentpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bmadhq/conductor/llm"
	"github.com/bmadhq/conductor/metrics"
	"github.com/bmadhq/conductor/retry"
)

// Event identifies an agent lifecycle notification.
type Event string

const (
	EventStarted   Event = "agent.started"
	EventInvoked   Event = "agent.invoked"
	EventError     Event = "agent.error"
	EventCompleted Event = "agent.completed"
)

// EventPayload accompanies every event.
type EventPayload struct {
	AgentID   string         `json:"agentId"`
	AgentName string         `json:"agentName"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Listener receives lifecycle events. Listener failures never affect pool
// state.
type Listener func(Event, EventPayload)

// Context is the immutable snapshot handed to an agent at creation.
type Context struct {
	OnboardingDocs  []string       `json:"onboardingDocs,omitempty"`
	StateExcerpt    map[string]any `json:"stateExcerpt,omitempty"`
	TaskDescription string         `json:"taskDescription,omitempty"`
}

// Agent is a snapshot of a running agent. The pool owns the live record;
// callers only ever see copies.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Persona       string    `json:"-"`
	Context       Context   `json:"context"`
	StartTime     time.Time `json:"startTime"`
	EstimatedCost float64   `json:"estimatedCost"`
}

// Filter narrows ActiveAgents results.
type Filter struct {
	Name         string
	StartedAfter time.Time
}

// Config tunes the pool.
type Config struct {
	// ProjectRoot anchors the persona layout bmad/bmm/agents/<name>.md.
	ProjectRoot string

	// MaxConcurrentAgents bounds simultaneously live agents (default 2).
	MaxConcurrentAgents int

	// HealthCheckInterval enables the hung-agent reaper when positive.
	HealthCheckInterval time.Duration

	// MaxAgentExecutionTime is the age past which the reaper destroys an
	// agent as failed.
	MaxAgentExecutionTime time.Duration
}

// entry is the pool-private live agent record.
type entry struct {
	agent  Agent
	client llm.Client

	// invokeMu serialises invocations within one agent. Distinct agents
	// invoke in parallel.
	invokeMu sync.Mutex
}

// Pool is the bounded-concurrency agent lifecycle manager. Admission
// beyond capacity blocks in strict FIFO order until a slot frees.
type Pool struct {
	cfg     Config
	factory llm.Factory
	logger  *slog.Logger
	sem     *semaphore.Weighted

	// closeCtx is cancelled on Shutdown so queued waiters unblock.
	closeCtx  context.Context
	closeFunc context.CancelFunc

	mu          sync.Mutex
	agents      map[string]*entry
	listeners   []Listener
	costMetrics map[string]float64
	closed      bool

	reaperDone chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// NewPool creates an agent pool backed by the given LLM client factory.
func NewPool(cfg Config, factory llm.Factory, opts ...Option) *Pool {
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 2
	}

	closeCtx, closeFunc := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		factory:     factory,
		logger:      slog.Default(),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentAgents)),
		closeCtx:    closeCtx,
		closeFunc:   closeFunc,
		agents:      make(map[string]*entry),
		costMetrics: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.HealthCheckInterval > 0 && cfg.MaxAgentExecutionTime > 0 {
		p.reaperDone = make(chan struct{})
		go p.reap()
	}
	return p
}

// Subscribe registers a lifecycle event listener.
func (p *Pool) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// personaPath is the well-known persona layout under the project root.
func (p *Pool) personaPath(name string) string {
	return filepath.Join(p.cfg.ProjectRoot, "bmad", "bmm", "agents", name+".md")
}

// CreateAgent admits a new agent, blocking FIFO while the pool is at
// capacity. Cancelling ctx while queued releases the queue position.
func (p *Pool) CreateAgent(ctx context.Context, name string, agentCtx Context) (*Agent, error) {
	if p.isClosed() {
		return nil, poolError("pool is shut down")
	}

	// Tie the admission wait to both the caller's context and shutdown.
	admitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	if err := p.sem.Acquire(admitCtx, 1); err != nil {
		if p.closeCtx.Err() != nil {
			return nil, poolError("pool shut down while waiting for an agent slot")
		}
		return nil, err
	}

	persona, err := os.ReadFile(p.personaPath(name))
	if err != nil {
		p.sem.Release(1)
		if os.IsNotExist(err) {
			return nil, poolError("persona file not found for agent %q at %s", name, p.personaPath(name))
		}
		return nil, retry.WrapError(retry.KindAgentPool, fmt.Errorf("load persona for %q: %w", name, err))
	}

	client, err := p.factory(name)
	if err != nil {
		p.sem.Release(1)
		return nil, retry.WrapError(retry.KindAgentPool, fmt.Errorf("create llm client for %q: %w", name, err))
	}

	agent := Agent{
		ID:        fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]),
		Name:      name,
		Persona:   string(persona),
		Context:   agentCtx,
		StartTime: time.Now().UTC(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, poolError("pool is shut down")
	}
	p.agents[agent.ID] = &entry{agent: agent, client: client}
	p.mu.Unlock()

	metrics.ActiveAgents.Inc()
	p.emit(EventStarted, EventPayload{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Timestamp: agent.StartTime,
	})
	p.logger.Info("agent created", "agent_id", agent.ID, "agent_name", name)

	snapshot := agent
	return &snapshot, nil
}

// InvokeAgent sends a prompt through the agent's bound client, accounting
// cost on success. Invocations on one agent serialise; failures emit an
// error event and surface to the caller unretried.
func (p *Pool) InvokeAgent(ctx context.Context, agentID, prompt string) (string, error) {
	p.mu.Lock()
	e, ok := p.agents[agentID]
	p.mu.Unlock()
	if !ok {
		return "", poolError("invoke on unknown agent %q", agentID)
	}

	e.invokeMu.Lock()
	defer e.invokeMu.Unlock()

	start := time.Now()
	response, err := e.client.Invoke(ctx, prompt, nil)
	latency := time.Since(start)

	if err != nil {
		metrics.AgentInvocations.WithLabelValues(e.agent.Name, "error").Inc()
		p.emit(EventError, EventPayload{
			AgentID:   agentID,
			AgentName: e.agent.Name,
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"error": err.Error()},
		})
		return "", err
	}

	usage := e.client.TokenUsage()
	cost := e.client.EstimateCost(usage)

	p.mu.Lock()
	e.agent.EstimatedCost += cost
	p.costMetrics[e.agent.Name] += cost
	p.mu.Unlock()

	metrics.AgentInvocations.WithLabelValues(e.agent.Name, "ok").Inc()
	metrics.AgentCost.WithLabelValues(e.agent.Name).Add(cost)

	p.emit(EventInvoked, EventPayload{
		AgentID:   agentID,
		AgentName: e.agent.Name,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"latency_ms":   latency.Milliseconds(),
			"cost":         cost,
			"total_tokens": usage.TotalTokens,
		},
	})
	return response, nil
}

// DestroyAgent removes an agent, emits its completion event, and frees a
// slot for the next queued waiter.
func (p *Pool) DestroyAgent(agentID string) error {
	return p.destroy(agentID, nil)
}

func (p *Pool) destroy(agentID string, extra map[string]any) error {
	p.mu.Lock()
	e, ok := p.agents[agentID]
	if ok {
		delete(p.agents, agentID)
	}
	p.mu.Unlock()
	if !ok {
		return poolError("destroy on unknown agent %q", agentID)
	}

	p.sem.Release(1)
	metrics.ActiveAgents.Dec()

	data := map[string]any{
		"execution_time_ms": time.Since(e.agent.StartTime).Milliseconds(),
		"total_cost":        e.agent.EstimatedCost,
	}
	for k, v := range extra {
		data[k] = v
	}
	p.emit(EventCompleted, EventPayload{
		AgentID:   agentID,
		AgentName: e.agent.Name,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	p.logger.Info("agent destroyed",
		"agent_id", agentID,
		"total_cost", e.agent.EstimatedCost)
	return nil
}

// ActiveAgents returns snapshots of live agents, optionally filtered.
func (p *Pool) ActiveAgents(filter *Filter) []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Agent
	for _, e := range p.agents {
		if filter != nil {
			if filter.Name != "" && e.agent.Name != filter.Name {
				continue
			}
			if !filter.StartedAfter.IsZero() && !e.agent.StartTime.After(filter.StartedAfter) {
				continue
			}
		}
		out = append(out, e.agent)
	}
	return out
}

// CostMetrics returns accumulated estimated cost per agent name.
func (p *Pool) CostMetrics() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]float64, len(p.costMetrics))
	for name, cost := range p.costMetrics {
		out[name] = cost
	}
	return out
}

// Shutdown destroys every active agent, rejects queued waiters with a
// cancellation error, and stops the reaper.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	p.closeFunc()
	for _, id := range ids {
		_ = p.destroy(id, map[string]any{"reason": "pool shutdown"})
	}
	if p.reaperDone != nil {
		<-p.reaperDone
	}
	p.logger.Info("agent pool shut down")
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// reap periodically destroys agents that exceeded the execution budget.
func (p *Pool) reap() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCtx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-p.cfg.MaxAgentExecutionTime)
		p.mu.Lock()
		var stale []string
		for id, e := range p.agents {
			if e.agent.StartTime.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		p.mu.Unlock()

		for _, id := range stale {
			p.logger.Warn("reaping hung agent", "agent_id", id)
			_ = p.destroy(id, map[string]any{
				"status": "failed",
				"reason": "max execution time exceeded",
			})
		}
	}
}

// emit delivers an event to every listener, isolating listener panics.
func (p *Pool) emit(event Event, payload EventPayload) {
	p.mu.Lock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Warn("event listener panicked", "event", event, "panic", r)
				}
			}()
			l(event, payload)
		}()
	}
}

func poolError(format string, args ...any) error {
	return retry.NewError(retry.KindAgentPool, format, args...)
}
