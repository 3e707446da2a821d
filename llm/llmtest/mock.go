// Package llmtest provides an in-memory Client for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/bmadhq/conductor/llm"
)

// Mock is a scriptable llm.Client. Responses are returned in order; the
// last one repeats once the script is exhausted.
type Mock struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
	usage     llm.Usage
	costPer   float64
}

// NewMock creates a mock that replays the given responses.
func NewMock(responses ...string) *Mock {
	return &Mock{
		responses: responses,
		usage:     llm.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		costPer:   0.00001,
	}
}

// FailWith queues errors returned before any scripted responses.
func (m *Mock) FailWith(errs ...error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// SetUsage overrides the reported token usage.
func (m *Mock) SetUsage(u llm.Usage) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = u
	return m
}

// Invoke replays the scripted errors, then responses.
func (m *Mock) Invoke(ctx context.Context, prompt string, _ *llm.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, prompt)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	if len(m.responses) == 0 {
		return "", nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

// EstimateCost applies a flat per-token price.
func (m *Mock) EstimateCost(usage llm.Usage) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(usage.TotalTokens) * m.costPer
}

// TokenUsage returns the configured usage.
func (m *Mock) TokenUsage() llm.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Calls returns how many times Invoke ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns the prompts seen so far.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
