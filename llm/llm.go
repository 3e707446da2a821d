// Package llm defines the client contract the orchestrator requires from an
// LLM provider, plus an OpenAI-compatible HTTP implementation. Provider,
// model, and auth details stay opaque to the core.
package llm

import "context"

// Usage reports token consumption for the most recent invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Options tune a single invocation. Zero values defer to client defaults.
type Options struct {
	// Temperature controls randomness. nil uses the client default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the client default.
	MaxTokens int
}

// Client is the contract the agent pool binds each agent to.
type Client interface {
	// Invoke sends a prompt and returns the completion text.
	Invoke(ctx context.Context, prompt string, opts *Options) (string, error)

	// EstimateCost converts token usage into an estimated spend.
	EstimateCost(usage Usage) float64

	// TokenUsage returns usage for the most recent successful invocation.
	TokenUsage() Usage
}

// Factory creates a client for an agent role. Injected into the agent pool
// so the provider binding stays outside the core.
type Factory func(role string) (Client, error)

// Temperature is a convenience for building Options literals.
func Temperature(t float64) *float64 { return &t }
