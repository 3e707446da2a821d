package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bmadhq/conductor/retry"
)

// maxResponseSize caps the response body read to guard against a
// misbehaving endpoint.
const maxResponseSize = 10 * 1024 * 1024

// HTTPConfig configures the OpenAI-compatible HTTP client.
type HTTPConfig struct {
	// Endpoint is the API base URL (e.g. "https://api.openai.com/v1").
	Endpoint string

	// Model is the model identifier sent with each request.
	Model string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Temperature is the default sampling temperature.
	Temperature float64

	// MaxTokens is the default completion limit. 0 leaves it unset.
	MaxTokens int

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// CostPerInputToken and CostPerOutputToken drive EstimateCost.
	CostPerInputToken  float64
	CostPerOutputToken float64
}

// HTTPClient talks to any chat-completions endpoint that speaks the OpenAI
// wire format (OpenAI, OpenRouter, Ollama, vLLM).
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	lastUsage Usage
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPDoer sets a custom underlying http.Client.
func WithHTTPDoer(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = logger }
}

// NewHTTPClient creates an OpenAI-compatible client.
func NewHTTPClient(cfg HTTPConfig, opts ...HTTPOption) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}
	h := &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends the prompt as a single user message and returns the
// completion text. Failures are tagged for the retry handler: auth
// failures are fatal, rate limits are ResourceExhausted, server and
// network trouble is transient.
func (h *HTTPClient) Invoke(ctx context.Context, prompt string, opts *Options) (string, error) {
	temperature := h.cfg.Temperature
	maxTokens := h.cfg.MaxTokens
	if opts != nil {
		if opts.Temperature != nil {
			temperature = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			maxTokens = opts.MaxTokens
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:       h.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", retry.WrapError(retry.KindLLMAPI, fmt.Errorf("marshal request: %w", err))
	}

	url := strings.TrimSuffix(h.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", retry.WrapError(retry.KindLLMAPI, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", retry.WrapError(retry.KindFatal, ctx.Err())
		}
		return "", retry.WrapError(retry.KindRetryable, fmt.Errorf("llm request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", retry.WrapError(retry.KindRetryable, fmt.Errorf("read llm response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, data)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", retry.WrapError(retry.KindLLMAPI, fmt.Errorf("decode llm response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", retry.NewError(retry.KindLLMAPI, "llm response contained no choices")
	}

	h.mu.Lock()
	h.lastUsage = Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}
	h.mu.Unlock()

	h.logger.Debug("llm invocation complete",
		"model", h.cfg.Model,
		"duration", time.Since(start),
		"total_tokens", parsed.Usage.TotalTokens)

	return parsed.Choices[0].Message.Content, nil
}

// classifyStatus maps an HTTP error status onto the error taxonomy.
func classifyStatus(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := retry.NewError(retry.KindLLMAPI, "llm authentication failed (status %d): %s", status, snippet)
		e.Auth = true
		return e
	case status == http.StatusTooManyRequests:
		return retry.NewError(retry.KindResourceExhausted, "llm rate limit exceeded (status %d): %s", status, snippet)
	case status >= 500 || status == http.StatusRequestTimeout:
		return retry.NewError(retry.KindRetryable, "llm server error (status %d): %s", status, snippet)
	default:
		return retry.NewError(retry.KindLLMAPI, "llm request rejected (status %d): %s", status, snippet)
	}
}

// EstimateCost converts token usage into an estimated spend using the
// configured per-token prices.
func (h *HTTPClient) EstimateCost(usage Usage) float64 {
	return float64(usage.InputTokens)*h.cfg.CostPerInputToken +
		float64(usage.OutputTokens)*h.cfg.CostPerOutputToken
}

// TokenUsage returns usage from the most recent successful invocation.
func (h *HTTPClient) TokenUsage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsage
}
