package llm

import (
	"context"

	"github.com/bmadhq/conductor/retry"
)

// RetryingClient decorates a Client with retry-handler semantics: transient
// failures are retried with backoff, everything else surfaces unchanged.
type RetryingClient struct {
	inner   Client
	handler *retry.Handler
}

// WithRetries wraps a client so its invocations run through the handler.
func WithRetries(inner Client, handler *retry.Handler) *RetryingClient {
	return &RetryingClient{inner: inner, handler: handler}
}

// Invoke runs the inner invocation under the retry handler.
func (r *RetryingClient) Invoke(ctx context.Context, prompt string, opts *Options) (string, error) {
	var out string
	err := r.handler.Do(ctx, func(ctx context.Context) error {
		var ierr error
		out, ierr = r.inner.Invoke(ctx, prompt, opts)
		return ierr
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// EstimateCost delegates to the inner client.
func (r *RetryingClient) EstimateCost(usage Usage) float64 {
	return r.inner.EstimateCost(usage)
}

// TokenUsage delegates to the inner client.
func (r *RetryingClient) TokenUsage() Usage {
	return r.inner.TokenUsage()
}
