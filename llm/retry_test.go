package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bmadhq/conductor/llm"
	"github.com/bmadhq/conductor/llm/llmtest"
	"github.com/bmadhq/conductor/retry"
)

func fastRetryConfig(maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestRetryingClient_RetriesTransientFailures(t *testing.T) {
	mock := llmtest.NewMock("recovered").FailWith(
		retry.NewError(retry.KindRetryable, "connection reset"),
		retry.NewError(retry.KindRetryable, "connection reset"),
	)
	client := llm.WithRetries(mock, retry.NewHandler(fastRetryConfig(3)))

	out, err := client.Invoke(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "recovered", out)
	require.Equal(t, 3, mock.Calls())
}

func TestRetryingClient_FatalSurfacesImmediately(t *testing.T) {
	mock := llmtest.NewMock("never").FailWith(
		retry.NewError(retry.KindLLMAPI, "model not found"),
	)
	client := llm.WithRetries(mock, retry.NewHandler(fastRetryConfig(3)))

	_, err := client.Invoke(context.Background(), "hello", nil)
	require.Error(t, err)
	require.True(t, retry.HasKind(err, retry.KindLLMAPI))
	require.Equal(t, 1, mock.Calls())
}

func TestRetryingClient_ExhaustsBudget(t *testing.T) {
	mock := llmtest.NewMock().FailWith(
		retry.NewError(retry.KindRetryable, "timeout"),
		retry.NewError(retry.KindRetryable, "timeout"),
		retry.NewError(retry.KindRetryable, "timeout"),
	)
	client := llm.WithRetries(mock, retry.NewHandler(fastRetryConfig(2)))

	_, err := client.Invoke(context.Background(), "hello", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 2 retries")
	require.Equal(t, 3, mock.Calls())
}

func TestRetryingClient_Delegates(t *testing.T) {
	mock := llmtest.NewMock("ok")
	client := llm.WithRetries(mock, retry.NewHandler(fastRetryConfig(1)))

	require.Equal(t, 150, client.TokenUsage().TotalTokens)
	require.InDelta(t, 0.0015, client.EstimateCost(client.TokenUsage()), 1e-9)
}
