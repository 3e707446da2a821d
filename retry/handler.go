package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmadhq/conductor/metrics"
)

// EscalationLevel grades a failure surfaced to the user.
type EscalationLevel string

const (
	LevelWarning  EscalationLevel = "WARNING"
	LevelError    EscalationLevel = "ERROR"
	LevelCritical EscalationLevel = "CRITICAL"
)

// Report is a user-visible failure description handed to the OnEscalation
// hook. It is the single surface through which handler failures become
// visible outside logs.
type Report struct {
	Level            EscalationLevel `json:"level"`
	Message          string          `json:"message"`
	SuggestedActions []string        `json:"suggested_actions"`
	Timestamp        time.Time       `json:"timestamp"`
}

// ShouldRetryFunc vetoes a retry for an otherwise transient error.
type ShouldRetryFunc func(error) bool

// OnRetryFunc observes each retry before its backoff sleep. attempt is
// 1-based; delay is the sleep about to happen.
type OnRetryFunc func(err error, attempt int, delay time.Duration)

// OnEscalationFunc receives failure reports.
type OnEscalationFunc func(Report)

// RecoverFunc attempts provider-fallback recovery for an LLM API failure.
// It is called at most once per operation when recovery is enabled.
type RecoverFunc func(ctx context.Context, err error) error

// Handler retries transient failures with exponential backoff and jitter,
// tracks per-kind error metrics, and escalates persistent failures.
type Handler struct {
	cfg          Config
	logger       *slog.Logger
	shouldRetry  ShouldRetryFunc
	onRetry      OnRetryFunc
	onEscalation OnEscalationFunc
	recover      RecoverFunc

	mu          sync.Mutex
	errorCounts map[Kind]*ErrorMetric
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithShouldRetry installs a custom retry veto.
func WithShouldRetry(fn ShouldRetryFunc) Option {
	return func(h *Handler) { h.shouldRetry = fn }
}

// WithOnRetry installs a retry observer.
func WithOnRetry(fn OnRetryFunc) Option {
	return func(h *Handler) { h.onRetry = fn }
}

// WithOnEscalation installs the escalation hook.
func WithOnEscalation(fn OnEscalationFunc) Option {
	return func(h *Handler) { h.onEscalation = fn }
}

// WithRecover installs the provider-fallback recovery hook.
func WithRecover(fn RecoverFunc) Option {
	return func(h *Handler) { h.recover = fn }
}

// NewHandler creates a retry handler with the given configuration.
func NewHandler(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		cfg:         cfg,
		logger:      slog.Default(),
		errorCounts: make(map[Kind]*ErrorMetric),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the handler's retry configuration.
func (h *Handler) Config() Config { return h.cfg }

// Do runs op, retrying transient failures per the configured backoff.
// Fatal and domain errors surface immediately. Exhausting the retry budget
// returns an error whose message names the retry count. The context is
// honoured during backoff sleeps; cancellation surfaces as the context
// error without further attempts.
func (h *Handler) Do(ctx context.Context, op func(context.Context) error) error {
	recovered := false

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		classified := Classify(err)
		h.recordError(classified)

		if ctx.Err() != nil {
			return err
		}

		// One-shot recovery before normal backoff resumes.
		if h.cfg.EnableRecovery && !recovered {
			if done := h.tryRecover(ctx, classified, err); done {
				recovered = true
				continue
			}
		}

		if !classified.Transient() {
			h.escalate(levelFor(classified), err)
			return err
		}
		if h.shouldRetry != nil && !h.shouldRetry(err) {
			h.escalate(LevelWarning, err)
			return err
		}
		if attempt >= h.cfg.MaxRetries {
			exhausted := fmt.Errorf("Operation failed after %d retries: %w", h.cfg.MaxRetries, err)
			h.escalate(LevelError, exhausted)
			return exhausted
		}

		delay := h.cfg.jittered(h.cfg.Delay(attempt))
		if h.onRetry != nil {
			h.onRetry(err, attempt+1, delay)
		}
		metrics.RetryAttempts.Inc()
		h.logger.Debug("retrying after transient failure",
			"attempt", attempt+1,
			"max_retries", h.cfg.MaxRetries,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryRecover attempts the one-shot recovery path. Returns true when the
// operation should be retried immediately.
func (h *Handler) tryRecover(ctx context.Context, classified *Error, err error) bool {
	switch classified.Kind {
	case KindLLMAPI:
		if classified.Auth || h.recover == nil {
			return false
		}
		if rerr := h.recover(ctx, err); rerr != nil {
			h.logger.Warn("provider fallback recovery failed", "error", rerr)
			return false
		}
		h.logger.Info("provider fallback recovery succeeded, retrying")
		return true
	case KindResourceExhausted:
		// Rate limited: wait out the full backoff ceiling once.
		h.logger.Info("resource exhausted, waiting before retry", "delay", h.cfg.MaxDelay)
		select {
		case <-time.After(h.cfg.MaxDelay):
			return true
		case <-ctx.Done():
			return false
		}
	default:
		return false
	}
}

// DoWithTimeout runs op under a deadline. A breach surfaces as a retryable
// timeout error unless op itself returned a fatal error first.
func (h *Handler) DoWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(tctx) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if tctx.Err() == context.DeadlineExceeded && !IsFatal(err) {
			return timeoutError(timeout, err)
		}
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return timeoutError(timeout, nil)
	}
}

func timeoutError(timeout time.Duration, cause error) error {
	e := NewError(KindRetryable, "operation timed out after %s", timeout)
	e.err = cause
	return e
}

// recordError updates in-memory and Prometheus error metrics.
func (h *Handler) recordError(classified *Error) {
	now := time.Now().UTC()

	h.mu.Lock()
	metric, ok := h.errorCounts[classified.Kind]
	if !ok {
		metric = &ErrorMetric{FirstSeen: now}
		h.errorCounts[classified.Kind] = metric
	}
	metric.Count++
	metric.LastSeen = now
	h.mu.Unlock()

	metrics.ErrorsTotal.WithLabelValues(string(classified.Kind)).Inc()
}

// ErrorMetrics returns a snapshot of per-kind error counters.
func (h *Handler) ErrorMetrics() map[string]ErrorMetric {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]ErrorMetric, len(h.errorCounts))
	for kind, metric := range h.errorCounts {
		out[string(kind)] = *metric
	}
	return out
}

// ResetErrorMetrics clears the per-kind error counters.
func (h *Handler) ResetErrorMetrics() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCounts = make(map[Kind]*ErrorMetric)
}

// escalate renders a failure through the OnEscalation hook.
func (h *Handler) escalate(level EscalationLevel, err error) {
	if h.onEscalation == nil {
		return
	}
	h.onEscalation(Report{
		Level:            level,
		Message:          err.Error(),
		SuggestedActions: suggestedActions(err),
		Timestamp:        time.Now().UTC(),
	})
}

// levelFor grades a non-retried failure. Fatal and auth-class errors are
// CRITICAL; everything else surfaced without retries is a WARNING.
func levelFor(classified *Error) EscalationLevel {
	if classified.Auth || classified.Kind == KindFatal {
		return LevelCritical
	}
	return LevelWarning
}

// suggestedActions proposes remediation hints for a failure.
func suggestedActions(err error) []string {
	classified := Classify(err)
	msg := strings.ToLower(err.Error())

	switch {
	case classified.Auth || strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized"):
		return []string{"check credentials", "verify the API key is valid and not expired"}
	case classified.Kind == KindResourceExhausted || strings.Contains(msg, "rate limit"):
		return []string{"check API rate limit", "reduce maxConcurrentAgents", "wait before retrying"}
	case classified.Kind == KindRetryable:
		return []string{"check network connectivity", "verify the endpoint is reachable"}
	case classified.Kind == KindStateManager:
		return []string{"inspect the state directory for corrupted files"}
	case classified.Kind == KindWorktree, classified.Kind == KindWorktreeExists, classified.Kind == KindWorktreeNotFound:
		return []string{"run 'git worktree list' and reconcile the registry"}
	default:
		return []string{"inspect logs for the underlying cause"}
	}
}
