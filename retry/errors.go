// Package retry provides the orchestrator's error taxonomy and the retry
// handler that classifies failures, backs off transient ones, and escalates
// persistent ones.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates error categories. The retry decision and the
// escalation level are pure functions over the kind.
type Kind string

const (
	KindRetryable         Kind = "RetryableError"
	KindFatal             Kind = "FatalError"
	KindLLMAPI            Kind = "LLMAPIError"
	KindResourceExhausted Kind = "ResourceExhaustedError"
	KindWorkflowParse     Kind = "WorkflowParseError"
	KindWorkflowExecution Kind = "WorkflowExecutionError"
	KindStateManager      Kind = "StateManagerError"
	KindAgentPool         Kind = "AgentPoolError"
	KindWorktree          Kind = "WorktreeError"
	KindWorktreeExists    Kind = "WorktreeExistsError"
	KindWorktreeNotFound  Kind = "WorktreeNotFoundError"
	KindTemplateNotFound  Kind = "TemplateNotFoundError"
	KindTemplateSyntax    Kind = "TemplateSyntaxError"
	KindVariableUndefined Kind = "VariableUndefinedError"
	KindFileWrite         Kind = "FileWriteError"
)

// Transient reports whether errors of this kind are worth retrying.
// Only network-class and rate-limit failures retry; LLMAPIError is
// recovery-eligible (provider fallback) but not blindly retried, and
// domain kinds surface verbatim.
func (k Kind) Transient() bool {
	switch k {
	case KindRetryable, KindResourceExhausted:
		return true
	default:
		return false
	}
}

// Error is the tagged error carried across the orchestrator. The Kind tag
// drives retry decisions, metrics keys, and escalation levels.
type Error struct {
	Kind Kind
	// Auth marks authentication-class failures (401/403 from a provider).
	// Auth errors are never retried and escalate as CRITICAL.
	Auth bool

	msg string
	err error
}

// NewError creates a tagged error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error with a kind.
func WrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.err != nil:
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	case e.err != nil:
		return e.err.Error()
	default:
		return e.msg
	}
}

func (e *Error) Unwrap() error { return e.err }

// Transient reports whether this error should be retried.
func (e *Error) Transient() bool {
	if e.Auth {
		return false
	}
	return e.Kind.Transient()
}

// transientMarkers are raw substrings normalised to RetryableError.
var transientMarkers = []string{"ECONNRESET", "ETIMEDOUT", "ECONNREFUSED"}

// fatalMarkers are raw substrings normalised to FatalError.
var fatalMarkers = []string{"EACCES", "EPERM"}

// Classify normalises an arbitrary error into a tagged Error. Already
// tagged errors pass through; raw errors are classified by message
// inspection. Context cancellation is fatal: a cancelled operation must
// not be retried.
func Classify(err error) *Error {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindFatal, err)
	}

	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return WrapError(KindRetryable, err)
		}
	}
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return WrapError(KindFatal, err)
		}
	}
	return WrapError(KindFatal, err)
}

// KindOf returns the classified kind of an error.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// HasKind reports whether err carries the given kind tag.
func HasKind(err error, kind Kind) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind == kind
	}
	return false
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	return Classify(err).Transient()
}

// IsFatal reports whether the error must never be retried.
func IsFatal(err error) bool {
	return !Classify(err).Transient()
}

// ErrorMetric tracks occurrences of one error kind.
type ErrorMetric struct {
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
