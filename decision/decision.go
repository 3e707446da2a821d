// Package decision answers workflow questions autonomously, preferring
// onboarding-document evidence over LLM reasoning and flagging low
// confidence for human escalation.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bmadhq/conductor/llm"
)

// EscalationThreshold is the confidence below which a decision is
// flagged for human review.
const EscalationThreshold = 0.75

// Source records where a decision's answer came from.
type Source string

const (
	SourceOnboarding Source = "onboarding"
	SourceLLM        Source = "llm"
)

// Decision is the engine's answer to a question, with a calibrated
// confidence score. The question and context are echoed verbatim.
type Decision struct {
	Question   string         `json:"question"`
	Decision   string         `json:"decision"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	Source     Source         `json:"source"`
	Timestamp  time.Time      `json:"timestamp"`
	Context    map[string]any `json:"context,omitempty"`
}

// Escalated reports whether the decision fell below the threshold.
func (d *Decision) Escalated() bool {
	return d.Confidence < EscalationThreshold
}

// Engine produces Decisions. It consults the onboarding directory first
// and falls back to a single LLM call.
type Engine struct {
	client        llm.Client
	onboardingDir string
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a decision engine. onboardingDir may point at a
// directory that does not exist; the onboarding lookup then falls
// through silently.
func NewEngine(client llm.Client, onboardingDir string, opts ...Option) *Engine {
	e := &Engine{
		client:        client,
		onboardingDir: onboardingDir,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide answers a question against a free-form context map. Onboarding
// hits return with fixed confidence 0.95; LLM-sourced answers are
// calibrated and clamped to [0.3, 0.9], and any result below the
// threshold carries an escalation sentinel in its reasoning.
func (e *Engine) Decide(ctx context.Context, question string, dctx map[string]any) (*Decision, error) {
	if d := e.lookupOnboarding(question); d != nil {
		d.Question = question
		d.Context = dctx
		d.Timestamp = time.Now().UTC()
		return d, nil
	}

	d, err := e.askLLM(ctx, question, dctx)
	if err != nil {
		return nil, err
	}

	d.Confidence = calibrate(d.Confidence, d.Reasoning)
	if d.Confidence < EscalationThreshold {
		d.Reasoning += fmt.Sprintf(
			"\n[ESCALATION REQUIRED: confidence %.2f below threshold %.2f]",
			d.Confidence, EscalationThreshold)
	}

	d.Question = question
	d.Context = dctx
	d.Timestamp = time.Now().UTC()
	return d, nil
}

// wordPattern extracts candidate tokens; only words of length >= 4
// count toward onboarding overlap.
var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_-]+`)

func questionTokens(question string) []string {
	var tokens []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(question), -1) {
		if len(w) >= 4 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// lookupOnboarding scans markdown files under the onboarding directory
// for one sharing at least two question tokens. Any filesystem failure
// is a silent fallback to the LLM path.
func (e *Engine) lookupOnboarding(question string) *Decision {
	if e.onboardingDir == "" {
		return nil
	}
	if _, err := os.Stat(e.onboardingDir); err != nil {
		return nil
	}

	tokens := questionTokens(question)
	if len(tokens) < 2 {
		return nil
	}

	matches, err := doublestar.Glob(os.DirFS(e.onboardingDir), "**/*.md")
	if err != nil {
		e.logger.Debug("onboarding scan failed", "dir", e.onboardingDir, "error", err)
		return nil
	}

	for _, name := range matches {
		content, err := fs.ReadFile(os.DirFS(e.onboardingDir), name)
		if err != nil {
			continue
		}
		text := strings.ToLower(string(content))

		overlap := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				overlap++
			}
		}
		if overlap >= 2 {
			e.logger.Info("decision answered from onboarding",
				"file", name, "overlap", overlap)
			return &Decision{
				Decision:   strings.TrimSpace(string(content)),
				Confidence: 0.95,
				Reasoning:  fmt.Sprintf("Found guidance in onboarding document %s (%d matching terms)", name, overlap),
				Source:     SourceOnboarding,
			}
		}
	}
	return nil
}

// llmAnswer is the JSON contract requested from the model.
type llmAnswer struct {
	Decision   string   `json:"decision"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

func (e *Engine) askLLM(ctx context.Context, question string, dctx map[string]any) (*Decision, error) {
	var b strings.Builder
	b.WriteString("Answer the following question about an ongoing software project.\n")
	b.WriteString("Respond with JSON containing fields \"decision\", \"confidence\" (0-1), and \"reasoning\".\n\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	if len(dctx) > 0 {
		serialised, err := json.Marshal(dctx)
		if err == nil {
			b.WriteString("\n\nContext: ")
			b.Write(serialised)
		}
	}

	raw, err := e.client.Invoke(ctx, b.String(), &llm.Options{Temperature: llm.Temperature(0.3)})
	if err != nil {
		return nil, fmt.Errorf("decision llm call: %w", err)
	}

	d := &Decision{Source: SourceLLM}

	var answer llmAnswer
	if extracted := llm.ExtractJSON(raw); extracted != "" {
		if json.Unmarshal([]byte(extracted), &answer) == nil &&
			answer.Decision != "" && answer.Confidence != nil {
			d.Decision = answer.Decision
			d.Confidence = *answer.Confidence
			d.Reasoning = answer.Reasoning
			return d, nil
		}
	}

	// Unparseable response: use the raw text and derive confidence from
	// its certainty markers.
	d.Decision = strings.TrimSpace(raw)
	d.Reasoning = "LLM response was not valid JSON; using raw text"
	d.Confidence = baseConfidence(raw)
	return d, nil
}

var certaintyMarkers = []string{"definitely", "clearly", "certain"}

var uncertaintyMarkers = []string{"maybe", "unsure", "might", "need more", "missing"}

func countMarkers(text string, markers []string) int {
	text = strings.ToLower(text)
	n := 0
	for _, m := range markers {
		n += strings.Count(text, m)
	}
	return n
}

// baseConfidence scores raw text by its certainty markers, bounded to
// [0.3, 0.9].
func baseConfidence(text string) float64 {
	c := 0.6 + 0.1*float64(countMarkers(text, certaintyMarkers)) -
		0.1*float64(countMarkers(text, uncertaintyMarkers))
	return clamp(c)
}

// calibrate nudges a reported confidence by the certainty markers in the
// reasoning, then clamps to [0.3, 0.9].
func calibrate(confidence float64, reasoning string) float64 {
	confidence += 0.05 * float64(countMarkers(reasoning, certaintyMarkers))
	confidence -= 0.1 * float64(countMarkers(reasoning, uncertaintyMarkers))
	return clamp(confidence)
}

func clamp(c float64) float64 {
	if c < 0.3 {
		return 0.3
	}
	if c > 0.9 {
		return 0.9
	}
	return c
}
