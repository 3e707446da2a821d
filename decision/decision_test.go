package decision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmadhq/conductor/llm/llmtest"
	"github.com/bmadhq/conductor/retry"
)

func writeOnboarding(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDecide_OnboardingHit(t *testing.T) {
	dir := t.TempDir()
	writeOnboarding(t, dir, "api-guidelines.md",
		"All endpoints use versioned routes. Authentication uses bearer tokens.")
	mock := llmtest.NewMock("should not be called")
	engine := NewEngine(mock, dir)

	d, err := engine.Decide(context.Background(),
		"Should authentication endpoints be versioned?", map[string]any{"step": 2})
	require.NoError(t, err)

	assert.Equal(t, SourceOnboarding, d.Source)
	assert.Equal(t, 0.95, d.Confidence)
	assert.Contains(t, d.Reasoning, "api-guidelines.md")
	assert.False(t, d.Escalated())
	assert.Equal(t, "Should authentication endpoints be versioned?", d.Question)
	assert.Equal(t, map[string]any{"step": 2}, d.Context)
	assert.False(t, d.Timestamp.IsZero())
	assert.Zero(t, mock.Calls(), "onboarding hit must not invoke the LLM")
}

func TestDecide_OnboardingScansNestedDirs(t *testing.T) {
	dir := t.TempDir()
	writeOnboarding(t, dir, filepath.Join("conventions", "database.md"),
		"Database migrations run through the standard migration tooling.")
	engine := NewEngine(llmtest.NewMock(), dir)

	d, err := engine.Decide(context.Background(),
		"Which tooling runs database migrations?", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceOnboarding, d.Source)
}

func TestDecide_OnboardingIgnoresNonMarkdown(t *testing.T) {
	dir := t.TempDir()
	writeOnboarding(t, dir, "notes.txt",
		"Database migrations run through the standard migration tooling.")
	engine := NewEngine(llmtest.NewMock(`{"decision": "use flyway", "confidence": 0.8, "reasoning": "common choice"}`), dir)

	d, err := engine.Decide(context.Background(),
		"Which tooling runs database migrations?", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, d.Source)
}

func TestDecide_OnboardingRequiresTwoOverlaps(t *testing.T) {
	dir := t.TempDir()
	writeOnboarding(t, dir, "doc.md", "This document mentions versioning once.")
	engine := NewEngine(llmtest.NewMock(`{"decision": "yes", "confidence": 0.85, "reasoning": "ok"}`), dir)

	d, err := engine.Decide(context.Background(),
		"Should endpoints use versioning?", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, d.Source, "one overlapping token is not a hit")
}

func TestDecide_MissingOnboardingDirFallsThrough(t *testing.T) {
	mock := llmtest.NewMock(`{"decision": "yes", "confidence": 0.85, "reasoning": "ok"}`)
	engine := NewEngine(mock, filepath.Join(t.TempDir(), "does-not-exist"))

	d, err := engine.Decide(context.Background(), "Should the API be versioned?", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, d.Source)
	assert.Equal(t, 1, mock.Calls())
}

func TestDecide_LLMJSONResponse(t *testing.T) {
	mock := llmtest.NewMock(`{"decision": "version from day one", "confidence": 0.85, "reasoning": "standard practice"}`)
	engine := NewEngine(mock, "")

	d, err := engine.Decide(context.Background(), "Should the API be versioned?", nil)
	require.NoError(t, err)

	assert.Equal(t, SourceLLM, d.Source)
	assert.Equal(t, "version from day one", d.Decision)
	assert.Equal(t, 0.85, d.Confidence)
	assert.False(t, d.Escalated())
	assert.NotContains(t, d.Reasoning, "ESCALATION REQUIRED")
}

func TestDecide_LLMFencedJSON(t *testing.T) {
	mock := llmtest.NewMock("Here you go:\n```json\n{\"decision\": \"yes\", \"confidence\": 0.8, \"reasoning\": \"fine\"}\n```")
	engine := NewEngine(mock, "")

	d, err := engine.Decide(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "yes", d.Decision)
	assert.Equal(t, 0.8, d.Confidence)
}

func TestDecide_LowConfidenceSentinel(t *testing.T) {
	mock := llmtest.NewMock(`{"decision": "probably", "confidence": 0.6, "reasoning": "thin evidence"}`)
	engine := NewEngine(mock, "")

	d, err := engine.Decide(context.Background(), "q", nil)
	require.NoError(t, err)

	assert.True(t, d.Escalated())
	assert.Contains(t, d.Reasoning,
		fmt.Sprintf("\n[ESCALATION REQUIRED: confidence %.2f below threshold 0.75]", d.Confidence))
}

func TestDecide_UnparseableResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{"neutral text", "I think the answer is yes.", 0.6},
		{"certain", "This is definitely and clearly the right call.", 0.8},
		{"uncertain", "Maybe, but I am unsure and might need more context.", 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(llmtest.NewMock(tt.raw), "")
			d, err := engine.Decide(context.Background(), "q", nil)
			require.NoError(t, err)
			assert.Equal(t, SourceLLM, d.Source)
			assert.InDelta(t, tt.want, d.Confidence, 1e-9)
		})
	}
}

func TestDecide_CalibrationBounds(t *testing.T) {
	t.Run("clamped high", func(t *testing.T) {
		engine := NewEngine(llmtest.NewMock(
			`{"decision": "yes", "confidence": 0.95, "reasoning": "definitely certain, clearly right"}`), "")
		d, err := engine.Decide(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.Equal(t, 0.9, d.Confidence)
	})

	t.Run("clamped low", func(t *testing.T) {
		engine := NewEngine(llmtest.NewMock(
			`{"decision": "no idea", "confidence": 0.4, "reasoning": "unsure, missing context, might need more input"}`), "")
		d, err := engine.Decide(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.Equal(t, 0.3, d.Confidence)
		assert.True(t, d.Escalated())
	})

	t.Run("uncertainty lowers reported confidence", func(t *testing.T) {
		engine := NewEngine(llmtest.NewMock(
			`{"decision": "yes", "confidence": 0.8, "reasoning": "maybe fine"}`), "")
		d, err := engine.Decide(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.7, d.Confidence, 1e-9)
		assert.True(t, d.Escalated())
	})
}

func TestDecide_LLMError(t *testing.T) {
	boom := retry.NewError(retry.KindLLMAPI, "provider down")
	engine := NewEngine(llmtest.NewMock().FailWith(boom), "")

	_, err := engine.Decide(context.Background(), "q", nil)
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindLLMAPI))
}

func TestDecide_PromptCarriesQuestionAndContext(t *testing.T) {
	mock := llmtest.NewMock(`{"decision": "yes", "confidence": 0.8, "reasoning": "ok"}`)
	engine := NewEngine(mock, "")

	_, err := engine.Decide(context.Background(),
		"Should the API be versioned?", map[string]any{"step_goal": "define API"})
	require.NoError(t, err)

	prompts := mock.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Should the API be versioned?")
	assert.Contains(t, prompts[0], "step_goal")
	assert.Contains(t, prompts[0], `"decision"`)
}
