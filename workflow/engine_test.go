package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bmadhq/conductor/decision"
	"github.com/bmadhq/conductor/escalation"
	"github.com/bmadhq/conductor/llm/llmtest"
	"github.com/bmadhq/conductor/retry"
	"github.com/bmadhq/conductor/state"
)

const confidentAnswer = `{"decision": "yes", "confidence": 0.85, "reasoning": "definitely supported"}`

const hesitantAnswer = `{"decision": "probably", "confidence": 0.6, "reasoning": "thin evidence"}`

type fixture struct {
	root   string
	states *state.Manager
	queue  *escalation.Queue
	mock   *llmtest.Mock
	engine *Engine
}

func newFixture(t *testing.T, mock *llmtest.Mock, opts ...EngineOption) *fixture {
	t.Helper()
	root := t.TempDir()
	if mock == nil {
		mock = llmtest.NewMock(confidentAnswer)
	}
	states := state.NewManager(filepath.Join(root, "state"))
	queue := escalation.NewQueue(filepath.Join(root, "escalations"),
		escalation.WithNotifyWriter(io.Discard))
	decisions := decision.NewEngine(mock, filepath.Join(root, "onboarding"))

	return &fixture{
		root:   root,
		states: states,
		queue:  queue,
		mock:   mock,
		engine: NewEngine(root, states, decisions, queue, opts...),
	}
}

// writeWorkflow lays down a definition, its config source, and its step
// script under the fixture root, returning the definition path.
func (f *fixture) writeWorkflow(t *testing.T, name, script string, vars map[string]any) string {
	t.Helper()

	configPath := filepath.Join(f.root, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		require.NoError(t, os.WriteFile(configPath,
			[]byte("project_name: demo\noutput:\n  dir: docs\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.root, name+".md"), []byte(script), 0o644))

	doc := map[string]any{
		"name":          name,
		"config_source": "{project-root}/config.yaml",
		"instructions":  "{project-root}/" + name + ".md",
		"output_folder": "{project-root}/out",
		"date":          "system-generated",
	}
	if vars != nil {
		doc["variables"] = vars
	}
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(f.root, name+".yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testProject() state.Project {
	return state.Project{ID: "p1", Name: "Project One"}
}

func TestExecute_SequentialStepsWithVariables(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writeWorkflow(t, "vars-flow", `
<step n="1" goal="render variables">
  <action>Variable value is {{test_var}}</action>
  <action>Nested value is {{nested.key}}</action>
  <action>Default value is {{missing_var|default}}</action>
</step>`,
		map[string]any{
			"test_var": "test_value",
			"nested":   map[string]any{"key": "nested_value"},
		})

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))

	log := f.engine.ActionLog()
	require.Len(t, log, 3)
	assert.Contains(t, log[0], "test_value")
	assert.Contains(t, log[1], "nested_value")
	assert.Contains(t, log[2], "default")

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.CurrentStep)
}

func TestExecute_UndefinedVariable(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writeWorkflow(t, "undef-flow",
		`<step n="1" goal="boom"><action>{{undefined_variable}}</action></step>`, nil)

	err := f.engine.Execute(context.Background(), testProject(), path)
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindWorkflowExecution))

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusFailed, st.Status)
}

func TestExecute_UndefinedVariableLenient(t *testing.T) {
	f := newFixture(t, nil, WithLenientVariables())
	path := f.writeWorkflow(t, "lenient-flow",
		`<step n="1" goal="ok"><action>[{{undefined_variable}}]</action></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))
	assert.Equal(t, []string{"[]"}, f.engine.ActionLog())
}

func TestExecute_YoloSkipsOptionalSteps(t *testing.T) {
	f := newFixture(t, nil, WithYolo(true))
	path := f.writeWorkflow(t, "yolo-flow", `
<step n="1" goal="first"><action>one</action></step>
<step n="2" goal="confirm" optional="true"><action>two</action></step>
<step n="3" goal="last"><action>three</action></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))

	log := f.engine.ActionLog()
	assert.Equal(t, []string{"one", "three"}, log)

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 3, st.CurrentStep)

	_, err = os.Stat(filepath.Join(f.states.ProjectDir("p1"), "sprint-status.yaml"))
	require.NoError(t, err)
}

func TestExecute_EscalationPauseAndResume(t *testing.T) {
	f := newFixture(t, llmtest.NewMock(hesitantAnswer))
	path := f.writeWorkflow(t, "ask-flow", `
<step n="1" goal="confirm api shape"><ask>Should the API be versioned?</ask></step>
<step n="2" goal="wrap up"><action>done</action></step>`, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.engine.Execute(context.Background(), testProject(), path)
	}()

	var pending []*escalation.Escalation
	require.Eventually(t, func() bool {
		var err error
		pending, err = f.queue.List(&escalation.Filter{Status: escalation.StatusPending})
		return err == nil && len(pending) == 1
	}, 5*time.Second, 20*time.Millisecond, "escalation file should appear")

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusPaused, st.Status)

	_, err = f.queue.Respond(pending[0].ID, "yes")
	require.NoError(t, err)

	require.NoError(t, <-errCh)

	resolved, err := f.queue.Get(pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusResolved, resolved.Status)
	assert.GreaterOrEqual(t, resolved.ResolutionTime, int64(0))

	st, err = f.states.LoadState("p1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Equal(t, "yes", st.Variables["last_decision"])
	assert.Contains(t, f.engine.ActionLog(), "done")
}

func TestExecute_ConfidentAnswerDoesNotPause(t *testing.T) {
	f := newFixture(t, llmtest.NewMock(confidentAnswer))
	path := f.writeWorkflow(t, "confident-flow",
		`<step n="1" goal="confirm"><ask>Should the API be versioned?</ask></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))

	all, err := f.queue.List(nil)
	require.NoError(t, err)
	assert.Empty(t, all)

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Equal(t, "yes", st.Variables["last_decision"])
}

func TestExecute_YoloSkipsAsk(t *testing.T) {
	f := newFixture(t, llmtest.NewMock(hesitantAnswer), WithYolo(true))
	path := f.writeWorkflow(t, "yolo-ask-flow",
		`<step n="1" goal="confirm"><ask>Sure?</ask><elicit-required>Details?</elicit-required></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))
	assert.Zero(t, f.mock.Calls())
}

func TestExecute_CancelWhilePausedStaysPaused(t *testing.T) {
	f := newFixture(t, llmtest.NewMock(hesitantAnswer))
	path := f.writeWorkflow(t, "cancel-flow",
		`<step n="1" goal="confirm"><ask>Sure?</ask></step>`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.engine.Execute(ctx, testProject(), path)
	}()

	require.Eventually(t, func() bool {
		pending, err := f.queue.List(&escalation.Filter{Status: escalation.StatusPending})
		return err == nil && len(pending) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.Error(t, <-errCh)

	// The durable state must still be resumable.
	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, st.Status)
}

func TestExecute_StepConditions(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writeWorkflow(t, "cond-flow", `
<step n="1" goal="always"><action>one</action></step>
<step n="2" goal="guarded" if="mode == 'fast'"><action>two</action></step>
<step n="3" goal="always"><action>three</action></step>`,
		map[string]any{"mode": "slow"})

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))
	assert.Equal(t, []string{"one", "three"}, f.engine.ActionLog())

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentStep)
}

func TestExecute_CheckTag(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writeWorkflow(t, "check-flow", `
<step n="1" goal="checks">
  <check if="count > 2"><action>large scope</action></check>
  <check if="count > 10"><action>huge scope</action></check>
</step>`,
		map[string]any{"count": 3})

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))
	assert.Equal(t, []string{"large scope"}, f.engine.ActionLog())
}

func TestExecute_TemplateOutput(t *testing.T) {
	f := newFixture(t, nil, WithYolo(true))
	path := f.writeWorkflow(t, "tmpl-flow",
		`<step n="1" goal="write doc"><template-output file="prd.md"># PRD for {{project_name}}</template-output></step>`,
		map[string]any{"project_name": "demo"})

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))

	data, err := os.ReadFile(filepath.Join(f.root, "out", "prd.md"))
	require.NoError(t, err)
	assert.Equal(t, "# PRD for demo", string(data))
	// Yolo auto-approves without consulting the LLM.
	assert.Zero(t, f.mock.Calls())
}

func TestExecute_TemplateOutputAsksForApproval(t *testing.T) {
	f := newFixture(t, llmtest.NewMock(confidentAnswer))
	path := f.writeWorkflow(t, "tmpl-ask-flow",
		`<step n="1" goal="write doc"><template-output file="prd.md">content</template-output></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))

	assert.Equal(t, 1, f.mock.Calls())
	_, err := os.Stat(filepath.Join(f.root, "out", "prd.md"))
	require.NoError(t, err)
}

func TestExecute_InvokeWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	f.writeWorkflow(t, "child-flow",
		`<step n="1" goal="child work"><action>child says {{greeting}}</action></step>`,
		map[string]any{"greeting": "hello"})
	parent := f.writeWorkflow(t, "parent-flow", `
<step n="1" goal="delegate"><invoke-workflow path="{project-root}/child-flow.yaml"/></step>
<step n="2" goal="finish"><action>parent done</action></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), parent))

	assert.Equal(t, []string{"child says hello", "parent done"}, f.engine.ActionLog())

	// The nested run shares the parent's state; only parent steps checkpoint.
	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentStep)
	assert.Equal(t, state.StatusCompleted, st.Status)
	for _, a := range st.AgentActivity {
		assert.Equal(t, "parent-flow", a.AgentName)
	}
}

func TestExecute_CurrentStepMonotone(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writeWorkflow(t, "mono-flow", `
<step n="1" goal="a"><action>1</action></step>
<step n="2" goal="b"><action>2</action></step>
<step n="3" goal="c"><action>3</action></step>
<step n="4" goal="d"><action>4</action></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	require.Len(t, st.AgentActivity, 4)
	for i, a := range st.AgentActivity {
		assert.Contains(t, a.Action, fmt.Sprintf("step %d", i+1))
		assert.Equal(t, state.ActivityCompleted, a.Status)
	}
	assert.Equal(t, 4, st.CurrentStep)
}

func TestResume_SkipsCompletedSteps(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writeWorkflow(t, "resume-flow", `
<step n="1" goal="a"><action>one</action></step>
<step n="2" goal="b"><action>two</action></step>
<step n="3" goal="c"><action>three</action></step>`, nil)

	require.NoError(t, f.states.SaveState(&state.WorkflowState{
		Project:         testProject(),
		CurrentWorkflow: path,
		CurrentStep:     2,
		Status:          state.StatusPaused,
		StartTime:       time.Now().UTC(),
	}))

	require.NoError(t, f.engine.Resume(context.Background(), "p1"))

	assert.Equal(t, []string{"three"}, f.engine.ActionLog())

	st, err := f.states.LoadState("p1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentStep)
	assert.Equal(t, state.StatusCompleted, st.Status)
}

func TestResume_CompletedIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writeWorkflow(t, "done-flow",
		`<step n="1" goal="a"><action>one</action></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))
	require.NoError(t, f.engine.Resume(context.Background(), "p1"))
	assert.Equal(t, []string{"one"}, f.engine.ActionLog())
}

func TestResume_UnknownProject(t *testing.T) {
	f := newFixture(t, nil)
	err := f.engine.Resume(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, retry.HasKind(err, retry.KindWorkflowExecution))
}

func TestExecute_OnboardingAnswersWithoutLLM(t *testing.T) {
	f := newFixture(t, llmtest.NewMock(hesitantAnswer))
	docs := filepath.Join(f.root, "onboarding")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "api.md"),
		[]byte("All endpoints are versioned from day one."), 0o644))

	path := f.writeWorkflow(t, "onboard-flow",
		`<step n="1" goal="confirm"><ask>Should endpoints be versioned?</ask></step>`, nil)

	require.NoError(t, f.engine.Execute(context.Background(), testProject(), path))

	assert.Zero(t, f.mock.Calls())
	all, err := f.queue.List(nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}
