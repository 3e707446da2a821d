package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmadhq/conductor/decision"
	"github.com/bmadhq/conductor/escalation"
	"github.com/bmadhq/conductor/fsutil"
	"github.com/bmadhq/conductor/metrics"
	"github.com/bmadhq/conductor/retry"
	"github.com/bmadhq/conductor/state"
	"github.com/bmadhq/conductor/template"
)

// maxInvokeDepth bounds invoke-workflow recursion.
const maxInvokeDepth = 8

// Engine drives workflow execution: it loads a definition and its step
// script, resolves variables, executes steps sequentially, and
// checkpoints through the State Manager after every step.
type Engine struct {
	projectRoot string
	states      *state.Manager
	decisions   *decision.Engine
	escalations *escalation.Queue
	logger      *slog.Logger

	yolo   bool
	strict bool

	mu        sync.Mutex
	actionLog []string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithYolo auto-approves every prompt and skips optional steps.
func WithYolo(yolo bool) EngineOption {
	return func(e *Engine) { e.yolo = yolo }
}

// WithLenientVariables renders undefined step variables as empty strings
// instead of failing.
func WithLenientVariables() EngineOption {
	return func(e *Engine) { e.strict = false }
}

// NewEngine creates a workflow engine over its collaborators.
func NewEngine(projectRoot string, states *state.Manager, decisions *decision.Engine,
	escalations *escalation.Queue, opts ...EngineOption) *Engine {
	e := &Engine{
		projectRoot: projectRoot,
		states:      states,
		decisions:   decisions,
		escalations: escalations,
		logger:      slog.Default(),
		strict:      true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActionLog returns the rendered action and output lines emitted so far.
func (e *Engine) ActionLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.actionLog...)
}

// loadedWorkflow bundles everything needed to run one definition.
type loadedWorkflow struct {
	def      *Definition
	steps    []Step
	resolver *Resolver
	path     string
}

// prepare loads a definition, its configuration source, and its step
// script, resolving all load-time placeholders.
func (e *Engine) prepare(workflowPath string) (*loadedWorkflow, error) {
	if !filepath.IsAbs(workflowPath) {
		workflowPath = filepath.Join(e.projectRoot, workflowPath)
	}
	def, err := LoadDefinition(workflowPath)
	if err != nil {
		return nil, err
	}

	// installed_path may itself reference {project-root}; resolve it
	// before anything that references {installed_path}.
	boot := NewResolver(e.projectRoot, "", nil)
	installedPath, err := boot.ResolvePath(def.InstalledPath)
	if err != nil {
		return nil, err
	}
	if installedPath == "" {
		installedPath = filepath.Dir(workflowPath)
	}
	def.InstalledPath = installedPath

	pathResolver := NewResolver(e.projectRoot, installedPath, nil)
	configPath, err := pathResolver.ResolvePath(def.ConfigSource)
	if err != nil {
		return nil, err
	}
	config, err := LoadConfigSource(configPath)
	if err != nil {
		return nil, err
	}

	resolver := NewResolver(e.projectRoot, installedPath, config)
	if def.Instructions, err = resolver.ResolvePath(def.Instructions); err != nil {
		return nil, err
	}
	if def.OutputFolder, err = resolver.ResolvePath(def.OutputFolder); err != nil {
		return nil, err
	}
	if err := resolver.ResolveVariables(def.Variables); err != nil {
		return nil, err
	}

	script, err := os.ReadFile(def.Instructions)
	if err != nil {
		return nil, retry.WrapError(retry.KindWorkflowParse,
			fmt.Errorf("read step script %s: %w", def.Instructions, err))
	}
	steps, err := ParseScript(string(script))
	if err != nil {
		return nil, err
	}

	return &loadedWorkflow{def: def, steps: steps, resolver: resolver, path: workflowPath}, nil
}

// Execute runs a workflow from the beginning for the given project,
// creating fresh durable state.
func (e *Engine) Execute(ctx context.Context, project state.Project, workflowPath string) error {
	wf, err := e.prepare(workflowPath)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	st := &state.WorkflowState{
		Project:         project,
		CurrentWorkflow: wf.path,
		CurrentStep:     0,
		Status:          state.StatusRunning,
		Variables:       make(map[string]any),
		StartTime:       now,
	}
	for k, v := range wf.def.Variables {
		st.Variables[k] = v
	}
	if err := e.states.SaveState(st); err != nil {
		return err
	}

	return e.finish(ctx, wf, st, e.runSteps(ctx, wf, st, true, 0))
}

// Resume continues a previously persisted workflow at the step after its
// last checkpoint.
func (e *Engine) Resume(ctx context.Context, projectID string) error {
	st, err := e.states.LoadState(projectID)
	if err != nil {
		return err
	}
	if st == nil {
		return retry.NewError(retry.KindWorkflowExecution,
			"no persisted state for project %s", projectID)
	}
	if st.Status == state.StatusCompleted {
		return nil
	}

	wf, err := e.prepare(st.CurrentWorkflow)
	if err != nil {
		return err
	}

	st.Status = state.StatusRunning
	if err := e.states.SaveState(st); err != nil {
		return err
	}
	e.logger.Info("resuming workflow",
		"project_id", projectID, "from_step", st.CurrentStep+1)

	return e.finish(ctx, wf, st, e.runSteps(ctx, wf, st, true, 0))
}

// finish persists the terminal status and wraps failures.
func (e *Engine) finish(ctx context.Context, wf *loadedWorkflow, st *state.WorkflowState, runErr error) error {
	if runErr == nil {
		st.Status = state.StatusCompleted
		if err := e.states.SaveState(st); err != nil {
			return err
		}
		e.logger.Info("workflow completed",
			"workflow", wf.def.Name, "steps", len(wf.steps))
		return nil
	}

	// A cancellation while paused keeps the paused state resumable.
	if st.Status == state.StatusPaused && ctx.Err() != nil {
		return runErr
	}

	st.Status = state.StatusFailed
	if saveErr := e.states.SaveState(st); saveErr != nil {
		e.logger.Error("failed to persist failed state", "error", saveErr)
	}
	metrics.WorkflowSteps.WithLabelValues("failed").Inc()
	return runErr
}

// runSteps executes the steps in order. Steps numbered at or below the
// persisted checkpoint are skipped, which is what makes Resume safe.
// Nested invocations run with checkpoint disabled so the parent's
// current_step stays monotone.
func (e *Engine) runSteps(ctx context.Context, wf *loadedWorkflow, st *state.WorkflowState,
	checkpoint bool, depth int) error {
	for i := range wf.steps {
		step := &wf.steps[i]

		if checkpoint && step.Number <= st.CurrentStep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return retry.WrapError(retry.KindFatal, err)
		}

		if step.Condition != "" {
			ok, err := EvaluateCondition(step.Condition, st.Variables)
			if err != nil {
				return err
			}
			if !ok {
				e.logger.Info("skipping step, condition false",
					"workflow", wf.def.Name, "step", step.Number, "condition", step.Condition)
				metrics.WorkflowSteps.WithLabelValues("skipped").Inc()
				continue
			}
		}
		if step.Optional && e.yolo {
			e.logger.Info("skipping optional step in yolo mode",
				"workflow", wf.def.Name, "step", step.Number)
			metrics.WorkflowSteps.WithLabelValues("skipped").Inc()
			continue
		}

		start := time.Now()
		for _, tag := range step.Tags {
			if err := e.execTag(ctx, wf, st, step, tag, depth); err != nil {
				return err
			}
		}

		if checkpoint {
			st.CurrentStep = step.Number
			st.Status = state.StatusRunning
			st.AgentActivity = append(st.AgentActivity, state.AgentActivity{
				AgentID:    "workflow-engine",
				AgentName:  wf.def.Name,
				Action:     fmt.Sprintf("step %d: %s", step.Number, step.Goal),
				Timestamp:  time.Now().UTC(),
				Status:     state.ActivityCompleted,
				DurationMS: time.Since(start).Milliseconds(),
			})
			if err := e.states.SaveState(st); err != nil {
				return err
			}
		}
		metrics.WorkflowSteps.WithLabelValues("completed").Inc()
	}
	return nil
}

func (e *Engine) execTag(ctx context.Context, wf *loadedWorkflow, st *state.WorkflowState,
	step *Step, tag Tag, depth int) error {
	switch tag.Kind {
	case TagAction, TagOutput:
		rendered, err := e.render(tag.Body, st.Variables)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.actionLog = append(e.actionLog, rendered)
		e.mu.Unlock()
		e.logger.Info(string(tag.Kind), "workflow", wf.def.Name, "step", step.Number, "text", rendered)
		return nil

	case TagAsk, TagElicitRequired:
		if e.yolo {
			return nil
		}
		question, err := e.render(tag.Body, st.Variables)
		if err != nil {
			return err
		}
		return e.decide(ctx, wf, st, step, question)

	case TagTemplateOutput:
		rendered, err := e.render(tag.Body, st.Variables)
		if err != nil {
			return err
		}
		if !e.yolo {
			question := fmt.Sprintf("Approve generated output for %s?", tag.File)
			if err := e.decide(ctx, wf, st, step, question); err != nil {
				return err
			}
		}
		return e.writeOutput(wf, st, tag.File, rendered)

	case TagCheck:
		ok, err := EvaluateCondition(tag.Condition, st.Variables)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, child := range tag.Children {
			if err := e.execTag(ctx, wf, st, step, child, depth); err != nil {
				return err
			}
		}
		return nil

	case TagInvokeWorkflow:
		if depth+1 >= maxInvokeDepth {
			return retry.NewError(retry.KindWorkflowExecution,
				"invoke-workflow nesting exceeds %d levels", maxInvokeDepth)
		}
		path, err := wf.resolver.ResolvePath(tag.Path)
		if err != nil {
			return err
		}
		nested, err := e.prepare(path)
		if err != nil {
			return err
		}
		// The nested workflow shares the variable scope; its variables
		// fill gaps without clobbering the parent's.
		for k, v := range nested.def.Variables {
			if _, exists := st.Variables[k]; !exists {
				st.Variables[k] = v
			}
		}
		e.logger.Info("invoking nested workflow",
			"parent", wf.def.Name, "child", nested.def.Name)
		return e.runSteps(ctx, nested, st, false, depth+1)

	default:
		return retry.NewError(retry.KindWorkflowExecution, "unknown tag kind %q", tag.Kind)
	}
}

// render substitutes {{placeholders}} in step content, converting
// template failures into execution errors.
func (e *Engine) render(content string, vars map[string]any) (string, error) {
	rendered, err := template.Render(content, vars, e.strict)
	if err != nil {
		return "", retry.WrapError(retry.KindWorkflowExecution, err)
	}
	return rendered, nil
}

// decide routes a prompt through the Decision Engine and, when the
// answer lacks confidence, pauses on a durable escalation until a human
// responds.
func (e *Engine) decide(ctx context.Context, wf *loadedWorkflow, st *state.WorkflowState,
	step *Step, question string) error {
	d, err := e.decisions.Decide(ctx, question, map[string]any{
		"workflow":  wf.def.Name,
		"step":      step.Number,
		"step_goal": step.Goal,
	})
	if err != nil {
		return retry.WrapError(retry.KindWorkflowExecution, err)
	}

	if !d.Escalated() {
		e.logger.Info("question answered autonomously",
			"workflow", wf.def.Name, "step", step.Number,
			"confidence", d.Confidence, "source", d.Source)
		st.Variables["last_decision"] = d.Decision
		return nil
	}

	id, err := e.escalations.Add(&escalation.Escalation{
		WorkflowID: wf.def.Name,
		Step:       step.Number,
		Question:   question,
		Reasoning:  d.Reasoning,
		Confidence: d.Confidence,
		Context:    d.Context,
	})
	if err != nil {
		// Escalation persistence failures need human attention.
		return retry.WrapError(retry.KindFatal, err)
	}

	st.Status = state.StatusPaused
	if err := e.states.SaveState(st); err != nil {
		return err
	}
	e.logger.Warn("workflow paused on escalation",
		"workflow", wf.def.Name, "step", step.Number, "escalation_id", id)

	resolved, err := e.escalations.AwaitResolution(ctx, id)
	if err != nil {
		return retry.WrapError(retry.KindWorkflowExecution,
			fmt.Errorf("await escalation %s: %w", id, err))
	}

	st.Status = state.StatusRunning
	st.Variables["last_decision"] = resolved.Response
	if err := e.states.SaveState(st); err != nil {
		return err
	}
	e.logger.Info("escalation resolved, resuming",
		"workflow", wf.def.Name, "escalation_id", id)
	return nil
}

// writeOutput renders a template-output target into the workflow's
// output folder.
func (e *Engine) writeOutput(wf *loadedWorkflow, st *state.WorkflowState, file, content string) error {
	target, err := e.render(file, st.Variables)
	if err != nil {
		return err
	}
	if target == "" {
		return retry.NewError(retry.KindWorkflowExecution, "template-output requires a file attribute")
	}
	if !filepath.IsAbs(target) {
		base := wf.def.OutputFolder
		if base == "" {
			base = e.projectRoot
		}
		target = filepath.Join(base, target)
	}
	if err := fsutil.EnsureDir(filepath.Dir(target)); err != nil {
		return retry.WrapError(retry.KindFileWrite, err)
	}
	if err := fsutil.WriteFileAtomic(target, []byte(content), 0o644); err != nil {
		return retry.WrapError(retry.KindFileWrite, err)
	}
	e.logger.Info("template output written", "workflow", wf.def.Name, "file", target)
	return nil
}
