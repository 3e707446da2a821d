// Package commands implements the conductor CLI subcommands: thin
// wrappers that assemble the orchestration components from configuration
// and call into them.
package commands

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmadhq/conductor/agentpool"
	"github.com/bmadhq/conductor/config"
	"github.com/bmadhq/conductor/decision"
	"github.com/bmadhq/conductor/escalation"
	"github.com/bmadhq/conductor/llm"
	"github.com/bmadhq/conductor/retry"
	"github.com/bmadhq/conductor/state"
	"github.com/bmadhq/conductor/workflow"
)

// App bundles the assembled orchestration components for one invocation.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	States    *state.Manager
	Queue     *escalation.Queue
	Decisions *decision.Engine
	Pool      *agentpool.Pool
	Engine    *workflow.Engine
}

// LoadConfig loads layered configuration, with an optional explicit file
// taking highest precedence.
func LoadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		explicit, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(explicit)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// NewApp assembles the component graph from configuration.
func NewApp(cfg *config.Config, logger *slog.Logger, yolo bool) *App {
	factory := llmFactory(cfg, logger)

	states := state.NewManager(cfg.StateDir(), state.WithLogger(logger))
	queue := escalation.NewQueue(cfg.EscalationDir(), escalation.WithLogger(logger))
	decisions := decision.NewEngine(mustClient(factory), cfg.OnboardingDir(),
		decision.WithLogger(logger))
	pool := agentpool.NewPool(agentpool.Config{
		ProjectRoot:           cfg.Project.Root,
		MaxConcurrentAgents:   cfg.Agents.MaxConcurrent,
		HealthCheckInterval:   cfg.Agents.HealthCheckInterval,
		MaxAgentExecutionTime: cfg.Agents.MaxExecutionTime,
	}, factory, agentpool.WithLogger(logger))

	var opts []workflow.EngineOption
	opts = append(opts, workflow.WithLogger(logger))
	if yolo || cfg.Yolo {
		opts = append(opts, workflow.WithYolo(true))
	}
	engine := workflow.NewEngine(cfg.Project.Root, states, decisions, queue, opts...)

	return &App{
		Config:    cfg,
		Logger:    logger,
		States:    states,
		Queue:     queue,
		Decisions: decisions,
		Pool:      pool,
		Engine:    engine,
	}
}

// Close releases long-lived resources.
func (a *App) Close() {
	a.Pool.Shutdown()
}

// Project returns the configured project identity.
func (a *App) Project() state.Project {
	return state.Project{
		ID:    a.Config.Project.ID,
		Name:  a.Config.Project.Name,
		Level: a.Config.Project.Level,
	}
}

func llmFactory(cfg *config.Config, logger *slog.Logger) llm.Factory {
	handler := retry.NewHandler(retry.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		EnableJitter:      cfg.Retry.EnableJitter,
		JitterPercent:     0.2,
		EnableRecovery:    cfg.Retry.EnableRecovery,
	}, retry.WithLogger(logger))

	return func(role string) (llm.Client, error) {
		client := llm.NewHTTPClient(llm.HTTPConfig{
			Endpoint:    cfg.Model.Endpoint,
			Model:       cfg.Model.Name,
			APIKey:      cfg.Model.APIKey,
			Temperature: cfg.Model.Temperature,
			Timeout:     cfg.Model.Timeout,
		}, llm.WithLogger(logger.With("role", role)))
		return llm.WithRetries(client, handler), nil
	}
}

func mustClient(factory llm.Factory) llm.Client {
	client, err := factory("decision")
	if err != nil {
		// The HTTP-backed factory never fails; only a custom factory can.
		panic(err)
	}
	return client
}

// resolvePath anchors a CLI path argument at the working directory.
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
