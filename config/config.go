// Package config provides configuration loading and management for
// Conductor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Conductor configuration
type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Model      ModelConfig      `yaml:"model"`
	Agents     AgentsConfig     `yaml:"agents"`
	State      StateConfig      `yaml:"state"`
	Escalation EscalationConfig `yaml:"escalation"`
	Onboarding OnboardingConfig `yaml:"onboarding"`
	Retry      RetryConfig      `yaml:"retry"`

	// Yolo auto-approves every prompt and skips optional steps.
	Yolo bool `yaml:"yolo"`
}

// ProjectConfig identifies the project being orchestrated
type ProjectConfig struct {
	// Root is the project root path (auto-detected from git if empty)
	Root string `yaml:"root"`
	// ID keys the durable workflow state
	ID string `yaml:"id"`
	// Name is the human-readable project name
	Name string `yaml:"name"`
	// Level is the methodology scale level (optional)
	Level string `yaml:"level"`
}

// ModelConfig configures the LLM settings
type ModelConfig struct {
	// Name is the model to use (e.g. "qwen2.5-coder:32b")
	Name string `yaml:"name"`
	// Endpoint is an OpenAI-compatible API endpoint
	Endpoint string `yaml:"endpoint"`
	// APIKey authenticates against the endpoint (empty for local servers)
	APIKey string `yaml:"api_key"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
}

// AgentsConfig configures the agent pool
type AgentsConfig struct {
	// MaxConcurrent bounds simultaneously live agents
	MaxConcurrent int `yaml:"max_concurrent"`
	// HealthCheckInterval enables the hung-agent reaper when positive
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// MaxExecutionTime is the age past which the reaper destroys an agent
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
}

// StateConfig configures durable workflow state
type StateConfig struct {
	// Dir is the base directory for state files (default: project root)
	Dir string `yaml:"dir"`
}

// EscalationConfig configures the escalation queue
type EscalationConfig struct {
	// Dir holds the escalation records (default: <root>/escalations)
	Dir string `yaml:"dir"`
}

// OnboardingConfig configures the decision engine's document source
type OnboardingConfig struct {
	// Dir is the read-only onboarding docs directory (default: <root>/docs/onboarding)
	Dir string `yaml:"dir"`
}

// RetryConfig configures the retry handler
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	EnableJitter      bool          `yaml:"enable_jitter"`
	EnableRecovery    bool          `yaml:"enable_recovery"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Name:        "qwen2.5-coder:32b",
			Endpoint:    "http://localhost:11434/v1",
			Temperature: 0.2,
			Timeout:     3 * time.Minute,
		},
		Agents: AgentsConfig{
			MaxConcurrent: 2,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			EnableJitter:      true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Agents.MaxConcurrent < 1 {
		return fmt.Errorf("agents.max_concurrent must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}

// StateDir returns the configured state directory, falling back to the
// project root.
func (c *Config) StateDir() string {
	if c.State.Dir != "" {
		return c.State.Dir
	}
	return c.Project.Root
}

// EscalationDir returns the configured escalation directory, falling
// back to <root>/escalations.
func (c *Config) EscalationDir() string {
	if c.Escalation.Dir != "" {
		return c.Escalation.Dir
	}
	return filepath.Join(c.Project.Root, "escalations")
}

// OnboardingDir returns the configured onboarding docs directory,
// falling back to <root>/docs/onboarding.
func (c *Config) OnboardingDir() string {
	if c.Onboarding.Dir != "" {
		return c.Onboarding.Dir
	}
	return filepath.Join(c.Project.Root, "docs", "onboarding")
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Project
	if other.Project.Root != "" {
		c.Project.Root = other.Project.Root
	}
	if other.Project.ID != "" {
		c.Project.ID = other.Project.ID
	}
	if other.Project.Name != "" {
		c.Project.Name = other.Project.Name
	}
	if other.Project.Level != "" {
		c.Project.Level = other.Project.Level
	}

	// Model
	if other.Model.Name != "" {
		c.Model.Name = other.Model.Name
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.APIKey != "" {
		c.Model.APIKey = other.Model.APIKey
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// Agents
	if other.Agents.MaxConcurrent != 0 {
		c.Agents.MaxConcurrent = other.Agents.MaxConcurrent
	}
	if other.Agents.HealthCheckInterval != 0 {
		c.Agents.HealthCheckInterval = other.Agents.HealthCheckInterval
	}
	if other.Agents.MaxExecutionTime != 0 {
		c.Agents.MaxExecutionTime = other.Agents.MaxExecutionTime
	}

	// Directories
	if other.State.Dir != "" {
		c.State.Dir = other.State.Dir
	}
	if other.Escalation.Dir != "" {
		c.Escalation.Dir = other.Escalation.Dir
	}
	if other.Onboarding.Dir != "" {
		c.Onboarding.Dir = other.Onboarding.Dir
	}

	// Retry
	if other.Retry.MaxRetries != 0 {
		c.Retry.MaxRetries = other.Retry.MaxRetries
	}
	if other.Retry.InitialDelay != 0 {
		c.Retry.InitialDelay = other.Retry.InitialDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.EnableJitter {
		c.Retry.EnableJitter = true
	}
	if other.Retry.EnableRecovery {
		c.Retry.EnableRecovery = true
	}

	if other.Yolo {
		c.Yolo = true
	}
}
