// Package config loads and validates Loom's configuration from loom.toml.
package config

import "time"

// Config is the top-level configuration structure mapping to loom.toml.
type Config struct {
	Project  ProjectConfig          `toml:"project"`
	Executor ExecutorConfig         `toml:"executor"`
	Breaker  BreakerConfig          `toml:"breaker"`
	Agents   map[string]AgentConfig `toml:"agents"`
}

// ProjectConfig maps to the [project] section in loom.toml. All paths are
// relative to the config file's directory unless absolute.
type ProjectConfig struct {
	// WorkflowsDir holds the markdown workflow definitions.
	WorkflowsDir string `toml:"workflows_dir"`

	// DataDir holds the SQLite databases and the dead-letter queue.
	DataDir string `toml:"data_dir"`

	// AgentsDir is the agent catalog directory.
	AgentsDir string `toml:"agents_dir"`

	// HandoffsDir receives the per-handoff JSON artifacts.
	HandoffsDir string `toml:"handoffs_dir"`

	// LogDir receives log files when file logging is enabled.
	LogDir string `toml:"log_dir"`
}

// ExecutorConfig maps to the [executor] section.
type ExecutorConfig struct {
	DefaultStepTimeoutSeconds int     `toml:"default_step_timeout_seconds"`
	MaxRetryAttempts          int     `toml:"max_retry_attempts"`
	BackoffBase               float64 `toml:"backoff_base"`
	BackoffMaxSeconds         int     `toml:"backoff_max_seconds"`
}

// BreakerConfig maps to the [breaker] section.
type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	TimeoutSeconds   int `toml:"timeout_seconds"`
}

// BreakerTimeout returns the configured open-state cooldown as a Duration.
func (b BreakerConfig) BreakerTimeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// AgentConfig maps to an [agents.<id>] section. Configured agents are part
// of the catalog even without a definition file in the agents directory.
type AgentConfig struct {
	// Description is free text shown in listings.
	Description string `toml:"description"`

	// Command is the executable used to invoke the agent; empty means the
	// agent can only be run with the mock invoker.
	Command string `toml:"command"`

	// WorkDir is the subprocess working directory.
	WorkDir string `toml:"work_dir"`
}

// AgentIDs returns the configured agent ids.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	return ids
}
