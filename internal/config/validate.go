package config

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/agent"
)

// Validate checks the configuration for problems. All findings are
// collected and returned as one error; nil means the config is usable.
func (c *Config) Validate() error {
	var problems []string

	if c.Project.WorkflowsDir == "" {
		problems = append(problems, "project.workflows_dir must not be empty")
	}
	if c.Project.DataDir == "" {
		problems = append(problems, "project.data_dir must not be empty")
	}

	if c.Executor.DefaultStepTimeoutSeconds <= 0 {
		problems = append(problems, fmt.Sprintf(
			"executor.default_step_timeout_seconds must be positive, got %d",
			c.Executor.DefaultStepTimeoutSeconds))
	}
	if c.Executor.MaxRetryAttempts <= 0 {
		problems = append(problems, fmt.Sprintf(
			"executor.max_retry_attempts must be positive, got %d",
			c.Executor.MaxRetryAttempts))
	}
	if c.Executor.BackoffBase <= 0 {
		problems = append(problems, fmt.Sprintf(
			"executor.backoff_base must be positive, got %v",
			c.Executor.BackoffBase))
	}
	if c.Executor.BackoffMaxSeconds <= 0 {
		problems = append(problems, fmt.Sprintf(
			"executor.backoff_max_seconds must be positive, got %d",
			c.Executor.BackoffMaxSeconds))
	}

	if c.Breaker.FailureThreshold <= 0 {
		problems = append(problems, fmt.Sprintf(
			"breaker.failure_threshold must be positive, got %d",
			c.Breaker.FailureThreshold))
	}
	if c.Breaker.TimeoutSeconds <= 0 {
		problems = append(problems, fmt.Sprintf(
			"breaker.timeout_seconds must be positive, got %d",
			c.Breaker.TimeoutSeconds))
	}

	for id := range c.Agents {
		if !agent.ValidID(id) {
			problems = append(problems, fmt.Sprintf(
				"agents.%s: id must be lowercase alphanumerics and hyphens", id))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
}
