package config

// NewDefaults returns a Config populated with all default values. A missing
// loom.toml yields exactly this configuration.
func NewDefaults() *Config {
	return &Config{
		Project: ProjectConfig{
			WorkflowsDir: "workflows",
			DataDir:      "data",
			AgentsDir:    "agents",
			HandoffsDir:  "handoffs",
			LogDir:       "logs",
		},
		Executor: ExecutorConfig{
			DefaultStepTimeoutSeconds: 3600,
			MaxRetryAttempts:          3,
			BackoffBase:               2,
			BackoffMaxSeconds:         60,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			TimeoutSeconds:   60,
		},
		Agents: map[string]AgentConfig{},
	}
}
