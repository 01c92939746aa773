package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/executor"
	"github.com/loomhq/loom/internal/handoff"
	"github.com/loomhq/loom/internal/recovery"
	"github.com/loomhq/loom/internal/state"
)

// runtime bundles the executor with the stores it owns, so commands can
// close everything when they are done.
type runtime struct {
	cfg      *config.Config
	executor *executor.Executor
	events   *eventlog.Log
	states   *state.Repository
	registry *handoff.Registry
	dlq      *recovery.DLQ
}

// Close releases the SQLite handles. Errors are joined into one.
func (r *runtime) Close() error {
	var errs []error
	if err := r.events.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.states.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("cli: closing stores: %v", errs)
	}
	return nil
}

// loadConfig loads and validates the configuration from --config, the
// working directory, or defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildRuntime assembles the full executor stack from the configuration.
// With mock set, agent calls are served by the scripted mock invoker
// instead of the configured agent commands.
func buildRuntime(mock bool) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	clk := clock.System()

	if err := os.MkdirAll(cfg.Project.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cli: creating data directory %q: %w", cfg.Project.DataDir, err)
	}

	events, err := eventlog.Open(cfg.EventLogPath(), clk)
	if err != nil {
		return nil, err
	}
	states, err := state.Open(cfg.StatePath(), clk)
	if err != nil {
		_ = events.Close()
		return nil, err
	}
	registry, err := handoff.OpenRegistry(cfg.RegistryPath(), clk)
	if err != nil {
		_ = events.Close()
		_ = states.Close()
		return nil, err
	}

	catalog := agent.NewDirCatalog(cfg.Project.AgentsDir, cfg.AgentIDs())
	store := handoff.NewStore(cfg.Project.HandoffsDir, catalog)
	dlq := recovery.NewDLQ(cfg.DLQPath(), clk)

	var invoker agent.Invoker
	if mock {
		invoker = agent.NewMockInvoker()
	} else {
		specs := make(map[string]agent.CommandSpec, len(cfg.Agents))
		for id, ac := range cfg.Agents {
			specs[id] = agent.CommandSpec{Command: ac.Command, WorkDir: ac.WorkDir}
		}
		retrier := recovery.NewRetrier(
			recovery.WithMaxAttempts(cfg.Executor.MaxRetryAttempts),
			recovery.WithBackoffBase(cfg.Executor.BackoffBase),
			recovery.WithMaxDelay(time.Duration(cfg.Executor.BackoffMaxSeconds)*time.Second),
		)
		invoker = agent.NewRetryingInvoker(agent.NewCommandInvoker(specs), retrier)
	}

	breakers := recovery.NewBreakerSet(recovery.BreakerConfig{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		Timeout:          cfg.Breaker.BreakerTimeout(),
	}, clk)
	steps := executor.NewStepExecutor(invoker, events, breakers, clk, cfg.Executor.DefaultStepTimeoutSeconds)

	x := executor.New(executor.Config{
		WorkflowsDir: cfg.Project.WorkflowsDir,
		Events:       events,
		States:       states,
		Registry:     registry,
		Handoffs:     store,
		DLQ:          dlq,
		Steps:        steps,
		Clock:        clk,
	})

	return &runtime{
		cfg:      cfg,
		executor: x,
		events:   events,
		states:   states,
		registry: registry,
		dlq:      dlq,
	}, nil
}
