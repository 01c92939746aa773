// Package executor drives workflow executions: the StepExecutor runs a
// single step (agent call, script, condition, or manual gate) and the
// Executor orchestrates phases, persistence, handoffs, and recovery around
// it.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/recovery"
	"github.com/loomhq/loom/internal/workflow"
)

// scriptSafetyTimeout caps script steps regardless of their configured
// timeout so a runaway subprocess cannot hold an execution forever.
const scriptSafetyTimeout = 3600 * time.Second

// StepContext carries the identifiers a step needs from its enclosing
// execution.
type StepContext struct {
	ExecutionID string
	WorkflowID  string
	PhaseID     string
	Input       map[string]any
}

// StepExecutor runs one step to completion, emitting step lifecycle events
// along the way. It never returns an error: every failure mode is captured
// in the returned StepExecution's status.
type StepExecutor struct {
	invoker        agent.Invoker
	events         *eventlog.Log
	breakers       *recovery.BreakerSet
	clk            clock.Clock
	defaultTimeout int
	logger         *log.Logger
}

// NewStepExecutor wires a step executor. defaultTimeoutSeconds applies to
// steps without a timeout_seconds metadata entry; zero selects the model
// default of 3600.
func NewStepExecutor(invoker agent.Invoker, events *eventlog.Log, breakers *recovery.BreakerSet, clk clock.Clock, defaultTimeoutSeconds int) *StepExecutor {
	if defaultTimeoutSeconds <= 0 {
		defaultTimeoutSeconds = workflow.DefaultStepTimeoutSeconds
	}
	return &StepExecutor{
		invoker:        invoker,
		events:         events,
		breakers:       breakers,
		clk:            clk,
		defaultTimeout: defaultTimeoutSeconds,
		logger:         logging.New("step"),
	}
}

// Execute runs step and returns its execution record. The record's status
// is completed, failed, or paused (manual gates and blocked agents).
func (e *StepExecutor) Execute(ctx context.Context, step *workflow.Step, sc StepContext) *workflow.StepExecution {
	se := &workflow.StepExecution{
		StepID:     step.StepID,
		StepNumber: step.StepNumber,
		Name:       step.Name,
		StepType:   step.StepType,
		AgentID:    step.AgentID,
		Status:     workflow.StatusRunning,
		StartedAt:  e.clk.NowISO(),
	}

	started := workflow.NewEvent(workflow.EventStepStarted, sc.ExecutionID, sc.WorkflowID, workflow.EventStatusInProgress)
	started.StepID = step.StepID
	started.PhaseID = sc.PhaseID
	started.AgentID = step.AgentID
	e.events.SafeAppend(started)

	timeout := time.Duration(step.TimeoutSeconds(e.defaultTimeout)) * time.Second

	switch step.StepType {
	case workflow.StepTypeAgent:
		e.runAgent(ctx, step, sc, se, timeout)
	case workflow.StepTypeScript:
		e.runScript(ctx, step, se, timeout)
	case workflow.StepTypeCondition:
		// Conditions are a placeholder evaluation: the expression is
		// recorded and reported true so the workflow can proceed.
		se.Status = workflow.StatusCompleted
		se.OutputData = map[string]any{"condition_result": true}
	case workflow.StepTypeManual:
		// A manual gate suspends the execution. The gate clears when the
		// operator resumes with manual_approved in the input data.
		if approved, _ := sc.Input["manual_approved"].(bool); approved {
			se.Status = workflow.StatusCompleted
			se.OutputData = map[string]any{"approved": true}
		} else {
			se.Status = workflow.StatusPaused
		}
	}

	switch se.Status {
	case workflow.StatusCompleted:
		se.CompletedAt = e.clk.NowISO()
		se.DurationMS = workflow.Duration(se.StartedAt, se.CompletedAt)
		completed := workflow.NewEvent(workflow.EventStepCompleted, sc.ExecutionID, sc.WorkflowID, workflow.EventStatusSuccess)
		completed.StepID = step.StepID
		completed.PhaseID = sc.PhaseID
		completed.AgentID = step.AgentID
		completed.Data = map[string]any{"output": se.OutputData}
		e.events.SafeAppend(completed)
	case workflow.StatusFailed:
		se.CompletedAt = e.clk.NowISO()
		se.DurationMS = workflow.Duration(se.StartedAt, se.CompletedAt)
		failed := workflow.NewEvent(workflow.EventStepFailed, sc.ExecutionID, sc.WorkflowID, workflow.EventStatusFailed)
		failed.StepID = step.StepID
		failed.PhaseID = sc.PhaseID
		failed.AgentID = step.AgentID
		failed.Error = se.Error
		e.events.SafeAppend(failed)
	case workflow.StatusPaused:
		e.logger.Info("step paused awaiting external action",
			"step_id", step.StepID,
			"execution_id", sc.ExecutionID,
		)
	}

	return se
}

// runAgent dispatches the agent call to a worker goroutine and enforces the
// step timeout from outside. A timed-out worker is cancelled via context;
// its late result is discarded.
func (e *StepExecutor) runAgent(ctx context.Context, step *workflow.Step, sc StepContext, se *workflow.StepExecution, timeout time.Duration) {
	input := make(map[string]any, len(sc.Input)+len(step.InputData)+3)
	for k, v := range sc.Input {
		input[k] = v
	}
	for k, v := range step.InputData {
		input[k] = v
	}
	input["execution_id"] = sc.ExecutionID
	input["workflow_id"] = sc.WorkflowID
	input["step_id"] = step.StepID

	req := agent.InvokeRequest{
		AgentID:    step.AgentID,
		RequestID:  sc.ExecutionID,
		WorkflowID: sc.WorkflowID,
		Input:      input,
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *agent.InvokeResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err := e.breakers.Get(step.AgentID).Call(func() (any, error) {
			return e.invoker.Execute(callCtx, req)
		})
		result, _ := raw.(*agent.InvokeResult)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		se.Status = workflow.StatusFailed
		se.Error = fmt.Sprintf("Step timed out after %d seconds", int(timeout.Seconds()))
		return
	case out := <-done:
		if out.err != nil {
			se.Status = workflow.StatusFailed
			se.Error = out.err.Error()
			return
		}
		e.applyAgentResult(se, out.result)
	}
}

// applyAgentResult folds the agent-reported outcome into the step record.
func (e *StepExecutor) applyAgentResult(se *workflow.StepExecution, result *agent.InvokeResult) {
	if result == nil {
		se.Status = workflow.StatusFailed
		se.Error = "agent returned no result"
		return
	}
	se.OutputData = result.Output

	switch result.Status {
	case agent.ResultSuccess, agent.ResultHandoff:
		se.Status = workflow.StatusCompleted
	case agent.ResultBlocked:
		se.Status = workflow.StatusPaused
	default:
		se.Status = workflow.StatusFailed
		se.Error = result.Error
		if se.Error == "" {
			se.Error = fmt.Sprintf("agent reported status %q", result.Status)
		}
	}
}

// runScript spawns the step's script as a subprocess. The effective timeout
// is the step timeout capped by the script safety limit.
func (e *StepExecutor) runScript(ctx context.Context, step *workflow.Step, se *workflow.StepExecution, timeout time.Duration) {
	if step.ScriptPath == "" {
		se.Status = workflow.StatusFailed
		se.Error = "script step has no script path"
		return
	}
	if timeout > scriptSafetyTimeout {
		timeout = scriptSafetyTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, step.ScriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		se.Status = workflow.StatusFailed
		se.Error = fmt.Sprintf("Step timed out after %d seconds", int(timeout.Seconds()))
		return
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		se.Status = workflow.StatusFailed
		se.Error = fmt.Sprintf("script %s failed: %s", step.ScriptPath, msg)
		return
	}

	se.Status = workflow.StatusCompleted
	se.OutputData = map[string]any{
		"stdout":    stdout.String(),
		"exit_code": 0,
	}
}
