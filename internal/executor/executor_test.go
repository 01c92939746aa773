package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/handoff"
	"github.com/loomhq/loom/internal/recovery"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/workflow"
)

const featureBuildMD = `# Feature Build

**Version**: 1.2

## Overview

Build and verify a feature end to end.

### Phase 1: Build (1 hour)

1. **Build API** → Backend Agent
   Hands off to Frontend Agent always.
2. **Build UI** → Frontend Agent

### Phase 2: Verify

1. **Review Output** → QA Agent
`

const signoffMD = `# Signoff

## Overview

A release gate.

### Phase 1: Approve

1. **Get Signoff** → Manual approval
2. **Announce Release** → Docs Agent
`

const emptyMD = `# Empty Flow

## Overview

Nothing to do.
`

type execHarness struct {
	x        *Executor
	mock     *agent.MockInvoker
	events   *eventlog.Log
	states   *state.Repository
	registry *handoff.Registry
	dlq      *recovery.DLQ
	clk      *clock.Fake

	root         string
	workflowsDir string
	dlqDir       string
}

func newExecHarness(t *testing.T) *execHarness {
	t.Helper()
	root := t.TempDir()
	workflowsDir := filepath.Join(root, "workflows")
	require.NoError(t, os.MkdirAll(workflowsDir, 0o755))
	for name, content := range map[string]string{
		"feature-build.md": featureBuildMD,
		"signoff.md":       signoffMD,
		"empty-flow.md":    emptyMD,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(workflowsDir, name), []byte(content), 0o644))
	}

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	events, err := eventlog.Open(filepath.Join(root, "events.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	states, err := state.Open(filepath.Join(root, "state.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	registry, err := handoff.OpenRegistry(filepath.Join(root, "registry.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	catalog := agent.StaticCatalog{"backend": true, "frontend": true, "qa": true, "docs": true}
	store := handoff.NewStore(filepath.Join(root, "handoffs"), catalog)
	dlqDir := filepath.Join(root, "dlq")
	dlq := recovery.NewDLQ(dlqDir, clk)

	mock := agent.NewMockInvoker()
	steps := NewStepExecutor(mock, events, recovery.NewBreakerSet(recovery.BreakerConfig{}, clk), clk, 0)

	x := New(Config{
		WorkflowsDir: workflowsDir,
		Events:       events,
		States:       states,
		Registry:     registry,
		Handoffs:     store,
		DLQ:          dlq,
		Steps:        steps,
		Clock:        clk,
	})
	return &execHarness{
		x: x, mock: mock, events: events, states: states, registry: registry,
		dlq: dlq, clk: clk, root: root, workflowsDir: workflowsDir, dlqDir: dlqDir,
	}
}

func (h *execHarness) eventTypes(t *testing.T, executionID string) []workflow.EventType {
	t.Helper()
	evs, err := h.events.Events(eventlog.Filter{ExecutionID: executionID})
	require.NoError(t, err)
	types := make([]workflow.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func (h *execHarness) findEvent(t *testing.T, executionID string, typ workflow.EventType) *workflow.Event {
	t.Helper()
	evs, err := h.events.Events(eventlog.Filter{ExecutionID: executionID, EventType: typ})
	require.NoError(t, err)
	require.NotEmpty(t, evs, "no %s event for %s", typ, executionID)
	return &evs[len(evs)-1]
}

func TestExecutor_Workflows(t *testing.T) {
	h := newExecHarness(t)

	defs, err := h.x.Workflows()
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "empty_flow", defs[0].WorkflowID)
	assert.Equal(t, "feature_build", defs[1].WorkflowID)
	assert.Equal(t, "signoff", defs[2].WorkflowID)
}

func TestExecutor_RunHappyPath(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Run(context.Background(), "feature_build", map[string]any{"ticket": "T-1"}, "", "")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Equal(t, "1.2", exec.WorkflowVersion)
	assert.NotEmpty(t, exec.CompletedAt)
	assert.Empty(t, exec.CurrentStepID)
	require.Len(t, exec.PhaseExecutions, 2)
	assert.Equal(t, workflow.StatusCompleted, exec.PhaseExecutions[0].Status)
	require.Len(t, exec.PhaseExecutions[0].Steps, 2)
	assert.Equal(t, workflow.StatusCompleted, exec.PhaseExecutions[1].Status)

	assert.Equal(t, []workflow.EventType{
		workflow.EventWorkflowStarted,
		workflow.EventPhaseStarted,
		workflow.EventStepStarted,
		workflow.EventStepCompleted,
		workflow.EventHandoffCreated,
		workflow.EventStepStarted,
		workflow.EventStepCompleted,
		workflow.EventPhaseCompleted,
		workflow.EventPhaseStarted,
		workflow.EventStepStarted,
		workflow.EventStepCompleted,
		workflow.EventPhaseCompleted,
		workflow.EventWorkflowCompleted,
	}, h.eventTypes(t, exec.ExecutionID))
}

func TestExecutor_RunPersistsVersionedSnapshot(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	snap, err := h.states.Load(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "workflow_execution", snap.StateType)
	assert.GreaterOrEqual(t, snap.Version, int64(2))
	assert.Equal(t, "completed", snap.Data["status"])
	assert.NotEmpty(t, snap.Checksum)
}

func TestExecutor_StartPinsVersionAndRequestID(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Start("feature_build", nil, "req-42", "9.9")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusPending, exec.Status)
	assert.Equal(t, "9.9", exec.WorkflowVersion)
	assert.Equal(t, "req-42", exec.Metadata["request_id"])

	started := h.findEvent(t, exec.ExecutionID, workflow.EventWorkflowStarted)
	assert.Equal(t, "9.9", started.Data["workflow_version"])
}

func TestExecutor_StartUnknownWorkflow(t *testing.T) {
	h := newExecHarness(t)

	_, err := h.x.Start("no_such_flow", nil, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_flow")
}

func TestExecutor_HandoffRecordedAndRegistered(t *testing.T) {
	h := newExecHarness(t)
	h.mock.Script("backend", &agent.InvokeResult{
		Status: agent.ResultSuccess,
		Output: map[string]any{"summary": "API ready", "deliverables": []any{"openapi.yaml"}},
	})

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	ev := h.findEvent(t, exec.ExecutionID, workflow.EventHandoffCreated)
	assert.Equal(t, "backend", ev.Data["from_agent"])
	assert.Equal(t, "frontend", ev.Data["to_agent"])
	assert.Equal(t, "standard", ev.Data["handoff_type"])

	path, ok := ev.Data["handoff_path"].(string)
	require.True(t, ok)
	_, err = os.Stat(path)
	require.NoError(t, err)

	entries, err := h.registry.Handoffs(handoff.RegistryFilter{ExecutionID: exec.ExecutionID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "API ready", entries[0].Record.WorkSummary)
	assert.Equal(t, []string{"openapi.yaml"}, entries[0].Record.Deliverables)
	assert.Equal(t, workflow.HandoffPending, entries[0].Record.Status)
}

func TestExecutor_StepFailureFailsWorkflowAndDeadLetters(t *testing.T) {
	h := newExecHarness(t)
	h.mock.Script("frontend", &agent.InvokeResult{Status: agent.ResultFailed, Error: "kaboom broke"})

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, "kaboom broke", exec.Error)

	failed := h.findEvent(t, exec.ExecutionID, workflow.EventPhaseFailed)
	assert.Equal(t, "phase_1_step_2", failed.Data["failed_step_id"])
	assert.Equal(t, float64(1), failed.Data["steps_completed"])
	h.findEvent(t, exec.ExecutionID, workflow.EventWorkflowFailed)

	// The dead-letter entry is keyed by the execution id.
	_, err = os.Stat(filepath.Join(h.dlqDir, exec.ExecutionID+".json"))
	require.NoError(t, err)

	tasks, err := h.dlq.Tasks(recovery.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, exec.ExecutionID, tasks[0].TaskID)
	assert.Equal(t, "frontend", tasks[0].AgentID)
	assert.Equal(t, recovery.CategorySystem, tasks[0].Category)
	assert.Equal(t, recovery.SeverityHigh, tasks[0].Severity)
	assert.True(t, tasks[0].CanRetry)
}

func TestExecutor_ResumeSkipsCompletedSteps(t *testing.T) {
	h := newExecHarness(t)
	h.mock.Script("frontend", &agent.InvokeResult{Status: agent.ResultFailed, Error: "kaboom"})

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, exec.Status)
	require.Equal(t, 1, h.mock.CallCount("backend"))

	// Frontend's queue is empty now, so the retry succeeds.
	resumed, err := h.x.Resume(context.Background(), exec.ExecutionID, nil)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, resumed.Status)
	assert.Empty(t, resumed.Error)
	assert.Equal(t, 1, h.mock.CallCount("backend"), "completed step must not re-run")
	assert.Equal(t, 2, h.mock.CallCount("frontend"))
	assert.Equal(t, 1, h.mock.CallCount("qa"))

	ev := h.findEvent(t, exec.ExecutionID, workflow.EventPhaseResumed)
	assert.Equal(t, "phase_1", ev.PhaseID)
	assert.Equal(t, []any{"phase_1_step_1"}, ev.Data["completed_steps"])

	done := h.findEvent(t, exec.ExecutionID, workflow.EventWorkflowCompleted)
	assert.Equal(t, true, done.Data["resumed"])

	// The failed attempt was replaced, not appended.
	phase := resumed.Phase("phase_1")
	require.NotNil(t, phase)
	require.Len(t, phase.Steps, 2)
	assert.Equal(t, workflow.StatusCompleted, phase.Steps[1].Status)
}

func TestExecutor_ResumeCompletedFails(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	_, err = h.x.Resume(context.Background(), exec.ExecutionID, nil)
	require.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestExecutor_ManualGatePausesAndResumes(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Run(context.Background(), "signoff", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusPaused, exec.Status)
	assert.Equal(t, "phase_1_step_1", exec.CurrentStepID)
	assert.Equal(t, 0, h.mock.CallCount("docs"))

	resumed, err := h.x.Resume(context.Background(), exec.ExecutionID, map[string]any{"manual_approved": true})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, resumed.Status)
	assert.Equal(t, 1, h.mock.CallCount("docs"))
	h.findEvent(t, exec.ExecutionID, workflow.EventWorkflowCompleted)
}

func TestExecutor_CancelPending(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Start("feature_build", nil, "", "")
	require.NoError(t, err)

	ok, err := h.x.Cancel(exec.ExecutionID, "superseded by v2 rollout")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, workflow.StatusCancelled, exec.Status)
	assert.NotEmpty(t, exec.CompletedAt)

	ev := h.findEvent(t, exec.ExecutionID, workflow.EventWorkflowCancelled)
	assert.Equal(t, "superseded by v2 rollout", ev.Data["reason"])

	// A second cancel is a no-op.
	ok, err = h.x.Cancel(exec.ExecutionID, "again")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.x.Execute(context.Background(), exec.ExecutionID)
	require.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestExecutor_GetUnknownExecution(t *testing.T) {
	h := newExecHarness(t)

	_, err := h.x.Get("11111111-1111-1111-1111-111111111111")
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecutor_GetFallsBackToSnapshot(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	// A fresh executor over the same stores stands in for a new process.
	other := New(Config{
		WorkflowsDir: h.workflowsDir,
		Events:       h.events,
		States:       h.states,
		Registry:     h.registry,
		Handoffs:     handoff.NewStore(filepath.Join(h.root, "handoffs"), nil),
		DLQ:          h.dlq,
		Steps:        NewStepExecutor(h.mock, h.events, recovery.NewBreakerSet(recovery.BreakerConfig{}, h.clk), h.clk, 0),
		Clock:        h.clk,
	})

	got, err := other.Get(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.ExecutionID, got.ExecutionID)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	require.Len(t, got.PhaseExecutions, 2)
	assert.Equal(t, "phase_1_step_1", got.PhaseExecutions[0].Steps[0].StepID)
}

func TestExecutor_List(t *testing.T) {
	h := newExecHarness(t)

	a, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	_, err = h.x.Run(context.Background(), "empty_flow", nil, "", "")
	require.NoError(t, err)

	all, err := h.x.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	builds, err := h.x.List("feature_build")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, a.ExecutionID, builds[0].ExecutionID)
}

func TestExecutor_ZeroPhaseWorkflowCompletesImmediately(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Run(context.Background(), "empty_flow", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Empty(t, exec.PhaseExecutions)
	assert.Equal(t, []workflow.EventType{
		workflow.EventWorkflowStarted,
		workflow.EventWorkflowCompleted,
	}, h.eventTypes(t, exec.ExecutionID))
}

func TestExecutor_NoHandoffWithoutTarget(t *testing.T) {
	h := newExecHarness(t)

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	evs, err := h.events.Events(eventlog.Filter{
		ExecutionID: exec.ExecutionID,
		EventType:   workflow.EventHandoffCreated,
	})
	require.NoError(t, err)
	assert.Len(t, evs, 1, "only the step that names a receiver hands off")
}

func TestExecutor_InvalidHandoffDoesNotFailWorkflow(t *testing.T) {
	h := newExecHarness(t)

	// A catalog without "frontend" rejects the generated handoff record.
	strict := handoff.NewStore(filepath.Join(h.root, "strict-handoffs"), agent.StaticCatalog{"backend": true})
	h.x.handoffs = strict

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	evs, err := h.events.Events(eventlog.Filter{
		ExecutionID: exec.ExecutionID,
		EventType:   workflow.EventHandoffCreated,
	})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestExecutor_SingleStartAndTerminalEvent(t *testing.T) {
	h := newExecHarness(t)
	h.mock.Script("backend", &agent.InvokeResult{Status: agent.ResultFailed, Error: "kaboom"})

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, exec.Status)
	_, err = h.x.Resume(context.Background(), exec.ExecutionID, nil)
	require.NoError(t, err)

	types := h.eventTypes(t, exec.ExecutionID)
	starts, terminals := 0, 0
	for _, typ := range types {
		switch typ {
		case workflow.EventWorkflowStarted:
			starts++
		case workflow.EventWorkflowCompleted, workflow.EventWorkflowCancelled:
			terminals++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, terminals)
}

func TestExecutor_ExecuteUnknownExecution(t *testing.T) {
	h := newExecHarness(t)

	_, err := h.x.Execute(context.Background(), "missing")
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecutor_FailureReasonPropagates(t *testing.T) {
	h := newExecHarness(t)
	h.mock.Script("backend", &agent.InvokeResult{Status: agent.ResultFailed})

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "failed")
	ev := h.findEvent(t, exec.ExecutionID, workflow.EventWorkflowFailed)
	assert.Equal(t, exec.Error, ev.Error)
}

func TestExecutor_RunErrorsAreNotTransportErrors(t *testing.T) {
	h := newExecHarness(t)
	h.mock.ScriptError("backend", errors.New("kaboom: socket gone"))

	exec, err := h.x.Run(context.Background(), "feature_build", nil, "", "")
	require.NoError(t, err, "agent failures fail the workflow, not the call")
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "kaboom")
}
