package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/handoff"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/parser"
	"github.com/loomhq/loom/internal/recovery"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/workflow"
)

var (
	// ErrExecutionNotFound reports an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal reports an operation on an already-finished
	// execution.
	ErrExecutionTerminal = errors.New("execution already terminal")
)

// stateTypeExecution is the state repository type tag for execution snapshots.
const stateTypeExecution = "workflow_execution"

// fingerprintKey is the execution metadata key pinning the definition
// fingerprint at start time. Stored as a string: the value is an xxhash64
// and must survive a JSON round trip without float truncation.
const fingerprintKey = "definition_fingerprint"

// Config wires an Executor's collaborators.
type Config struct {
	WorkflowsDir string
	Events       *eventlog.Log
	States       *state.Repository
	Registry     *handoff.Registry
	Handoffs     *handoff.Store
	DLQ          *recovery.DLQ
	Steps        *StepExecutor
	Clock        clock.Clock
}

// Executor owns the in-memory map of active executions and drives them
// through their phases. One Executor instance exists per process; multiple
// executions may run concurrently, each serial step-by-step.
type Executor struct {
	workflowsDir string
	events       *eventlog.Log
	states       *state.Repository
	registry     *handoff.Registry
	handoffs     *handoff.Store
	gen          *handoff.Generator
	dlq          *recovery.DLQ
	steps        *StepExecutor
	clk          clock.Clock
	logger       *log.Logger

	mu        sync.Mutex
	active    map[string]*workflow.Execution
	snapshots map[string]*state.Snapshot
	defs      map[string]*workflow.Definition

	// persistMu serializes snapshot writes within the process so that a
	// Cancel racing an in-flight Execute cannot trip the optimistic lock
	// against itself. Cross-process writers still conflict as designed.
	persistMu sync.Mutex
}

// New assembles an Executor from its collaborators.
func New(cfg Config) *Executor {
	return &Executor{
		workflowsDir: cfg.WorkflowsDir,
		events:       cfg.Events,
		states:       cfg.States,
		registry:     cfg.Registry,
		handoffs:     cfg.Handoffs,
		gen:          handoff.NewGenerator(cfg.Clock),
		dlq:          cfg.DLQ,
		steps:        cfg.Steps,
		clk:          cfg.Clock,
		logger:       logging.New("executor"),
		active:       make(map[string]*workflow.Execution),
		snapshots:    make(map[string]*state.Snapshot),
		defs:         make(map[string]*workflow.Definition),
	}
}

// Workflows lists the parsed definitions in the workflows directory.
func (x *Executor) Workflows() ([]*workflow.Definition, error) {
	return parser.Discover(x.workflowsDir)
}

// Start creates a new pending execution of workflowID. The workflow version
// is pinned to versionOverride when non-empty, else to the definition's own
// version, and never changes for the execution's lifetime.
func (x *Executor) Start(workflowID string, input map[string]any, requestID, versionOverride string) (*workflow.Execution, error) {
	path, err := parser.Resolve(x.workflowsDir, workflowID)
	if err != nil {
		return nil, err
	}
	def, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}

	version := versionOverride
	if version == "" {
		version = def.Version
	}

	exec := workflow.NewExecution(uuid.NewString(), def, version, x.clk.NowISO())
	if input != nil {
		exec.InputData = input
	}
	if requestID != "" {
		exec.Metadata["request_id"] = requestID
	}
	exec.Metadata[fingerprintKey] = strconv.FormatUint(def.Fingerprint, 16)

	x.mu.Lock()
	x.active[exec.ExecutionID] = exec
	x.defs[exec.ExecutionID] = def
	x.mu.Unlock()

	if err := x.persist(exec); err != nil {
		return nil, err
	}

	started := workflow.NewEvent(workflow.EventWorkflowStarted, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusInProgress)
	started.Data = map[string]any{"workflow_version": version}
	x.events.SafeAppend(started)

	x.logger.Info("workflow started",
		"workflow_id", exec.WorkflowID,
		"execution_id", exec.ExecutionID,
		"version", version,
	)
	return exec, nil
}

// Execute runs a started execution through its phases in definition order.
// A failed phase fails the workflow; a paused step (manual gate, blocked
// agent) suspends it without error. The returned execution reflects the
// final state either way.
func (x *Executor) Execute(ctx context.Context, executionID string) (*workflow.Execution, error) {
	exec, err := x.Get(executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("executor: execute %s: %w", executionID, ErrExecutionTerminal)
	}
	def, err := x.definition(exec)
	if err != nil {
		return nil, err
	}

	exec.Status = workflow.StatusRunning
	if err := x.persist(exec); err != nil {
		return nil, err
	}

	for i := range def.Phases {
		phase := &def.Phases[i]
		if x.isCancelled(exec) {
			return exec, nil
		}

		pe, err := x.executePhase(ctx, exec, phase)
		if err != nil {
			return nil, err
		}

		switch pe.Status {
		case workflow.StatusFailed:
			reason := pe.Error
			if reason == "" {
				reason = fmt.Sprintf("Phase %q failed", phase.PhaseID)
			}
			return exec, x.failWorkflow(exec, reason, false)
		case workflow.StatusPaused:
			return exec, x.pauseWorkflow(exec)
		}
	}

	if x.isCancelled(exec) {
		return exec, nil
	}
	return exec, x.completeWorkflow(exec, false)
}

// Run is Start followed by Execute.
func (x *Executor) Run(ctx context.Context, workflowID string, input map[string]any, requestID, versionOverride string) (*workflow.Execution, error) {
	exec, err := x.Start(workflowID, input, requestID, versionOverride)
	if err != nil {
		return nil, err
	}
	return x.Execute(ctx, exec.ExecutionID)
}

// executePhase runs one phase's steps in order. The returned error is
// reserved for persistence failures; step and agent failures are captured
// in the phase execution's status.
func (x *Executor) executePhase(ctx context.Context, exec *workflow.Execution, phase *workflow.Phase) (*workflow.PhaseExecution, error) {
	pe := &workflow.PhaseExecution{
		PhaseID:     phase.PhaseID,
		PhaseNumber: phase.PhaseNumber,
		Name:        phase.Name,
		Status:      workflow.StatusRunning,
		StartedAt:   x.clk.NowISO(),
		Steps:       []*workflow.StepExecution{},
	}
	exec.PhaseExecutions = append(exec.PhaseExecutions, pe)
	exec.CurrentPhaseID = phase.PhaseID

	started := workflow.NewEvent(workflow.EventPhaseStarted, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusInProgress)
	started.PhaseID = phase.PhaseID
	x.events.SafeAppend(started)

	for i := range phase.Steps {
		step := &phase.Steps[i]
		if x.isCancelled(exec) {
			return pe, nil
		}

		exec.CurrentStepID = step.StepID
		se := x.steps.Execute(ctx, step, StepContext{
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			PhaseID:     phase.PhaseID,
			Input:       exec.InputData,
		})
		pe.Steps = append(pe.Steps, se)

		switch se.Status {
		case workflow.StatusPaused:
			pe.Status = workflow.StatusPaused
			return pe, x.persist(exec)
		case workflow.StatusFailed:
			pe.Status = workflow.StatusFailed
			pe.Error = se.Error
			failed := workflow.NewEvent(workflow.EventPhaseFailed, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusFailed)
			failed.PhaseID = phase.PhaseID
			failed.Error = se.Error
			failed.Data = map[string]any{
				"failed_step_id":  step.StepID,
				"steps_completed": len(pe.Steps) - 1,
			}
			x.events.SafeAppend(failed)
			return pe, x.persist(exec)
		}

		x.maybeHandoff(exec, step, se)
		if err := x.persist(exec); err != nil {
			return nil, err
		}
	}

	pe.Status = workflow.StatusCompleted
	pe.CompletedAt = x.clk.NowISO()
	pe.DurationMS = workflow.Duration(pe.StartedAt, pe.CompletedAt)

	completed := workflow.NewEvent(workflow.EventPhaseCompleted, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusSuccess)
	completed.PhaseID = phase.PhaseID
	x.events.SafeAppend(completed)

	return pe, x.persist(exec)
}

// maybeHandoff generates, saves, and registers a handoff for a successful
// step that names a receiving agent. Every failure here is logged and
// swallowed: the workflow is more important than its audit record.
func (x *Executor) maybeHandoff(exec *workflow.Execution, step *workflow.Step, se *workflow.StepExecution) {
	if step.HandoffTo == "" || step.HandoffMode == workflow.HandoffNever {
		return
	}

	rec := x.gen.Generate(step, se)
	path, err := x.handoffs.Save(rec)
	if err != nil {
		x.logger.Warn("handoff rejected, continuing workflow",
			"step_id", step.StepID,
			"execution_id", exec.ExecutionID,
			"error", err,
		)
		return
	}
	if err := x.registry.Register(rec, exec.ExecutionID, exec.WorkflowID); err != nil {
		x.logger.Warn("handoff registration failed, continuing workflow",
			"handoff_id", rec.HandoffID,
			"error", err,
		)
	}

	ev := workflow.NewEvent(workflow.EventHandoffCreated, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusSuccess)
	ev.StepID = step.StepID
	ev.AgentID = rec.FromAgent
	ev.Data = map[string]any{
		"handoff_id":   rec.HandoffID,
		"from_agent":   rec.FromAgent,
		"to_agent":     rec.ToAgent,
		"handoff_type": string(rec.Type),
		"handoff_path": path,
	}
	x.events.SafeAppend(ev)
}

// Resume re-enters a failed or paused execution, skipping every step whose
// latest attempt completed. Fresh attempts replace prior records for the
// same step id. Extra input is merged into the execution's input data
// before re-entry (manual gates clear on manual_approved).
func (x *Executor) Resume(ctx context.Context, executionID string, input map[string]any) (*workflow.Execution, error) {
	exec, err := x.Get(executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == workflow.StatusCompleted || exec.Status == workflow.StatusCancelled {
		return nil, fmt.Errorf("executor: resume %s: status %s: %w", executionID, exec.Status, ErrExecutionTerminal)
	}

	path, err := parser.Resolve(x.workflowsDir, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	def, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	x.checkFingerprint(exec, def)

	x.mu.Lock()
	x.active[executionID] = exec
	x.defs[executionID] = def
	x.mu.Unlock()

	if len(input) > 0 {
		if exec.InputData == nil {
			exec.InputData = map[string]any{}
		}
		for k, v := range input {
			exec.InputData[k] = v
		}
	}

	completed := exec.CompletedStepIDs()
	exec.Status = workflow.StatusRunning
	exec.Error = ""
	exec.CompletedAt = ""
	exec.DurationMS = 0
	if err := x.persist(exec); err != nil {
		return nil, err
	}

	for i := range def.Phases {
		phase := &def.Phases[i]

		if phaseFullyCompleted(phase, completed) {
			x.syncCompletedPhase(exec, phase)
			continue
		}

		pe, err := x.resumePhase(ctx, exec, phase, completed)
		if err != nil {
			return nil, err
		}

		switch pe.Status {
		case workflow.StatusFailed:
			reason := pe.Error
			if reason == "" {
				reason = fmt.Sprintf("Phase %q failed", phase.PhaseID)
			}
			return exec, x.failWorkflow(exec, reason, true)
		case workflow.StatusPaused:
			return exec, x.pauseWorkflow(exec)
		}
	}

	return exec, x.completeWorkflow(exec, true)
}

// resumePhase re-runs one phase, reusing its prior execution record when
// present.
func (x *Executor) resumePhase(ctx context.Context, exec *workflow.Execution, phase *workflow.Phase, completed map[string]bool) (*workflow.PhaseExecution, error) {
	completedInPhase := []string{}
	for i := range phase.Steps {
		if completed[phase.Steps[i].StepID] {
			completedInPhase = append(completedInPhase, phase.Steps[i].StepID)
		}
	}

	pe := exec.Phase(phase.PhaseID)
	if pe == nil {
		pe = &workflow.PhaseExecution{
			PhaseID:     phase.PhaseID,
			PhaseNumber: phase.PhaseNumber,
			Name:        phase.Name,
			Status:      workflow.StatusRunning,
			StartedAt:   x.clk.NowISO(),
			Steps:       []*workflow.StepExecution{},
		}
		exec.PhaseExecutions = append(exec.PhaseExecutions, pe)

		started := workflow.NewEvent(workflow.EventPhaseStarted, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusInProgress)
		started.PhaseID = phase.PhaseID
		started.Data = map[string]any{"completed_steps": completedInPhase}
		x.events.SafeAppend(started)
	} else {
		// Keep only the completed attempts; everything else is re-run.
		kept := pe.Steps[:0]
		for _, se := range pe.Steps {
			if se.Status == workflow.StatusCompleted {
				kept = append(kept, se)
			}
		}
		pe.Steps = kept
		pe.Status = workflow.StatusRunning
		pe.Error = ""
		pe.CompletedAt = ""
		pe.DurationMS = 0

		resumed := workflow.NewEvent(workflow.EventPhaseResumed, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusInProgress)
		resumed.PhaseID = phase.PhaseID
		resumed.Data = map[string]any{"completed_steps": completedInPhase}
		x.events.SafeAppend(resumed)
	}
	exec.CurrentPhaseID = phase.PhaseID

	for i := range phase.Steps {
		step := &phase.Steps[i]
		if completed[step.StepID] {
			continue
		}
		if x.isCancelled(exec) {
			return pe, nil
		}

		exec.CurrentStepID = step.StepID
		se := x.steps.Execute(ctx, step, StepContext{
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			PhaseID:     phase.PhaseID,
			Input:       exec.InputData,
		})

		replaceStep(pe, se)

		switch se.Status {
		case workflow.StatusPaused:
			pe.Status = workflow.StatusPaused
			return pe, x.persist(exec)
		case workflow.StatusFailed:
			pe.Status = workflow.StatusFailed
			pe.Error = se.Error
			failed := workflow.NewEvent(workflow.EventPhaseFailed, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusFailed)
			failed.PhaseID = phase.PhaseID
			failed.Error = se.Error
			failed.Data = map[string]any{
				"failed_step_id":  step.StepID,
				"steps_completed": len(completedInPhase),
			}
			x.events.SafeAppend(failed)
			return pe, x.persist(exec)
		}

		x.maybeHandoff(exec, step, se)
		if err := x.persist(exec); err != nil {
			return nil, err
		}
	}

	// Final status is computed from every remembered attempt, historical
	// and fresh alike.
	pe.Status = workflow.StatusCompleted
	for _, se := range pe.Steps {
		if se.Status == workflow.StatusFailed {
			pe.Status = workflow.StatusFailed
			pe.Error = se.Error
		}
	}
	if pe.Status == workflow.StatusCompleted {
		pe.CompletedAt = x.clk.NowISO()
		pe.DurationMS = workflow.Duration(pe.StartedAt, pe.CompletedAt)
		ev := workflow.NewEvent(workflow.EventPhaseCompleted, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusSuccess)
		ev.PhaseID = phase.PhaseID
		x.events.SafeAppend(ev)
	}
	return pe, x.persist(exec)
}

// replaceStep swaps in a fresh attempt for the step id and keeps the list
// ordered by step number.
func replaceStep(pe *workflow.PhaseExecution, se *workflow.StepExecution) {
	kept := pe.Steps[:0]
	for _, prior := range pe.Steps {
		if prior.StepID != se.StepID {
			kept = append(kept, prior)
		}
	}
	pe.Steps = append(kept, se)
	sort.SliceStable(pe.Steps, func(i, j int) bool {
		return pe.Steps[i].StepNumber < pe.Steps[j].StepNumber
	})
}

func phaseFullyCompleted(phase *workflow.Phase, completed map[string]bool) bool {
	if len(phase.Steps) == 0 {
		return true
	}
	for i := range phase.Steps {
		if !completed[phase.Steps[i].StepID] {
			return false
		}
	}
	return true
}

// syncCompletedPhase marks the phase completed, synthesizing an execution
// record when the snapshot predates it.
func (x *Executor) syncCompletedPhase(exec *workflow.Execution, phase *workflow.Phase) {
	pe := exec.Phase(phase.PhaseID)
	if pe == nil {
		pe = &workflow.PhaseExecution{
			PhaseID:     phase.PhaseID,
			PhaseNumber: phase.PhaseNumber,
			Name:        phase.Name,
			Steps:       []*workflow.StepExecution{},
		}
		exec.PhaseExecutions = append(exec.PhaseExecutions, pe)
	}
	pe.Status = workflow.StatusCompleted
}

// Cancel transitions a non-terminal execution to cancelled. It reports
// false when the execution has already finished; cancellation does not
// interrupt an in-flight step.
func (x *Executor) Cancel(executionID, reason string) (bool, error) {
	exec, err := x.Get(executionID)
	if err != nil {
		return false, err
	}

	x.mu.Lock()
	if exec.Status.Terminal() {
		x.mu.Unlock()
		return false, nil
	}
	exec.Status = workflow.StatusCancelled
	exec.Error = reason
	exec.CompletedAt = x.clk.NowISO()
	exec.DurationMS = workflow.Duration(exec.StartedAt, exec.CompletedAt)
	x.mu.Unlock()

	if err := x.persist(exec); err != nil {
		return false, err
	}

	ev := workflow.NewEvent(workflow.EventWorkflowCancelled, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusCancelled)
	ev.Error = reason
	ev.Data = map[string]any{
		"reason":      reason,
		"duration_ms": exec.DurationMS,
	}
	x.events.SafeAppend(ev)

	x.logger.Info("workflow cancelled",
		"execution_id", executionID,
		"reason", reason,
	)
	return true, nil
}

// Get returns the execution from the active map, falling back to the state
// repository for executions from earlier process lifetimes.
func (x *Executor) Get(executionID string) (*workflow.Execution, error) {
	x.mu.Lock()
	if exec, ok := x.active[executionID]; ok {
		x.mu.Unlock()
		return exec, nil
	}
	x.mu.Unlock()

	snap, err := x.states.Load(executionID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("executor: %s: %w", executionID, ErrExecutionNotFound)
	}
	if err != nil {
		return nil, err
	}

	exec, err := executionFromSnapshot(snap)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	x.active[executionID] = exec
	x.snapshots[executionID] = snap
	x.mu.Unlock()
	return exec, nil
}

// List returns known executions, optionally filtered to one workflow.
func (x *Executor) List(workflowID string) ([]*workflow.Execution, error) {
	summaries, err := x.states.List(stateTypeExecution, 0)
	if err != nil {
		return nil, err
	}

	var out []*workflow.Execution
	for _, sum := range summaries {
		exec, err := x.Get(sum.StateID)
		if err != nil {
			x.logger.Warn("skipping unreadable execution", "state_id", sum.StateID, "error", err)
			continue
		}
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

// completeWorkflow stamps the terminal success state and emits the
// completion event.
func (x *Executor) completeWorkflow(exec *workflow.Execution, resumed bool) error {
	exec.Status = workflow.StatusCompleted
	exec.CompletedAt = x.clk.NowISO()
	exec.DurationMS = workflow.Duration(exec.StartedAt, exec.CompletedAt)
	exec.CurrentStepID = ""

	ev := workflow.NewEvent(workflow.EventWorkflowCompleted, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusSuccess)
	ev.Data = map[string]any{"duration_ms": exec.DurationMS}
	if resumed {
		ev.Data["resumed"] = true
	}
	x.events.SafeAppend(ev)

	x.logger.Info("workflow completed",
		"execution_id", exec.ExecutionID,
		"duration_ms", exec.DurationMS,
	)
	return x.persist(exec)
}

// failWorkflow stamps the terminal failure state, emits the failure event,
// and dead-letters the execution for operator triage.
func (x *Executor) failWorkflow(exec *workflow.Execution, reason string, resumed bool) error {
	exec.Status = workflow.StatusFailed
	exec.Error = reason
	exec.CompletedAt = x.clk.NowISO()
	exec.DurationMS = workflow.Duration(exec.StartedAt, exec.CompletedAt)

	ev := workflow.NewEvent(workflow.EventWorkflowFailed, exec.ExecutionID, exec.WorkflowID, workflow.EventStatusFailed)
	ev.Error = reason
	ev.Data = map[string]any{}
	if resumed {
		ev.Data["resumed"] = true
	}
	x.events.SafeAppend(ev)

	x.deadLetter(exec, reason)

	x.logger.Error("workflow failed",
		"execution_id", exec.ExecutionID,
		"error", reason,
	)
	return x.persist(exec)
}

// pauseWorkflow persists the suspended posture without touching terminal
// fields; Resume picks the execution back up at the pausing step.
func (x *Executor) pauseWorkflow(exec *workflow.Execution) error {
	exec.Status = workflow.StatusPaused
	x.logger.Info("workflow paused",
		"execution_id", exec.ExecutionID,
		"step_id", exec.CurrentStepID,
	)
	return x.persist(exec)
}

// deadLetter pushes a DLQ entry keyed by the execution id. Attempts counts
// the recorded tries of the step the execution stopped on.
func (x *Executor) deadLetter(exec *workflow.Execution, reason string) {
	attempts := 0
	var agentID string
	for _, pe := range exec.PhaseExecutions {
		for _, se := range pe.Steps {
			if se.StepID == exec.CurrentStepID {
				attempts++
				agentID = se.AgentID
			}
		}
	}
	if attempts == 0 {
		attempts = 1
	}

	_, err := x.dlq.Add(recovery.FailedTask{
		TaskID:     exec.ExecutionID,
		AgentID:    agentID,
		WorkflowID: exec.WorkflowID,
		Error:      reason,
		Attempts:   attempts,
		Context: map[string]any{
			"execution_id": exec.ExecutionID,
			"phase_id":     exec.CurrentPhaseID,
			"step_id":      exec.CurrentStepID,
			"started_at":   exec.StartedAt,
		},
	})
	if err != nil {
		x.logger.Warn("dead-letter enqueue failed", "execution_id", exec.ExecutionID, "error", err)
	}
}

// persist saves the execution as a versioned snapshot. A version conflict
// is propagated: the caller owns the reload-and-retry decision.
func (x *Executor) persist(exec *workflow.Execution) error {
	x.persistMu.Lock()
	defer x.persistMu.Unlock()

	x.mu.Lock()
	snap, ok := x.snapshots[exec.ExecutionID]
	if !ok {
		snap = &state.Snapshot{
			StateID:   exec.ExecutionID,
			StateType: stateTypeExecution,
		}
		x.snapshots[exec.ExecutionID] = snap
	}
	x.mu.Unlock()

	data, err := executionToMap(exec)
	if err != nil {
		return err
	}
	snap.Data = data
	return x.states.Save(snap)
}

// definition returns the pinned definition for the execution, re-resolving
// from disk when the executor did not start it in this process.
func (x *Executor) definition(exec *workflow.Execution) (*workflow.Definition, error) {
	x.mu.Lock()
	def, ok := x.defs[exec.ExecutionID]
	x.mu.Unlock()
	if ok {
		return def, nil
	}

	path, err := parser.Resolve(x.workflowsDir, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	def, err = parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	x.checkFingerprint(exec, def)

	x.mu.Lock()
	x.defs[exec.ExecutionID] = def
	x.mu.Unlock()
	return def, nil
}

// checkFingerprint warns when the definition file drifted since the
// execution was started. The pinned version still applies; the warning
// tells the operator the file no longer matches it.
func (x *Executor) checkFingerprint(exec *workflow.Execution, def *workflow.Definition) {
	pinned, ok := exec.Metadata[fingerprintKey].(string)
	if !ok || pinned == "" {
		return
	}
	if current := strconv.FormatUint(def.Fingerprint, 16); current != pinned {
		x.logger.Warn("workflow definition changed since start",
			"workflow_id", exec.WorkflowID,
			"execution_id", exec.ExecutionID,
			"pinned_version", exec.WorkflowVersion,
		)
	}
}

func (x *Executor) isCancelled(exec *workflow.Execution) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return exec.Status == workflow.StatusCancelled
}

// executionToMap round-trips the execution through JSON so snapshots hold
// plain maps with the wire field names.
func executionToMap(exec *workflow.Execution) (map[string]any, error) {
	raw, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("executor: serializing execution %s: %w", exec.ExecutionID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("executor: reserializing execution %s: %w", exec.ExecutionID, err)
	}
	return m, nil
}

// executionFromSnapshot rebuilds the full execution from a snapshot's data.
func executionFromSnapshot(snap *state.Snapshot) (*workflow.Execution, error) {
	raw, err := json.Marshal(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("executor: decoding snapshot %s: %w", snap.StateID, err)
	}
	var exec workflow.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("executor: decoding snapshot %s: %w", snap.StateID, err)
	}
	return &exec, nil
}
