package workflow

import "time"

// Status describes the lifecycle state of an execution, phase execution, or
// step execution. String values are used (not iota) so they round-trip
// cleanly through JSON snapshots and the event journal.
type Status string

const (
	// StatusPending marks an execution created by Start but not yet running.
	StatusPending Status = "pending"

	// StatusRunning marks an execution, phase, or step currently in progress.
	StatusRunning Status = "running"

	// StatusPaused marks an execution suspended at a manual step, awaiting
	// an external resume.
	StatusPaused Status = "paused"

	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "completed"

	// StatusFailed is the failed terminal state.
	StatusFailed Status = "failed"

	// StatusCancelled is the operator-cancelled terminal state.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is a runtime instance of a workflow definition. It is persisted
// as a versioned state snapshot after every mutation and reconstructed from
// the snapshot on resume.
type Execution struct {
	// ExecutionID is a fresh UUID v4 allocated by Start.
	ExecutionID string `json:"execution_id"`

	// WorkflowID identifies the definition this execution runs.
	WorkflowID string `json:"workflow_id"`

	// WorkflowVersion is pinned at start time and never rewritten. A
	// mid-flight workflow upgrade requires a fresh execution.
	WorkflowVersion string `json:"workflow_version"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// StartedAt is the ISO-8601 Z timestamp stamped by Start.
	StartedAt string `json:"started_at"`

	// CompletedAt is stamped when the execution reaches a terminal state.
	CompletedAt string `json:"completed_at,omitempty"`

	// DurationMS is CompletedAt minus StartedAt in milliseconds.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// CurrentPhaseID tracks the phase the executor is working through.
	CurrentPhaseID string `json:"current_phase_id,omitempty"`

	// CurrentStepID tracks the step the executor is working on.
	CurrentStepID string `json:"current_step_id,omitempty"`

	// InputData is the caller-supplied workflow input.
	InputData map[string]any `json:"input_data,omitempty"`

	// Error holds the failure or cancellation reason for terminal executions.
	Error string `json:"error,omitempty"`

	// PhaseExecutions mirrors the definition's phases in order.
	PhaseExecutions []*PhaseExecution `json:"phase_executions"`

	// Metadata carries auxiliary values such as "request_id" and the
	// definition fingerprint pinned at start.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PhaseExecution is the runtime record of a single phase.
type PhaseExecution struct {
	PhaseID     string           `json:"phase_id"`
	PhaseNumber int              `json:"phase_number"`
	Name        string           `json:"name,omitempty"`
	Status      Status           `json:"status"`
	StartedAt   string           `json:"started_at,omitempty"`
	CompletedAt string           `json:"completed_at,omitempty"`
	DurationMS  int64            `json:"duration_ms,omitempty"`
	Error       string           `json:"error,omitempty"`
	Steps       []*StepExecution `json:"step_executions"`
}

// StepExecution is the runtime record of a single step attempt. On resume a
// failed attempt may be superseded by a fresh one; the latest attempt with a
// given StepID is authoritative.
type StepExecution struct {
	StepID      string         `json:"step_id"`
	StepNumber  int            `json:"step_number"`
	Name        string         `json:"name,omitempty"`
	StepType    StepType       `json:"step_type,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      Status         `json:"status"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	OutputData  map[string]any `json:"output_data,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewExecution creates a pending execution for the given definition with the
// pinned version and start timestamp. The phase execution list starts empty;
// phases are appended as the executor reaches them.
func NewExecution(executionID string, def *Definition, version, startedAt string) *Execution {
	exec := &Execution{
		ExecutionID:     executionID,
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: version,
		Status:          StatusPending,
		StartedAt:       startedAt,
		InputData:       map[string]any{},
		PhaseExecutions: []*PhaseExecution{},
		Metadata:        map[string]any{},
	}
	if len(def.Phases) > 0 {
		exec.CurrentPhaseID = def.Phases[0].PhaseID
	}
	return exec
}

// Phase returns the phase execution with the given id, or nil.
func (e *Execution) Phase(phaseID string) *PhaseExecution {
	for _, pe := range e.PhaseExecutions {
		if pe.PhaseID == phaseID {
			return pe
		}
	}
	return nil
}

// CompletedStepIDs returns the set of step ids whose latest recorded state
// is completed, across all phase executions. The executor uses this set to
// gate re-execution on resume.
func (e *Execution) CompletedStepIDs() map[string]bool {
	done := make(map[string]bool)
	for _, pe := range e.PhaseExecutions {
		for _, se := range pe.Steps {
			if se.Status == StatusCompleted {
				done[se.StepID] = true
			} else {
				// A later non-completed attempt supersedes an earlier
				// completed one for the same step id.
				delete(done, se.StepID)
			}
		}
	}
	return done
}

// Duration returns the wall time between two ISO timestamps in milliseconds,
// or 0 when either endpoint is missing or unparseable.
func Duration(startedAt, completedAt string) int64 {
	start, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return 0
	}
	end, err := time.Parse(time.RFC3339Nano, completedAt)
	if err != nil {
		return 0
	}
	return end.Sub(start).Milliseconds()
}
