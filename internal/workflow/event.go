package workflow

// EventType identifies the lifecycle milestone an Event records. The journal
// is the authoritative audit trail, so these string values are part of the
// on-disk contract and must not change.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventPhaseStarted      EventType = "phase_started"
	EventPhaseCompleted    EventType = "phase_completed"
	EventPhaseFailed       EventType = "phase_failed"
	EventPhaseResumed      EventType = "phase_resumed"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventHandoffCreated    EventType = "handoff_created"
)

// EventStatus qualifies the outcome recorded by an Event.
type EventStatus string

const (
	EventStatusInProgress EventStatus = "in_progress"
	EventStatusSuccess    EventStatus = "success"
	EventStatusFailed     EventStatus = "failed"
	EventStatusCancelled  EventStatus = "cancelled"
	EventStatusPending    EventStatus = "pending"
	EventStatusWarning    EventStatus = "warning"
)

// Event is one append-only record in the workflow journal.
type Event struct {
	// EventID is a UUID v4; the event log fills it when empty.
	EventID string `json:"event_id"`

	// Type is the lifecycle milestone.
	Type EventType `json:"event_type"`

	// ExecutionID identifies the execution the event belongs to.
	ExecutionID string `json:"execution_id"`

	// WorkflowID identifies the definition being executed.
	WorkflowID string `json:"workflow_id"`

	// Timestamp is ISO-8601 Z; the event log fills it from the Clock when empty.
	Timestamp string `json:"timestamp"`

	// StepID, PhaseID, and AgentID locate the event within the workflow.
	// Empty for workflow-level events.
	StepID  string `json:"step_id,omitempty"`
	PhaseID string `json:"phase_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`

	// Status qualifies the outcome (in_progress, success, failed, ...).
	Status EventStatus `json:"status"`

	// Data is a free bag of event-specific payload values.
	Data map[string]any `json:"data,omitempty"`

	// Error holds the failure message for *_failed events.
	Error string `json:"error,omitempty"`
}

// NewEvent builds an event with the common identifying fields set. EventID
// and Timestamp are left empty for the event log to fill on append.
func NewEvent(t EventType, executionID, workflowID string, status EventStatus) Event {
	return Event{
		Type:        t,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      status,
		Data:        map[string]any{},
	}
}
