package workflow

// HandoffType classifies a persisted handoff record. It is mapped from the
// step's HandoffMode by the generator: on_error becomes error_recovery,
// everything else becomes standard. Escalation and collaboration are
// reserved for consumers that create handoffs directly.
type HandoffType string

const (
	HandoffStandard      HandoffType = "standard"
	HandoffEscalation    HandoffType = "escalation"
	HandoffCollaboration HandoffType = "collaboration"
	HandoffErrorRecovery HandoffType = "error_recovery"
)

// ValidHandoffTypes enumerates the accepted HandoffType values for validation.
var ValidHandoffTypes = []HandoffType{
	HandoffStandard,
	HandoffEscalation,
	HandoffCollaboration,
	HandoffErrorRecovery,
}

// HandoffStatus tracks a handoff through its consumer-side lifecycle. The
// engine only ever writes "pending"; later transitions belong to the
// consuming agent runtime via the registry's UpdateStatus.
type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "pending"
	HandoffInProgress HandoffStatus = "in_progress"
	HandoffComplete   HandoffStatus = "complete"
	HandoffBlocked    HandoffStatus = "blocked"
	HandoffFailed     HandoffStatus = "failed"
)

// ValidHandoffStatuses enumerates the accepted HandoffStatus values.
var ValidHandoffStatuses = []HandoffStatus{
	HandoffPending,
	HandoffInProgress,
	HandoffComplete,
	HandoffBlocked,
	HandoffFailed,
}

// HandoffRecord is a durable record of work transferred between agents.
type HandoffRecord struct {
	// HandoffID is a globally unique UUID v4.
	HandoffID string `json:"handoff_id"`

	// FromAgent is the agent that produced the work ("unknown" when the
	// originating step carried no agent id).
	FromAgent string `json:"from_agent"`

	// ToAgent is the agent receiving the work.
	ToAgent string `json:"to_agent"`

	// Timestamp is ISO-8601 Z from the Clock.
	Timestamp string `json:"timestamp"`

	// Type is the handoff classification.
	Type HandoffType `json:"handoff_type"`

	// Status starts as pending; consumers advance it.
	Status HandoffStatus `json:"status"`

	// WorkSummary describes the completed work being handed over.
	WorkSummary string `json:"work_summary"`

	// Deliverables lists concrete artifacts produced by the step.
	Deliverables []string `json:"deliverables"`

	// Blockers lists known impediments for the receiving agent.
	Blockers []string `json:"blockers"`

	// Notes carries free-text context, falling back to the step's handoff
	// criteria when the step output provides none.
	Notes string `json:"notes,omitempty"`
}
