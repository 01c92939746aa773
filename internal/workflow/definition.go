// Package workflow defines Loom's core data model: parsed workflow
// definitions, runtime execution records, lifecycle events, and handoff
// records. The package is dependency-free (standard library only apart from
// time) so that every other component -- parser, stores, executor -- can
// share these types without import cycles.
package workflow

// StepType classifies how a step is executed. Unknown step types are a
// compile-time absence: the step executor dispatches with a switch over this
// enum and has a case for every constant below.
type StepType string

const (
	// StepTypeAgent invokes an AI agent through the AgentInvoker capability.
	StepTypeAgent StepType = "agent"

	// StepTypeScript spawns a subprocess from Step.ScriptPath.
	StepTypeScript StepType = "script"

	// StepTypeCondition evaluates a conditional expression and records the
	// boolean result in the step output.
	StepTypeCondition StepType = "condition"

	// StepTypeManual suspends the workflow until an operator resumes it.
	StepTypeManual StepType = "manual"
)

// HandoffMode controls whether a completed step generates a handoff record.
type HandoffMode string

const (
	// HandoffAlways generates a handoff after every successful run of the step.
	HandoffAlways HandoffMode = "always"

	// HandoffConditional generates a handoff when the step's handoff
	// criteria are met. The engine treats it like HandoffAlways and records
	// the criteria on the handoff for the consuming agent to evaluate.
	HandoffConditional HandoffMode = "conditional"

	// HandoffOnError generates an error-recovery handoff when the step fails.
	HandoffOnError HandoffMode = "on_error"

	// HandoffNever suppresses handoff generation for the step.
	HandoffNever HandoffMode = "never"
)

// Definition is a parsed, immutable workflow definition. It is produced by
// the parser from a markdown workflow file and never mutated at runtime.
type Definition struct {
	// WorkflowID is the stable slug derived from the source filename stem,
	// with hyphens mapped to underscores (e.g. "feature-dev.md" -> "feature_dev").
	WorkflowID string `json:"workflow_id"`

	// Name is the display name taken from the first H1 heading.
	Name string `json:"name"`

	// Description is the body of the "## Overview" section.
	Description string `json:"description"`

	// Version comes from the "**Version**:" metadata line; defaults to "1.0".
	Version string `json:"version"`

	// Status comes from the "**Status**:" metadata line; defaults to "Active".
	Status string `json:"status"`

	// Priority comes from the "**Priority**:" metadata line; defaults to "Standard".
	Priority string `json:"priority"`

	// LastUpdated is the raw value of the "**Last Updated**:" metadata line.
	LastUpdated string `json:"last_updated,omitempty"`

	// Phases is the ordered list of phases. Phase numbers are assigned
	// sequentially in encounter order starting at 1.
	Phases []Phase `json:"phases"`

	// Rules holds the optional "## Workflow Rules" section contents.
	Rules Rules `json:"rules"`

	// ErrorHandling is the raw body of the "## Error Handling" section.
	ErrorHandling string `json:"error_handling,omitempty"`

	// SuccessCriteria is the raw body of the "## Success Criteria" section.
	SuccessCriteria string `json:"success_criteria,omitempty"`

	// Metrics is the raw body of the "## Metrics" section.
	Metrics string `json:"metrics,omitempty"`

	// MermaidDiagram is the contents of the first ```mermaid fenced block.
	MermaidDiagram string `json:"mermaid_diagram,omitempty"`

	// SourcePath is the file the definition was parsed from.
	SourcePath string `json:"source_path,omitempty"`

	// Fingerprint is the xxhash64 of the normalized source content. The
	// executor records it at start time and warns on resume when the file
	// has drifted under a pinned version.
	Fingerprint uint64 `json:"fingerprint,omitempty"`
}

// Rules holds the subsections of "## Workflow Rules".
type Rules struct {
	MandatorySteps   []string `json:"mandatory_steps,omitempty"`
	ConditionalSteps []string `json:"conditional_steps,omitempty"`
	HandoffCriteria  []string `json:"handoff_criteria,omitempty"`
}

// Phase is an ordered container of steps sharing a lifecycle boundary.
type Phase struct {
	// PhaseID is "phase_<N>" where N is the 1-based sequential phase number.
	PhaseID string `json:"phase_id"`

	// PhaseNumber is 1-based and contiguous in encounter order. The number
	// written in the source heading is informational only.
	PhaseNumber int `json:"phase_number"`

	// Name is the phase name from the "### Phase N: Name (Duration)" heading.
	Name string `json:"name"`

	// Description is the free text between the phase heading and its first step.
	Description string `json:"description,omitempty"`

	// EstimatedDurationMinutes is parsed from the heading's duration suffix.
	// Nil when the duration is absent or unparseable.
	EstimatedDurationMinutes *int `json:"estimated_duration_minutes,omitempty"`

	// Steps is the ordered list of steps in this phase.
	Steps []Step `json:"steps"`
}

// Step is the smallest schedulable unit of work within a phase.
type Step struct {
	// StepID is unique within the workflow: "phase_<P>_step_<N>".
	StepID string `json:"step_id"`

	// StepNumber is the 1-based position of the step within its phase.
	StepNumber int `json:"step_number"`

	// Name is the bolded step name from the numbered list item.
	Name string `json:"name"`

	// Description is the text between this step line and the next step or
	// phase heading.
	Description string `json:"description,omitempty"`

	// StepType selects the execution strategy for this step.
	StepType StepType `json:"step_type"`

	// AgentID is the normalized agent slug for agent steps.
	AgentID string `json:"agent_id,omitempty"`

	// ScriptPath is the executable path for script steps.
	ScriptPath string `json:"script_path,omitempty"`

	// InputData is a free key/value bag merged into the agent invocation input.
	InputData map[string]any `json:"input_data,omitempty"`

	// HandoffTo names the target agent for a handoff generated after this step.
	HandoffTo string `json:"handoff_to,omitempty"`

	// HandoffMode controls handoff generation; defaults to HandoffNever
	// when no handoff target is present.
	HandoffMode HandoffMode `json:"handoff_type"`

	// HandoffCriteria is the free-text condition captured for conditional handoffs.
	HandoffCriteria string `json:"handoff_criteria,omitempty"`

	// Mandatory marks steps listed under "Mandatory Steps" in workflow rules.
	Mandatory bool `json:"is_mandatory"`

	// Conditions holds conditional branches extracted from "{...?}" expressions.
	Conditions []Condition `json:"conditions,omitempty"`

	// Metadata carries per-step settings such as "timeout_seconds".
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Condition is a conditional branch extracted from a step description.
type Condition struct {
	// Expression is the raw text inside the braces, without the trailing "?".
	Expression string `json:"expression"`
}

// DefaultStepTimeoutSeconds is used when a step carries no explicit
// "timeout_seconds" metadata entry.
const DefaultStepTimeoutSeconds = 3600

// TimeoutSeconds returns the step's timeout in seconds, falling back to
// fallback when the metadata entry is absent or not a number. JSON decoding
// produces float64 for numbers, so both int and float64 are accepted.
func (s *Step) TimeoutSeconds(fallback int) int {
	if s.Metadata == nil {
		return fallback
	}
	switch v := s.Metadata["timeout_seconds"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}

// FindPhase returns the phase with the given id, or nil.
func (d *Definition) FindPhase(phaseID string) *Phase {
	for i := range d.Phases {
		if d.Phases[i].PhaseID == phaseID {
			return &d.Phases[i]
		}
	}
	return nil
}

// FindStep returns the step with the given id across all phases, or nil.
func (d *Definition) FindStep(stepID string) *Step {
	for i := range d.Phases {
		for j := range d.Phases[i].Steps {
			if d.Phases[i].Steps[j].StepID == stepID {
				return &d.Phases[i].Steps[j]
			}
		}
	}
	return nil
}

// StepCount returns the total number of steps across all phases.
func (d *Definition) StepCount() int {
	n := 0
	for i := range d.Phases {
		n += len(d.Phases[i].Steps)
	}
	return n
}
