// Package handoff builds, validates, and persists agent handoff records.
//
// A handoff is created when a step completes successfully and its definition
// names a receiving agent. Records are written twice: a pretty JSON file per
// record under the handoffs directory (the artifact agents read) and a row
// in the SQLite registry (the queryable index).
package handoff

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/workflow"
)

// Catalog answers whether an agent id is known. The agent package provides
// directory-backed and static implementations.
type Catalog interface {
	Exists(agentID string) bool
}

// Generator builds handoff records from completed steps.
type Generator struct {
	clk clock.Clock
}

// NewGenerator returns a Generator stamping timestamps from clk.
func NewGenerator(clk clock.Clock) *Generator {
	return &Generator{clk: clk}
}

// Generate builds a pending handoff record for a successfully completed
// step. The caller is responsible for only invoking it when the step names
// a receiving agent and its handoff mode is not "never".
//
// Record fields are sourced from the step execution's output where present,
// falling back to the step definition: work_summary from output "summary"
// else the step description, notes from output "notes" else the handoff
// criteria.
func (g *Generator) Generate(step *workflow.Step, stepExec *workflow.StepExecution) *workflow.HandoffRecord {
	rec := &workflow.HandoffRecord{
		HandoffID:    uuid.NewString(),
		FromAgent:    step.AgentID,
		ToAgent:      step.HandoffTo,
		Timestamp:    g.clk.NowISO(),
		Type:         recordType(step.HandoffMode),
		Status:       workflow.HandoffPending,
		WorkSummary:  step.Description,
		Deliverables: []string{},
		Blockers:     []string{},
		Notes:        step.HandoffCriteria,
	}
	if rec.FromAgent == "" {
		rec.FromAgent = "unknown"
	}

	if stepExec != nil && stepExec.OutputData != nil {
		out := stepExec.OutputData
		if s, ok := out["summary"].(string); ok && s != "" {
			rec.WorkSummary = s
		}
		rec.Deliverables = stringList(out["deliverables"])
		rec.Blockers = stringList(out["blockers"])
		if n, ok := out["notes"].(string); ok && n != "" {
			rec.Notes = n
		}
	}
	return rec
}

// recordType maps the step's handoff mode onto the persisted record type.
// Only on_error is distinguished; the rest are standard handoffs.
func recordType(mode workflow.HandoffMode) workflow.HandoffType {
	if mode == workflow.HandoffOnError {
		return workflow.HandoffErrorRecovery
	}
	return workflow.HandoffStandard
}

// stringList coerces an output value into a string slice. Scalars become a
// one-element list; anything unrecognized becomes empty.
func stringList(v any) []string {
	switch val := v.(type) {
	case nil:
		return []string{}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if val == "" {
			return []string{}
		}
		return []string{val}
	default:
		return []string{fmt.Sprint(val)}
	}
}

// Validate checks a record against the catalog and the enum/format rules.
// All problems are collected and returned as one error; nil means valid.
func Validate(rec *workflow.HandoffRecord, catalog Catalog) error {
	var problems []string

	if rec.HandoffID == "" {
		problems = append(problems, "handoff_id is required")
	} else if _, err := uuid.Parse(rec.HandoffID); err != nil {
		problems = append(problems, fmt.Sprintf("handoff_id %q is not a valid UUID", rec.HandoffID))
	}

	if rec.FromAgent == "" {
		problems = append(problems, "from_agent is required")
	} else if catalog != nil && rec.FromAgent != "unknown" && !catalog.Exists(rec.FromAgent) {
		problems = append(problems, fmt.Sprintf("from_agent %q not found in agent catalog", rec.FromAgent))
	}

	if rec.ToAgent == "" {
		problems = append(problems, "to_agent is required")
	} else if catalog != nil && !catalog.Exists(rec.ToAgent) {
		problems = append(problems, fmt.Sprintf("to_agent %q not found in agent catalog", rec.ToAgent))
	}

	if rec.Timestamp == "" {
		problems = append(problems, "timestamp is required")
	} else if _, err := clock.ParseISO(rec.Timestamp); err != nil {
		problems = append(problems, fmt.Sprintf("timestamp %q is not valid ISO-8601", rec.Timestamp))
	}

	if rec.Type == "" {
		problems = append(problems, "handoff_type is required")
	} else if !validType(rec.Type) {
		problems = append(problems, fmt.Sprintf("handoff_type %q is not one of %v", rec.Type, workflow.ValidHandoffTypes))
	}

	if rec.Status == "" {
		problems = append(problems, "status is required")
	} else if !ValidStatus(rec.Status) {
		problems = append(problems, fmt.Sprintf("status %q is not one of %v", rec.Status, workflow.ValidHandoffStatuses))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("handoff: invalid record: %s", strings.Join(problems, "; "))
}

func validType(t workflow.HandoffType) bool {
	for _, v := range workflow.ValidHandoffTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is an accepted handoff status.
func ValidStatus(s workflow.HandoffStatus) bool {
	for _, v := range workflow.ValidHandoffStatuses {
		if s == v {
			return true
		}
	}
	return false
}
