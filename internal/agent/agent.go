// Package agent defines how Loom talks to the agents that execute workflow
// steps. An Invoker runs one request against one agent; a Catalog answers
// whether an agent id is known. The package ships a subprocess-backed
// invoker for configured agent commands and a mock invoker for tests and
// dry runs.
package agent

import (
	"context"
	"errors"
	"regexp"
)

// agentIDRe validates agent ids: lowercase alphanumerics and hyphens.
var agentIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ErrUnknownAgent is returned when an invoker is asked for an agent it has
// no way to run.
var ErrUnknownAgent = errors.New("unknown agent")

// ResultStatus is the outcome an agent reports for one invocation.
type ResultStatus string

const (
	// ResultSuccess means the agent finished the work.
	ResultSuccess ResultStatus = "success"

	// ResultHandoff means the agent finished its share and expects the
	// output to be handed to another agent.
	ResultHandoff ResultStatus = "handoff"

	// ResultFailed means the agent could not complete the work.
	ResultFailed ResultStatus = "failed"

	// ResultBlocked means the agent is waiting on something external.
	ResultBlocked ResultStatus = "blocked"
)

// InvokeRequest is one unit of work sent to an agent.
type InvokeRequest struct {
	// AgentID names the agent to run.
	AgentID string `json:"agent_id"`

	// RequestID correlates the invocation with its execution.
	RequestID string `json:"request_id"`

	// WorkflowID names the workflow the step belongs to.
	WorkflowID string `json:"workflow_id"`

	// Input is the step's input data plus the executor's context keys
	// (execution_id, workflow_id, step_id).
	Input map[string]any `json:"input_data"`
}

// InvokeResult is what an agent reports back.
type InvokeResult struct {
	// Status is the agent-reported outcome.
	Status ResultStatus `json:"status"`

	// Output carries the agent's structured output (summary, deliverables,
	// blockers, notes, and anything domain-specific).
	Output map[string]any `json:"output_data,omitempty"`

	// Error describes the failure when Status is failed.
	Error string `json:"error,omitempty"`

	// DurationMS is the agent-side wall time, when reported.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Invoker executes agent requests. Implementations must honor context
// cancellation; the step executor enforces timeouts through it.
type Invoker interface {
	Execute(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// ValidID reports whether id is an acceptable agent identifier.
func ValidID(id string) bool {
	return agentIDRe.MatchString(id)
}
