package agent

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time check that MockInvoker implements Invoker.
var _ Invoker = (*MockInvoker)(nil)

// MockInvoker is a scripted Invoker for tests and dry runs. Results are
// queued per agent id and consumed in order; an agent with no scripted
// results succeeds with an empty output. All invocations are recorded.
type MockInvoker struct {
	mu      sync.Mutex
	scripts map[string][]scriptedResult
	calls   []InvokeRequest
}

type scriptedResult struct {
	result *InvokeResult
	err    error
}

// NewMockInvoker returns an empty mock.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{scripts: make(map[string][]scriptedResult)}
}

// Script queues a result for the next invocation of agentID.
func (m *MockInvoker) Script(agentID string, result *InvokeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[agentID] = append(m.scripts[agentID], scriptedResult{result: result})
}

// ScriptError queues a transport-level error for the next invocation.
func (m *MockInvoker) ScriptError(agentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[agentID] = append(m.scripts[agentID], scriptedResult{err: err})
}

// Execute returns the next scripted result for the agent, or a generic
// success when nothing is scripted. Context cancellation wins over scripts.
func (m *MockInvoker) Execute(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent: %q: %w", req.AgentID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	queue := m.scripts[req.AgentID]
	if len(queue) == 0 {
		return &InvokeResult{
			Status: ResultSuccess,
			Output: map[string]any{"summary": fmt.Sprintf("mock run of %s", req.AgentID)},
		}, nil
	}

	next := queue[0]
	m.scripts[req.AgentID] = queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.result, nil
}

// Calls returns a copy of every request seen so far, in order.
func (m *MockInvoker) Calls() []InvokeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InvokeRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of invocations of agentID.
func (m *MockInvoker) CallCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.calls {
		if call.AgentID == agentID {
			n++
		}
	}
	return n
}
