package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loomhq/loom/internal/jsonutil"
	"github.com/loomhq/loom/internal/logging"
)

// Compile-time check that CommandInvoker implements Invoker.
var _ Invoker = (*CommandInvoker)(nil)

// CommandSpec configures how one agent id is executed.
type CommandSpec struct {
	// Command is the executable, optionally with arguments.
	Command string

	// WorkDir is the subprocess working directory; empty means inherit.
	WorkDir string
}

// CommandInvoker runs agents as subprocesses. The request is written to the
// agent's stdin as JSON; the agent's stdout is scanned for a JSON result
// object (code fences and surrounding chatter are tolerated).
type CommandInvoker struct {
	commands map[string]CommandSpec
	logger   *log.Logger
}

// NewCommandInvoker returns an invoker for the configured agent commands.
func NewCommandInvoker(commands map[string]CommandSpec) *CommandInvoker {
	return &CommandInvoker{
		commands: commands,
		logger:   logging.New("agent"),
	}
}

// Execute runs the agent's configured command. Cancellation kills the
// subprocess. A nonzero exit or unparseable output yields a failed result
// rather than a transport error so the step layer can classify it.
func (c *CommandInvoker) Execute(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	spec, ok := c.commands[req.AgentID]
	if !ok || spec.Command == "" {
		return nil, fmt.Errorf("agent: no command configured for %q: %w", req.AgentID, ErrUnknownAgent)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agent: encoding request for %q: %w", req.AgentID, err)
	}

	parts := strings.Fields(spec.Command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking agent",
		"agent_id", req.AgentID,
		"command", parts[0],
		"request_id", req.RequestID,
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("agent: %q: %w", req.AgentID, ctx.Err())
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return &InvokeResult{
			Status:     ResultFailed,
			Error:      fmt.Sprintf("agent command failed: %s", msg),
			DurationMS: duration,
		}, nil
	}

	var result InvokeResult
	if err := jsonutil.ExtractInto(stdout.String(), &result); err != nil {
		return &InvokeResult{
			Status:     ResultFailed,
			Error:      fmt.Sprintf("agent output is not valid JSON: %v", err),
			DurationMS: duration,
		}, nil
	}
	if result.Status == "" {
		result.Status = ResultSuccess
	}
	if result.DurationMS == 0 {
		result.DurationMS = duration
	}
	return &result, nil
}
