package e2e_test

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// testProject is an isolated project directory with a loom.toml, a built
// loom binary, and helpers to lay out workflows and agent scripts.
type testProject struct {
	Dir        string
	BinaryPath string
	t          *testing.T
}

// newTestProject builds the loom binary into a fresh temp directory and
// creates the standard project layout (workflows/, agents/, bin/).
func newTestProject(t *testing.T) *testProject {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("E2E tests with shell mock agents are not supported on Windows")
	}

	dir := t.TempDir()

	binary := filepath.Join(dir, "loom")
	build := exec.Command("go", "build", "-o", binary, "./cmd/loom")
	build.Dir = projectRoot()
	out, err := build.CombinedOutput()
	require.NoError(t, err, "building loom: %s", string(out))

	for _, sub := range []string{"workflows", "agents", "bin"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}

	return &testProject{Dir: dir, BinaryPath: binary, t: t}
}

// projectRoot returns the absolute path to the repository root. It uses
// runtime.Caller(0) to find this source file and navigates two directories
// up (tests/e2e/ -> tests/ -> repo root).
func projectRoot() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..")
}

// writeConfig writes content to loom.toml in tp.Dir.
func (tp *testProject) writeConfig(content string) {
	tp.t.Helper()
	err := os.WriteFile(filepath.Join(tp.Dir, "loom.toml"), []byte(content), 0o644)
	require.NoError(tp.t, err)
}

// writeWorkflow writes a workflow markdown file into workflows/.
func (tp *testProject) writeWorkflow(filename, content string) {
	tp.t.Helper()
	err := os.WriteFile(filepath.Join(tp.Dir, "workflows", filename), []byte(content), 0o644)
	require.NoError(tp.t, err)
}

// writeAgentDef drops a minimal agent definition into the catalog directory
// so the agent id resolves without an [agents.<id>] config entry.
func (tp *testProject) writeAgentDef(id string) {
	tp.t.Helper()
	err := os.WriteFile(filepath.Join(tp.Dir, "agents", id+".md"), []byte("# "+id+"\n"), 0o644)
	require.NoError(tp.t, err)
}

// writeAgentScript writes an executable shell script into bin/ and returns
// its absolute path for use as an [agents.<id>] command.
func (tp *testProject) writeAgentScript(name, content string) string {
	tp.t.Helper()
	path := filepath.Join(tp.Dir, "bin", name)
	require.NoError(tp.t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(tp.t, os.Chmod(path, 0o755))
	return path
}

// configWithAgents renders a loom.toml declaring the given agent commands.
// An empty command string declares the agent for the catalog only, which is
// enough for --mock runs.
func (tp *testProject) configWithAgents(agents map[string]string) string {
	var b strings.Builder
	b.WriteString(`[project]
workflows_dir = "workflows"
data_dir = "data"
agents_dir = "agents"
handoffs_dir = "handoffs"
log_dir = "logs"
`)
	for id, command := range agents {
		fmt.Fprintf(&b, "\n[agents.%s]\n", id)
		if command != "" {
			fmt.Fprintf(&b, "command = %q\n", command)
			fmt.Fprintf(&b, "work_dir = %q\n", tp.Dir)
		}
	}
	return b.String()
}

// run creates an exec.Cmd for loom rooted in the project directory.
func (tp *testProject) run(args ...string) *exec.Cmd {
	cmd := exec.Command(tp.BinaryPath, args...)
	cmd.Dir = tp.Dir
	cmd.Env = append(os.Environ(),
		"NO_COLOR=1",           // disable ANSI color in output
		"LOOM_LOG_FORMAT=json", // structured logs for easier parsing
	)
	return cmd
}

// runExpectSuccess runs loom and asserts exit code 0. Returns stdout only,
// so JSON output stays parseable; stderr is included in the failure message.
func (tp *testProject) runExpectSuccess(args ...string) string {
	tp.t.Helper()
	cmd := tp.run(args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.NoError(tp.t, err, "loom %v failed:\nstdout:\n%s\nstderr:\n%s", args, stdout.String(), stderr.String())
	return stdout.String()
}

// runExpectFailure runs loom and asserts a non-zero exit code. Returns
// stdout, stderr, and the exit code.
func (tp *testProject) runExpectFailure(args ...string) (string, string, int) {
	tp.t.Helper()
	cmd := tp.run(args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(tp.t, err, "loom %v expected to fail but succeeded:\n%s", args, stdout.String())
	var exitErr *exec.ExitError
	require.True(tp.t, errors.As(err, &exitErr), "expected *exec.ExitError, got %T: %v", err, err)
	return stdout.String(), stderr.String(), exitErr.ExitCode()
}

// featureBuildMD is a two-step workflow where the first step hands its
// output to the frontend agent.
const featureBuildMD = `# Feature Build

**Version**: 1.2

## Overview

Build and verify a feature end to end.

### Phase 1: Build (1 hour)

1. **Build API** → Backend Agent
   Implement the endpoint.
   Hands off to Frontend Agent always.
2. **Build UI** → Frontend Agent
   Wire the endpoint into the UI.
`

// signoffMD pauses at a manual gate before the announcement step runs.
const signoffMD = `# Signoff

**Version**: 1.0

## Overview

Gate the release announcement on a human signoff.

### Phase 1: Approval (1 hour)

1. **Get Signoff** → Manual approval
2. **Announce Release** → Docs Agent
`
