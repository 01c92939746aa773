package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/workflow"
)

// startFlags holds the flag values shared by start and run.
type startFlags struct {
	Input     string // --input, JSON object merged into the execution input
	RequestID string // --request-id, idempotency token recorded in metadata
	Version   string // --workflow-version, overrides the definition's version pin
}

func registerStartFlags(cmd *cobra.Command, flags *startFlags) {
	cmd.Flags().StringVar(&flags.Input, "input", "", "Workflow input as a JSON object")
	cmd.Flags().StringVar(&flags.RequestID, "request-id", "", "Request id recorded in execution metadata")
	cmd.Flags().StringVar(&flags.Version, "workflow-version", "", "Pin a workflow version instead of the definition's own")
}

// parseInput decodes the --input JSON object, nil when absent.
func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("cli: --input must be a JSON object: %w", err)
	}
	return input, nil
}

// printExecution renders an execution either as JSON or as a short
// human-readable summary.
func printExecution(w io.Writer, exec *workflow.Execution) error {
	if flagJSON {
		return writeJSON(w, exec)
	}

	fmt.Fprintf(w, "execution %s\n", exec.ExecutionID)
	fmt.Fprintf(w, "  workflow: %s (v%s)\n", exec.WorkflowID, exec.WorkflowVersion)
	fmt.Fprintf(w, "  status:   %s\n", exec.Status)
	if exec.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", exec.Error)
	}
	for _, pe := range exec.PhaseExecutions {
		fmt.Fprintf(w, "  %s: %s\n", pe.PhaseID, pe.Status)
		for _, se := range pe.Steps {
			line := fmt.Sprintf("    %s: %s", se.StepID, se.Status)
			if se.Error != "" {
				line += " (" + se.Error + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func newStartCmd() *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Create a pending execution without running it",
		Long: `Create a new execution of a workflow. The execution is persisted in
pending state; use "loom run" to start and execute in one go.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(flags.Input)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			exec, err := rt.executor.Start(args[0], input, flags.RequestID, flags.Version)
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), exec)
		},
	}

	registerStartFlags(cmd, &flags)
	return cmd
}

func init() {
	rootCmd.AddCommand(newStartCmd())
}
