package cli

import (
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/workflow"
)

func newRunCmd() *cobra.Command {
	var flags startFlags
	var mock bool

	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Start a workflow execution and run it to completion",
		Long: `Start a new execution and drive it through every phase. The command
returns when the execution reaches a terminal state or pauses at a manual
gate. With --mock, agent steps are served by the scripted mock invoker,
which is useful for validating a workflow definition end to end.`,
		Example: `  # Run a workflow with input
  loom run feature_build --input '{"ticket": "T-42"}'

  # Dry-run the definition without real agents
  loom run feature_build --mock`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(flags.Input)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(mock)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			exec, err := rt.executor.Run(cmd.Context(), args[0], input, flags.RequestID, flags.Version)
			if err != nil {
				return err
			}
			if err := printExecution(cmd.OutOrStdout(), exec); err != nil {
				return err
			}
			if exec.Status == workflow.StatusFailed {
				return errExitFailure
			}
			return nil
		},
	}

	registerStartFlags(cmd, &flags)
	cmd.Flags().BoolVar(&mock, "mock", false, "Serve agent steps from the mock invoker")
	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
