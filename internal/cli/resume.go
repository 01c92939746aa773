package cli

import (
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/workflow"
)

func newResumeCmd() *cobra.Command {
	var (
		inputRaw string
		approve  bool
		mock     bool
	)

	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a failed or paused execution",
		Long: `Re-enter an execution, skipping every step whose latest attempt
completed. Failed steps are retried; a paused manual gate clears when the
resume carries approval.`,
		Example: `  # Retry a failed execution
  loom resume 4f7c...

  # Approve a manual gate and continue
  loom resume 4f7c... --approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(inputRaw)
			if err != nil {
				return err
			}
			if approve {
				if input == nil {
					input = map[string]any{}
				}
				input["manual_approved"] = true
			}

			rt, err := buildRuntime(mock)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			exec, err := rt.executor.Resume(cmd.Context(), args[0], input)
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

	cmd.Flags().StringVar(&inputRaw, "input", "", "Extra input merged into the execution's input data, as a JSON object")
	cmd.Flags().BoolVar(&approve, "approve", false, "Clear a pending manual gate")
	cmd.Flags().BoolVar(&mock, "mock", false, "Serve agent steps from the mock invoker")
	return cmd
}

func init() {
	rootCmd.AddCommand(newResumeCmd())
}
