package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var workflowID string

	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution's state, or list known executions",
		Long: `With an execution id, show the full execution record including every
phase and step attempt. Without one, list known executions, optionally
filtered to a single workflow.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				exec, err := rt.executor.Get(args[0])
				if err != nil {
					return err
				}
				return printExecution(out, exec)
			}

			execs, err := rt.executor.List(workflowID)
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(out, execs)
			}
			if len(execs) == 0 {
				fmt.Fprintln(out, "No executions found.")
				return nil
			}
			for _, exec := range execs {
				fmt.Fprintf(out, "%s  %-12s %-20s started %s\n",
					exec.ExecutionID, exec.Status, exec.WorkflowID, exec.StartedAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "Only list executions of this workflow")
	return cmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}
