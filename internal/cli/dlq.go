package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/recovery"
)

// dlqFlags holds the filter flags for the dlq command.
type dlqFlags struct {
	AgentID   string
	Retryable bool
	Limit     int
	Remove    string
}

func newDLQCmd() *cobra.Command {
	var flags dlqFlags

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter queue",
		Long: `List dead-lettered executions, newest first. Each entry carries the
failure classification stamped at enqueue time. --remove deletes an entry
after the underlying problem was handled.`,
		Example: `  # Retryable failures only
  loom dlq --retryable

  # Drop a handled entry
  loom dlq --remove 4f7c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			out := cmd.OutOrStdout()

			if flags.Remove != "" {
				ok, err := rt.dlq.Remove(flags.Remove)
				if err != nil {
					return err
				}
				if flagJSON {
					return writeJSON(out, map[string]any{"task_id": flags.Remove, "removed": ok})
				}
				if !ok {
					fmt.Fprintf(out, "no dead-letter entry for %s\n", flags.Remove)
					return nil
				}
				fmt.Fprintf(out, "removed dead-letter entry %s\n", flags.Remove)
				return nil
			}

			filter := recovery.TaskFilter{AgentID: flags.AgentID, Limit: flags.Limit}
			if cmd.Flags().Changed("retryable") {
				filter.CanRetry = &flags.Retryable
			}
			tasks, err := rt.dlq.Tasks(filter)
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(out, tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "Dead-letter queue is empty.")
				return nil
			}
			for _, task := range tasks {
				fmt.Fprintf(out, "%s  %-12s %-6s retry=%-5v %-12s %s\n",
					task.FailedAt, task.Category, task.Severity, task.CanRetry, task.AgentID, task.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.AgentID, "agent", "", "Only entries for this agent")
	cmd.Flags().BoolVar(&flags.Retryable, "retryable", false, "Filter by retryability")
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "Maximum number of entries (0 = no limit)")
	cmd.Flags().StringVar(&flags.Remove, "remove", "", "Remove the entry with this task id")
	return cmd
}

func init() {
	rootCmd.AddCommand(newDLQCmd())
}
