package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/eventlog"
	"github.com/loomhq/loom/internal/workflow"
)

// eventsFlags holds the filter flags for the events command.
type eventsFlags struct {
	ExecutionID string
	WorkflowID  string
	Type        string
	Limit       int
}

func newEventsCmd() *cobra.Command {
	var flags eventsFlags

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the append-only event journal",
		Long: `List journaled lifecycle events in chronological order. Filters
compose: an execution id, a workflow id, and an event type can be combined.`,
		Example: `  # Everything recorded for one execution
  loom events --execution 4f7c...

  # Recent failures across all workflows
  loom events --type step_failed --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			evs, err := rt.events.Events(eventlog.Filter{
				ExecutionID: flags.ExecutionID,
				WorkflowID:  flags.WorkflowID,
				EventType:   workflow.EventType(flags.Type),
				Limit:       flags.Limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flagJSON {
				return writeJSON(out, evs)
			}
			if len(evs) == 0 {
				fmt.Fprintln(out, "No events found.")
				return nil
			}
			for _, ev := range evs {
				line := fmt.Sprintf("%s  %-20s %-12s %s", ev.Timestamp, ev.Type, ev.Status, ev.ExecutionID)
				if ev.StepID != "" {
					line += "  " + ev.StepID
				}
				if ev.Error != "" {
					line += "  " + ev.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.ExecutionID, "execution", "", "Only events of this execution")
	cmd.Flags().StringVar(&flags.WorkflowID, "workflow", "", "Only events of this workflow")
	cmd.Flags().StringVar(&flags.Type, "type", "", "Only events of this type (e.g. step_failed)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "Maximum number of events (0 = journal default)")
	return cmd
}

func init() {
	rootCmd.AddCommand(newEventsCmd())
}
