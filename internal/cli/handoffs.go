package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/handoff"
	"github.com/loomhq/loom/internal/workflow"
)

// handoffsFlags holds the filter flags for the handoffs command.
type handoffsFlags struct {
	ExecutionID string
	Status      string
	ToAgent     string
	Limit       int
	Stats       bool
	SetStatus   string // --set-status together with a handoff id argument
}

func newHandoffsCmd() *cobra.Command {
	var flags handoffsFlags

	cmd := &cobra.Command{
		Use:   "handoffs [handoff-id]",
		Short: "Query the handoff registry",
		Long: `List registered handoff records, newest first. With --stats, print
per-status counts instead. With a handoff id and --set-status, update the
record's status (pending, in_progress, complete, blocked, failed).`,
		Example: `  # Work waiting on the frontend agent
  loom handoffs --to frontend --status pending

  # Mark a handoff picked up
  loom handoffs 7a1b... --set-status in_progress`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			out := cmd.OutOrStdout()

			if flags.SetStatus != "" {
				if len(args) != 1 {
					return fmt.Errorf("cli: --set-status requires a handoff id argument")
				}
				status := workflow.HandoffStatus(flags.SetStatus)
				if err := rt.registry.UpdateStatus(args[0], status); err != nil {
					return err
				}
				if flagJSON {
					return writeJSON(out, map[string]any{"handoff_id": args[0], "status": status})
				}
				fmt.Fprintf(out, "handoff %s -> %s\n", args[0], status)
				return nil
			}

			if flags.Stats {
				stats, err := rt.registry.Stats()
				if err != nil {
					return err
				}
				if flagJSON {
					return writeJSON(out, stats)
				}
				for _, status := range workflow.ValidHandoffStatuses {
					fmt.Fprintf(out, "%-12s %d\n", status, stats[status])
				}
				return nil
			}

			entries, err := rt.registry.Handoffs(handoff.RegistryFilter{
				ExecutionID: flags.ExecutionID,
				Status:      workflow.HandoffStatus(flags.Status),
				ToAgent:     flags.ToAgent,
				Limit:       flags.Limit,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No handoffs found.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-12s %s -> %s  %s\n",
					e.Record.HandoffID, e.Record.Status, e.Record.FromAgent, e.Record.ToAgent, e.Record.WorkSummary)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.ExecutionID, "execution", "", "Only handoffs of this execution")
	cmd.Flags().StringVar(&flags.Status, "status", "", "Only handoffs in this status")
	cmd.Flags().StringVar(&flags.ToAgent, "to", "", "Only handoffs addressed to this agent")
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "Maximum number of records (0 = no limit)")
	cmd.Flags().BoolVar(&flags.Stats, "stats", false, "Print per-status counts")
	cmd.Flags().StringVar(&flags.SetStatus, "set-status", "", "Update the status of the given handoff id")
	return cmd
}

func init() {
	rootCmd.AddCommand(newHandoffsCmd())
}
