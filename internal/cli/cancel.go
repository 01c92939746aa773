package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending, running, or paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			ok, err := rt.executor.Cancel(args[0], reason)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return writeJSON(out, map[string]any{"execution_id": args[0], "cancelled": ok})
			}
			if !ok {
				fmt.Fprintf(out, "execution %s already finished, nothing to cancel\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "execution %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the cancellation event")
	return cmd
}

func init() {
	rootCmd.AddCommand(newCancelCmd())
}
