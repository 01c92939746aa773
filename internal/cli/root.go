// Package cli implements the loom command tree: workflow discovery,
// execution lifecycle commands, and the audit surfaces over the event
// journal, handoff registry, and dead-letter queue.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/logging"
)

// errExitFailure makes run and resume exit nonzero when the execution
// finished in failed state, after the execution summary was printed.
var errExitFailure = errors.New("workflow execution failed")

// Global flag values accessible to all subcommands.
var (
	flagVerbose bool
	flagQuiet   bool
	flagConfig  string
	flagJSON    bool
)

// rootCmd is the base command for Loom.
var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Durable multi-agent workflow orchestration",
	Long: `Loom runs declarative markdown workflows across a team of agents.
Every lifecycle milestone is journaled to an append-only event log, execution
state is snapshotted with optimistic versioning, and completed steps hand
work off to the next agent through validated handoff records.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Check env vars for flags not explicitly set on command line.
		if !cmd.Flags().Changed("verbose") && os.Getenv("LOOM_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("LOOM_QUIET") != "" {
			flagQuiet = true
		}

		jsonFormat := os.Getenv("LOOM_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: LOOM_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: LOOM_QUIET)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to loom.toml config file")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output structured JSON to stdout")
}

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// NewRootCmd returns a fresh instance of the root command for external
// generators (shell completions, man pages). It mirrors the global rootCmd's
// persistent flags with local values so the exported tree is safe to walk
// concurrently.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               rootCmd.Use,
		Short:             rootCmd.Short,
		Long:              rootCmd.Long,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: rootCmd.PersistentPreRunE,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose (debug) output (env: LOOM_VERBOSE)")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress all output except errors (env: LOOM_QUIET)")
	cmd.PersistentFlags().String("config", "", "Path to loom.toml config file")
	cmd.PersistentFlags().Bool("json", false, "Output structured JSON to stdout")

	for _, child := range rootCmd.Commands() {
		cmd.AddCommand(child)
	}
	return cmd
}
