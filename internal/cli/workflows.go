package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/parser"
	"github.com/loomhq/loom/internal/workflow"
)

// workflowsOutput is the JSON row for a discovered workflow definition.
type workflowsOutput struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	Phases     int    `json:"phases"`
	Steps      int    `json:"steps"`
	SourcePath string `json:"source_path"`
}

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List workflow definitions in the workflows directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defs, err := parser.Discover(cfg.Project.WorkflowsDir)
		if err != nil {
			return err
		}

		if flagJSON {
			rows := make([]workflowsOutput, 0, len(defs))
			for _, def := range defs {
				rows = append(rows, workflowRow(def))
			}
			return writeJSON(cmd.OutOrStdout(), rows)
		}

		out := cmd.OutOrStdout()
		if len(defs) == 0 {
			fmt.Fprintf(out, "No workflows found in %s\n", cfg.Project.WorkflowsDir)
			return nil
		}
		for _, def := range defs {
			fmt.Fprintf(out, "%-24s v%-6s %-8s %d phases, %d steps\n",
				def.WorkflowID, def.Version, def.Status, len(def.Phases), def.StepCount())
		}
		return nil
	},
}

func workflowRow(def *workflow.Definition) workflowsOutput {
	return workflowsOutput{
		WorkflowID: def.WorkflowID,
		Name:       def.Name,
		Version:    def.Version,
		Status:     def.Status,
		Phases:     len(def.Phases),
		Steps:      def.StepCount(),
		SourcePath: def.SourcePath,
	}
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}
