package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/petal-labs/reflow/graph"
)

// NewPlanCmd creates the "plan" subcommand.
func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Print the execution levels of a run definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

type planJSON struct {
	ID       string       `json:"id"`
	Levels   [][]string   `json:"levels"`
	Order    []string     `json:"order"`
	Terminal string       `json:"terminal"`
	Dropped  []graph.Edge `json:"dropped,omitempty"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	def, err := loadDefinition(cmd, args[0])
	if err != nil {
		return err
	}

	g, err := graph.Build(def.Specs())
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	plan, err := g.Plan()
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	terminal := def.Terminal
	if terminal == "" && len(plan.Levels) > 0 {
		last := plan.Levels[len(plan.Levels)-1]
		terminal = last[len(last)-1]
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(planJSON{
			ID:       def.ID,
			Levels:   plan.Levels,
			Order:    plan.Order,
			Terminal: terminal,
			Dropped:  g.Dropped(),
		})
	case "text":
	default:
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}

	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(out, "Plan %s: %d nodes in %d levels (width %d)\n", def.ID, g.Len(), len(plan.Levels), plan.Width())
	for i, level := range plan.Levels {
		fmt.Fprintf(out, "  level %d: %s\n", i, strings.Join(level, ", "))
	}
	fmt.Fprintf(out, "  terminal: %s\n", terminal)
	for _, e := range g.Dropped() {
		color.New(color.FgYellow).Fprintf(out, "  ignored dependency: %s -> %s\n", e.From, e.To)
	}
	return nil
}
