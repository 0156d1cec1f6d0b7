package cli

import (
	"fmt"

	"github.com/smallnest/ragbuild/engine"
	"github.com/smallnest/ragbuild/graph"
	"github.com/spf13/cobra"
)

func newPlanCommand(a *app) *cobra.Command {
	var mermaid bool
	cmd := &cobra.Command{
		Use:   "plan <document>",
		Short: "Show the execution plan of a build document",
		Long: `Parse and validate a build document, then print its execution levels and
the context every generation step would receive. Nothing is executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			plan, err := eng.Plan(ctx, args[0])
			if err != nil {
				if engine.IsInvalidDocument(err) {
					return &ExitError{Code: ExitInvalidDocument, Err: err}
				}
				return err
			}
			if mermaid {
				fmt.Fprint(cmd.OutOrStdout(), graph.NewExporter(plan.Graph).DrawMermaid())
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), plan.Text())
			return nil
		},
	}
	cmd.Flags().BoolVar(&mermaid, "mermaid", false, "print the dependency graph as a mermaid flowchart")
	cmd.Flags().Bool("strict", false, "reject references to unknown steps")
	cmd.Flags().Int("budget", 0, "context token budget per generation step")
	return cmd
}
