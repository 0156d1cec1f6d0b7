package cli

import (
	"errors"
	"fmt"

	"github.com/smallnest/ragbuild/executor"
	report "github.com/smallnest/ragbuild/store"
	"github.com/spf13/cobra"
)

func newRunsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded build runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			runs, err := eng.Reports().Runs(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(w, mutedStyle.Render("no runs recorded"))
				return nil
			}
			for _, id := range runs {
				fmt.Fprintln(w, id)
			}
			return nil
		},
	}
}

func newReportCommand(a *app) *cobra.Command {
	var steps bool
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Show the recorded outcome of a build run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			entries, rec, err := eng.Report(ctx, args[0])
			if err != nil {
				if errors.Is(err, report.ErrRunNotFound) {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				if len(entries) == 0 {
					return err
				}
				// interrupted runs have entries but no final record
				fmt.Fprintln(cmd.OutOrStdout(), warningStyle.Render(fmt.Sprintf("run %s has %d entries and no final record", args[0], len(entries))))
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprint(w, summary(rec))
			if steps {
				for _, s := range rec.Steps {
					fmt.Fprintln(w, stepLine(s))
				}
				for _, rb := range rec.Rollback {
					fmt.Fprintln(w, warningStyle.Render(fmt.Sprintf("↺ %s for %s: %s", rb.StepID, rb.For, rb.Status)))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&steps, "steps", false, "list every step")
	return cmd
}

func stepLine(s executor.StepRecord) string {
	switch s.Status {
	case executor.StatusSucceeded:
		line := "✓ " + s.ID
		if s.CacheHit != "" {
			line += " (cache " + s.CacheHit + ")"
		}
		return successStyle.Render(line)
	case executor.StatusFailed:
		return errorStyle.Render("✗ " + s.ID + ": " + s.Error)
	case executor.StatusSkipped:
		return mutedStyle.Render("○ " + s.ID + ": " + s.SkipReason)
	default:
		return mutedStyle.Render("· " + s.ID + " " + string(s.Status))
	}
}
