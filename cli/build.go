package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/smallnest/ragbuild/engine"
	"github.com/smallnest/ragbuild/executor"
	"github.com/spf13/cobra"
)

func newBuildCommand(a *app) *cobra.Command {
	var (
		out   string
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "build <document>",
		Short: "Run a build document",
		Long: `Run every step of a build document in dependency order.

The outputs of succeeded steps are collected into the output directory
together with a manifest and a build report. The command exits with 1
when a critical step fails and 2 when the document is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			events := make(chan executor.Event, 64)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				printEvents(cmd.OutOrStdout(), events, quiet)
			}()
			res, err := eng.Build(ctx, args[0], out, events)
			close(events)
			wg.Wait()

			if engine.IsInvalidDocument(err) {
				return &ExitError{Code: ExitInvalidDocument, Err: err}
			}
			if res == nil || res.Record == nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w)
			fmt.Fprint(w, summary(res.Record))
			if res.Artifact != nil {
				fmt.Fprintf(w, "  artifact:    %s (%d files)\n", out, len(res.Artifact.Files))
			}
			for _, issue := range res.Issues {
				fmt.Fprintln(w, warningStyle.Render("  ! "+issue.Error()))
			}

			if err != nil || !res.Record.Status.OK() {
				return &ExitError{Code: ExitFailure, Err: buildError(res.Record, err)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "ragbuild-out", "directory the build artifact is assembled in, empty to skip")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	cmd.Flags().Int("workers", 0, "number of steps run concurrently")
	cmd.Flags().String("work-dir", "", "directory steps run in")
	cmd.Flags().Bool("dry-run", false, "record steps without touching the file system")
	cmd.Flags().Bool("strict", false, "reject references to unknown steps")
	cmd.Flags().String("provider", "", "generation provider: stub, openai or langchain")
	cmd.Flags().String("model", "", "generation model")
	cmd.Flags().Int("budget", 0, "context token budget per generation step")
	cmd.Flags().String("report-dir", "", "directory of the file report store")
	return cmd
}

func printEvents(w io.Writer, events <-chan executor.Event, quiet bool) {
	for ev := range events {
		if quiet {
			continue
		}
		if line := statusLine(ev); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

func buildError(rec *executor.Record, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("build %s %s", rec.Graph, rec.Status)
}
