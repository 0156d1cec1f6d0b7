package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the generation cache",
	}
	cmd.AddCommand(newCacheStatsCommand(a), newCacheInvalidateCommand(a), newCacheCleanupCommand(a))
	return cmd
}

func newCacheStatsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			stats := eng.Cache().Stats()
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprintln(w, titleStyle.Render("Cache "+a.cfg.Cache.Backend))
			fmt.Fprintf(w, "  entries:       %d\n", stats.Entries)
			fmt.Fprintf(w, "  exact hits:    %d\n", stats.ExactHits)
			fmt.Fprintf(w, "  semantic hits: %d\n", stats.SemanticHits)
			fmt.Fprintf(w, "  misses:        %d\n", stats.Misses)
			fmt.Fprintf(w, "  hit rate:      %.1f%%\n", stats.HitRate()*100)
			fmt.Fprintf(w, "  evictions:     %d\n", stats.Evictions)
			fmt.Fprintf(w, "  invalidations: %d\n", stats.Invalidations)
			fmt.Fprintf(w, "  expired:       %d\n", stats.Expired)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print statistics as JSON")
	return cmd
}

func newCacheInvalidateCommand(a *app) *cobra.Command {
	var tag, pattern, dependency string
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Remove cache entries by tag, key pattern or dependency",
		Example: `  ragbuild cache invalidate --tag webapp
  ragbuild cache invalidate --pattern 'gen:*'
  ragbuild cache invalidate --dependency 'webapp#3f9a1c07be42.g1-0'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tag == "" && pattern == "" && dependency == "" {
				return errors.New("one of --tag, --pattern or --dependency is required")
			}
			ctx := cmd.Context()
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			c := eng.Cache()
			var n int
			switch {
			case tag != "":
				n, err = c.InvalidateByTag(ctx, tag)
			case pattern != "":
				n, err = c.InvalidateByPattern(ctx, pattern)
			default:
				n, err = c.InvalidateByDependency(ctx, dependency)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "invalidate entries carrying this tag")
	cmd.Flags().StringVar(&pattern, "pattern", "", "invalidate entries whose key matches this glob")
	cmd.Flags().StringVar(&dependency, "dependency", "", "invalidate entries built from this chunk")
	cmd.MarkFlagsMutuallyExclusive("tag", "pattern", "dependency")
	return cmd
}

func newCacheCleanupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.Cache().Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
			return nil
		},
	}
}
