package main

import (
	"strings"

	"github.com/spf13/cobra"

	"exprcore/internal/search"
)

func newIndexCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect the search index",
	}
	var query string
	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Build the search index from the store and report its size",
		Long: "The index lives in the serving process; this command builds a copy to check\n" +
			"the catalogue indexes cleanly and, with --query, to try a search against it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), c.cfg, c.stderr)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			ix := search.NewIndex(rt.svc, search.WithIndexLogger(rt.logger))
			stats, err := ix.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{"index": stats}
			if q := strings.TrimSpace(query); q != "" {
				hits := ix.Search(q)
				if hits == nil {
					hits = []search.Hit{}
				}
				out["hits"] = hits
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	rebuild.Flags().StringVar(&query, "query", "", "search the rebuilt index")
	cmd.AddCommand(rebuild)
	return cmd
}
