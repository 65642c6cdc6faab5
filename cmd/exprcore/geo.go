package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"exprcore/internal/geo"
)

func newGEOCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geo",
		Short: "Fetch and import GEO records",
	}
	cmd.AddCommand(newGEOFetchCmd(c), newGEOImportCmd(c))
	return cmd
}

func newGEOFetchCmd(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "fetch ACCESSION...",
		Short: "Download SOFT archives into blob storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), c.cfg, c.stderr)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			f := rt.fetcher()
			var results []geo.FetchResult
			for _, arg := range args {
				acc, err := geo.ParseAccession(arg)
				if err != nil {
					return err
				}
				res, err := f.Fetch(cmd.Context(), acc, force)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", acc, err)
				}
				results = append(results, res)
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "download even when the archive is already stored")
	return cmd
}

func newGEOImportCmd(c *cli) *cobra.Command {
	var (
		force bool
		file  string
	)
	cmd := &cobra.Command{
		Use:   "import [ACCESSION]",
		Short: "Import a GEO series as an expression experiment",
		Long: "Fetches the series family SOFT archive (unless already stored) and creates the\n" +
			"experiment, its platforms and bioassays. With --file a local SOFT file is\n" +
			"imported instead and no accession is needed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) == 0 {
				return fmt.Errorf("an accession or --file is required")
			}
			ctx := c.operatorContext(cmd.Context())
			rt, err := openRuntime(ctx, c.cfg, c.stderr)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			im := rt.importer()

			var res geo.ImportResult
			if file != "" {
				fh, err := os.Open(file)
				if err != nil {
					return err
				}
				defer func() { _ = fh.Close() }()
				fam, err := geo.Parse(ctx, fh)
				if err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				if res, err = im.Import(ctx, fam); err != nil {
					return err
				}
			} else {
				acc, err := geo.ParseAccession(args[0])
				if err != nil {
					return err
				}
				f := rt.fetcher()
				if _, err := f.Fetch(ctx, acc, force); err != nil {
					return fmt.Errorf("fetch %s: %w", acc, err)
				}
				if res, err = im.ImportArchive(ctx, f, acc); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-download the archive before importing")
	cmd.Flags().StringVar(&file, "file", "", "import a local SOFT file (plain or gzip)")
	return cmd
}
