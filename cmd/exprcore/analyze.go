package main

import (
	"github.com/spf13/cobra"

	"exprcore/internal/tasks"
	"exprcore/pkg/domain"
)

func newAnalyzeCmd(c *cli) *cobra.Command {
	var (
		kind    string
		factors []string
	)
	cmd := &cobra.Command{
		Use:   "analyze EXPERIMENT_ID",
		Short: "Run an SVD or differential expression analysis synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := c.operatorContext(cmd.Context())
			rt, err := openRuntime(ctx, c.cfg, c.stderr)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			rec, err := rt.worker().Run(ctx, tasks.Input{
				ExperimentID: args[0],
				Kind:         domain.AnalysisKind(kind),
				FactorNames:  factors,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.AnalysisDifferentialExpression), "svd or differential_expression")
	cmd.Flags().StringSliceVar(&factors, "factor", nil, "factors to model (default: all non-batch factors)")
	return cmd
}
