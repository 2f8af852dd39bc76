package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ScoreCmd computes priority scores for units.
func ScoreCmd(a *AppContext) *cobra.Command {
	var (
		asOf       string
		indicators string
		sheet      string
	)
	cmd := &cobra.Command{
		Use:   "score [unit...]",
		Short: "Compute priority scores for units (all units when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			built, err := a.Open(ctx)
			if err != nil {
				return err
			}
			if indicators != "" {
				bundles, err := readIndicators(indicators, sheet)
				if err != nil {
					return err
				}
				if _, err := built.Catalog.ImportIndicators(ctx, bundles); err != nil {
					return err
				}
			}

			sum, err := built.Scorer.RecalculateBatch(ctx, args, asOf)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model %s, as of %s: %d scored, %d skipped, %d failed\n\n",
				sum.ModelVersion, sum.AsOf, len(sum.Succeeded), len(sum.Skipped), len(sum.Failed))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UNIT\tSCORE\tLABEL\tCORE20\tTRANSLATOR\tSPECIALIST")
			for _, unit := range sum.Succeeded {
				ps, err := built.Scorer.Latest(ctx, unit)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%.2f\t%s\t%t\t%t\t%t\n", unit, ps.PriorityScore, ps.Label, ps.IsCore20, ps.RequiresTranslator, ps.RequiresSpecialist)
			}
			for _, o := range append(sum.Skipped, sum.Failed...) {
				fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t%s\n", o.UnitID, o.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "score date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&indicators, "indicators", "", "import a .csv or .xlsx indicator file first")
	cmd.Flags().StringVar(&sheet, "sheet", "", "worksheet for .xlsx input (default first)")
	return cmd
}
