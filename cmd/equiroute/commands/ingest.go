package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"equiroute/internal/buildinfo"
	"equiroute/internal/ingest"
)

// IngestCmd imports indicator files into the configured store.
func IngestCmd(a *AppContext) *cobra.Command {
	var (
		sheet  string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file.csv|file.xlsx>...",
		Short: "Import indicator bundles from CSV or XLSX files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for _, path := range args {
				bundles, err := readIndicators(path, sheet)
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Fprintf(out, "%s: %d bundles read (dry run)\n", path, len(bundles))
					continue
				}
				built, err := a.Open(ctx)
				if err != nil {
					return err
				}
				rep, err := built.Catalog.ImportIndicators(ctx, bundles)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s: %d saved, %d duplicates, %d units\n", path, rep.Saved, rep.Duplicates, len(rep.Units))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "worksheet for .xlsx input (default first)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and validate only")
	return cmd
}

// ExportCmd writes a stored plan to an XLSX workbook.
func ExportCmd(a *AppContext) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <plan-id>",
		Short: "Export a route plan to an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			built, err := a.Open(ctx)
			if err != nil {
				return err
			}
			plan, err := built.Planner.GetPlan(ctx, args[0])
			if err != nil {
				return err
			}
			if out == "" {
				out = "plan-" + plan.PlanDate + "-" + plan.ID + ".xlsx"
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if err := ingest.ExportPlan(f, plan); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default plan-<date>-<id>.xlsx)")
	return cmd
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildinfo.Info()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, %s)\n", info["service"], info["version"], info["commit"], info["goVersion"])
			return nil
		},
	}
}
