package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"equiroute/internal/apperr"
	"equiroute/internal/events"
	"equiroute/internal/ingest"
	"equiroute/internal/lock"
	"equiroute/internal/model"
	"equiroute/internal/service"
	"equiroute/internal/store"
)

// Scenario is a self-contained planning day read from YAML. Relative file
// paths are resolved against the scenario file.
type Scenario struct {
	ModelConfig string                    `yaml:"modelConfig,omitempty"`
	Indicators  []string                  `yaml:"indicators,omitempty"`
	Bundles     []model.IndicatorBundle   `yaml:"bundles,omitempty"`
	Locations   []model.VisitLocation     `yaml:"locations"`
	Resources   []model.Resource          `yaml:"resources"`
	Plan        service.CreatePlanRequest `yaml:"plan"`
	Optimize    *model.OptimizeConfig     `yaml:"optimize,omitempty"`
}

// LoadScenario reads and resolves a scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, apperr.Wrap(apperr.KindValidation, err, "parse scenario")
	}
	dir := filepath.Dir(path)
	if sc.ModelConfig != "" && !filepath.IsAbs(sc.ModelConfig) {
		sc.ModelConfig = filepath.Join(dir, sc.ModelConfig)
	}
	for i, p := range sc.Indicators {
		if !filepath.IsAbs(p) {
			sc.Indicators[i] = filepath.Join(dir, p)
		}
	}
	if sc.Plan.PlanDate == "" {
		return Scenario{}, apperr.Validation("plan.planDate", "is required")
	}
	return sc, nil
}

// RunScenario scores and optimizes a scenario in an isolated in-memory store.
func RunScenario(ctx context.Context, sc Scenario, o service.PlannerOptions, log *zap.Logger) (service.OptimizeResult, error) {
	st := store.NewMemory()
	if _, err := service.NewModels(st, log).Seed(ctx, sc.ModelConfig); err != nil {
		return service.OptimizeResult{}, err
	}
	catalog := service.NewCatalog(st, log)

	bundles := append([]model.IndicatorBundle{}, sc.Bundles...)
	for _, path := range sc.Indicators {
		b, err := readIndicators(path, "")
		if err != nil {
			return service.OptimizeResult{}, err
		}
		bundles = append(bundles, b...)
	}
	if _, err := catalog.ImportIndicators(ctx, bundles); err != nil {
		return service.OptimizeResult{}, err
	}
	if len(bundles) > 0 {
		scorer := service.NewScorer(st, log, 0, o.Location)
		if _, err := scorer.RecalculateBatch(ctx, nil, sc.Plan.PlanDate); err != nil {
			return service.OptimizeResult{}, err
		}
	}

	for _, l := range sc.Locations {
		if _, err := catalog.UpsertLocation(ctx, l); err != nil {
			return service.OptimizeResult{}, fmt.Errorf("location %s: %w", l.ID, err)
		}
	}
	for _, r := range sc.Resources {
		if _, err := catalog.UpsertResource(ctx, r); err != nil {
			return service.OptimizeResult{}, fmt.Errorf("resource %s: %w", r.ID, err)
		}
	}

	planner := service.NewPlanner(st, lock.NewMemory(), events.NewMemory(), log, o)
	plan, err := planner.CreatePlan(ctx, sc.Plan)
	if err != nil {
		return service.OptimizeResult{}, err
	}
	cfg := model.DefaultOptimizeConfig()
	if sc.Optimize != nil {
		cfg = *sc.Optimize
	}
	return planner.Optimize(ctx, plan.ID, cfg)
}

// OptimizeCmd plans a scenario file offline.
func OptimizeCmd(a *AppContext) *cobra.Command {
	var (
		out    string
		budget int
	)
	cmd := &cobra.Command{
		Use:   "optimize <scenario.yaml>",
		Short: "Score and optimize a planning scenario offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := LoadScenario(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("budget") {
				cfg := model.DefaultOptimizeConfig()
				if sc.Optimize != nil {
					cfg = *sc.Optimize
				}
				cfg.TimeBudgetSeconds = budget
				sc.Optimize = &cfg
			}
			loc, err := a.Cfg.Location()
			if err != nil {
				return err
			}
			res, err := RunScenario(cmd.Context(), sc, service.PlannerOptions{
				SpeedKph:         a.Cfg.SpeedKph,
				Core20Multiplier: a.Cfg.Core20Multiplier,
				DefaultPriority:  a.Cfg.DefaultPriority,
				Workers:          a.Cfg.OptimizeWorkers,
				Location:         loc,
			}, a.Logger)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), res, loc); err != nil {
				return err
			}
			if out == "" {
				return nil
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if err := ingest.ExportPlan(f, res.Plan); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nwrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the plan to an .xlsx workbook")
	cmd.Flags().IntVar(&budget, "budget", 0, "override the optimizer time budget in seconds")
	return cmd
}

// printResult shows stop times on the local clock of loc.
func printResult(w io.Writer, res service.OptimizeResult, loc *time.Location) error {
	p := res.Plan
	fmt.Fprintf(w, "plan %s: %d visits by %d resources, %.2f km, %d min\n",
		p.PlanDate, p.TotalVisits, p.TotalResources, p.TotalDistanceKm, p.TotalDurationMinutes)
	fmt.Fprintf(w, "coverage %.2f%% (%d/%d), core20 %d/%d, stopped by %s after %d iterations\n\n",
		res.Coverage.Percentage, res.Coverage.Covered, res.Coverage.Eligible,
		res.Coverage.Core20.Covered, res.Coverage.Core20.Total, res.Stats.StoppedBy, res.Stats.Iterations)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSEQ\tLOCATION\tLABEL\tARRIVAL\tDEPARTURE")
	for _, a := range res.Assignments {
		for _, s := range a.Stops {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", a.ResourceID, s.Sequence, s.VisitLocationID, s.PriorityLabel,
				s.EstimatedArrival.In(loc).Format("15:04"), s.EstimatedDeparture.In(loc).Format("15:04"))
		}
	}
	for _, u := range res.Unassigned {
		fmt.Fprintf(tw, "-\t-\t%s\t%s\tunassigned: %s\t\n", u.LocationID, u.Label, u.Reason)
	}
	return tw.Flush()
}
