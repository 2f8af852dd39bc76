package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"equiroute/internal/config"
	"equiroute/internal/logging"
)

// NewRootCmd builds the CLI. Configuration and the logger are loaded before
// any subcommand runs; the store is released afterwards.
func NewRootCmd(a *AppContext) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "equiroute",
		Short:         "equiroute - equity-driven priority scoring and visit planning",
		Long:          `Score service units by clinical, social and accessibility need and plan daily field visits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			a.Cfg = cfg
			if a.Logger == nil {
				a.Logger, err = logging.NewLogger(cfg.LogLevel, "console", "equiroute-cli")
				if err != nil {
					return fmt.Errorf("failed to initialize logger: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.Close()
			if a.Logger != nil {
				_ = a.Logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to equiroute.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(ScoreCmd(a))
	root.AddCommand(OptimizeCmd(a))
	root.AddCommand(ConfigCmd())
	root.AddCommand(IngestCmd(a))
	root.AddCommand(ActivateCmd(a))
	root.AddCommand(ExportCmd(a))
	root.AddCommand(VersionCmd())
	return root
}
