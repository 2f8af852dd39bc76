package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
)

// ConfigCmd groups model configuration commands.
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with model configuration files",
	}
	cmd.AddCommand(validateConfigCmd())
	return cmd
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>...",
		Short: "Validate model configuration files without touching any store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var bad int
			for _, path := range args {
				cfg, err := dex.LoadConfigFile(path)
				if err != nil {
					bad++
					fmt.Fprintf(out, "%s: invalid: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "%s: ok (version %s, %d thresholds)\n", path, cfg.Version, len(cfg.Thresholds))
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d model configurations invalid", bad, len(args))
			}
			return nil
		},
	}
}

// ActivateCmd makes a model configuration version active, optionally
// creating it from a file first.
func ActivateCmd(a *AppContext) *cobra.Command {
	var (
		file     string
		expected string
		by       string
	)
	cmd := &cobra.Command{
		Use:   "activate [version]",
		Short: "Activate a model configuration version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			built, err := a.Open(ctx)
			if err != nil {
				return err
			}
			var version string
			if len(args) == 1 {
				version = args[0]
			}
			if file != "" {
				cfg, err := dex.LoadConfigFile(file)
				if err != nil {
					return err
				}
				if version != "" && version != cfg.Version {
					return fmt.Errorf("%s holds version %s, not %s", file, cfg.Version, version)
				}
				version = cfg.Version
				if _, err := built.Models.Create(ctx, cfg); err != nil && apperr.KindOf(err) != apperr.KindConflict {
					return err
				}
			}
			if version == "" {
				return errors.New("a version or --file is required")
			}
			if !cmd.Flags().Changed("expected") {
				cur, err := built.Models.Active(ctx)
				switch {
				case err == nil:
					expected = cur.Version
				case apperr.KindOf(err) != apperr.KindConfiguration:
					return err
				}
			}
			cfg, err := built.Models.Activate(ctx, version, expected, by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active model configuration: %s\n", cfg.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "create the configuration from this YAML file first")
	cmd.Flags().StringVar(&expected, "expected", "", "version expected to be active now (default: read it)")
	cmd.Flags().StringVar(&by, "by", "cli", "recorded as the activating user")
	return cmd
}
