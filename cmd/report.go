package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/config"
	"github.com/signalnine/tauguard/internal/report"
)

var (
	flagFormat  string
	flagPricing string
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Generate summary from stored results",
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, pricingPath, err := resolveRunDir(args)
			if err != nil {
				return err
			}
			if flagPricing != "" {
				pricingPath = flagPricing
			}
			return report.Generate(runDir, flagFormat, os.Stdout, pricingPath)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().StringVar(&flagPricing, "pricing", "", "pricing table (defaults to pricing.path from config)")
	return cmd
}

// resolveRunDir returns the run directory named by args, or the latest run
// under the configured results dir. The pricing path from config is
// returned alongside when a config is present.
func resolveRunDir(args []string) (string, string, error) {
	var pricingPath string
	runDir := ""
	if len(args) > 0 {
		runDir = args[0]
	}
	cfg, err := config.Load(cfgFile)
	switch {
	case err == nil:
		pricingPath = cfg.Resolve(cfg.Pricing.Path)
		if runDir == "" {
			runDir = filepath.Join(cfg.Resolve(cfg.Results.Dir), "latest")
		}
	case runDir == "":
		return "", "", err
	}
	resolved, err := filepath.EvalSymlinks(runDir)
	if err != nil {
		return "", "", fmt.Errorf("resolving run dir: %w", err)
	}
	return resolved, pricingPath, nil
}
