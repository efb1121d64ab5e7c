package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/external"
	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/patch"
	"github.com/signalnine/tauguard/internal/result"
	"github.com/signalnine/tauguard/internal/security"
)

var (
	flagImportModel string
	flagImportRoot  string
	flagImportRules string
	flagImportOut   string
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <agent-dir>",
		Short: "Import an external agent's predictions as judged rows",
		Long: "Reads preds.json and exit_statuses_*.yaml from an agent output directory, scans each " +
			"patch and writes one external row per prediction into a new run directory.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagImportModel == "" {
				return fmt.Errorf("--model is required")
			}
			policy, cfg, err := optionalPolicy()
			if err != nil {
				return err
			}
			dir := args[0]
			preds, err := external.LoadPredictions(filepath.Join(dir, "preds.json"))
			if err != nil {
				return err
			}
			statuses, err := external.LoadStatuses(dir, slog.Default())
			if err != nil {
				return err
			}
			var rules []string
			if flagImportRules != "" {
				rules = strings.Split(strings.ToUpper(flagImportRules), ",")
			}
			imported := external.Records(context.Background(), preds, statuses, policy, security.NewScanner(), flagImportRoot, rules)

			base := flagImportOut
			if base == "" && cfg != nil {
				base = cfg.Resolve(cfg.Results.Dir)
			}
			if base == "" {
				base = "results"
			}
			runDir, err := result.CreateRunDir(base)
			if err != nil {
				return err
			}
			w, err := result.OpenWriter(filepath.Join(runDir, result.ResultsFile))
			if err != nil {
				return err
			}
			runID := uuid.NewString()
			ok := 0
			for _, im := range imported {
				meta := result.RunMeta{
					RunID:      runID,
					Model:      flagImportModel,
					Provider:   im.Prediction.Provider,
					Task:       im.Prediction.InstanceID,
					InstanceID: im.Prediction.InstanceID,
				}
				var hash string
				if im.Prediction.ModelPatch != "" {
					hash = patch.Hash(im.Prediction.ModelPatch)
				}
				if err := w.Write(result.ExternalRow(meta, im.Record, im.Status, hash)); err != nil {
					w.Close()
					return err
				}
				if im.Record.Decision == guard.OK {
					ok++
				}
			}
			if err := w.Close(); err != nil {
				return err
			}
			fmt.Printf("Imported %d predictions (%d OK) into %s\n", len(imported), ok, runDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagImportModel, "model", "", "model id to record the predictions under")
	cmd.Flags().StringVar(&flagImportRoot, "root", "", "pre-patch source tree used to rebuild full files for scanning")
	cmd.Flags().StringVar(&flagImportRules, "rules", "", "comma-separated rule families (default: all)")
	cmd.Flags().StringVar(&flagImportOut, "results-dir", "", "results directory (default: results.dir from config)")
	return cmd
}
