package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/external"
	"github.com/signalnine/tauguard/internal/oracle"
)

// EvalCmdEnv overrides oracle.eval_cmd from the config.
const EvalCmdEnv = "TAUGUARD_EVAL_CMD"

var (
	flagEvalRunID   string
	flagEvalOutDir  string
	flagEvalTimeout time.Duration
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <predictions>",
		Short: "Run the external evaluator over a predictions file",
		Long: "Invokes oracle.eval_cmd (or $" + EvalCmdEnv + ") with {predictions}, {run_id} and " +
			"{outdir} substituted and prints the path of the instance_results.jsonl it produced. " +
			"Without an evaluator, unknown-status stubs are written.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagEvalRunID == "" {
				return fmt.Errorf("--run-id is required")
			}
			_, cfg, err := optionalPolicy()
			if err != nil {
				return err
			}
			tmpl := os.Getenv(EvalCmdEnv)
			timeout := flagEvalTimeout
			if cfg != nil {
				if tmpl == "" {
					tmpl = cfg.Oracle.EvalCmd
				}
				if timeout == 0 && cfg.Oracle.TimeoutSeconds > 0 {
					timeout = time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second
				}
			}
			preds, err := external.LoadPredictions(args[0])
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(preds))
			for _, p := range preds {
				ids = append(ids, p.InstanceID)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			path, err := oracle.Evaluate(ctx, oracle.EvalOpts{
				Template:    tmpl,
				Predictions: args[0],
				RunID:       flagEvalRunID,
				OutDir:      flagEvalOutDir,
				Timeout:     timeout,
				InstanceIDs: ids,
			})
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagEvalRunID, "run-id", "", "evaluation run id")
	cmd.Flags().StringVar(&flagEvalOutDir, "outdir", "eval", "directory for evaluator output")
	cmd.Flags().DurationVar(&flagEvalTimeout, "timeout", 0, "evaluator timeout (default: oracle.timeout_seconds or 1h)")
	return cmd
}
