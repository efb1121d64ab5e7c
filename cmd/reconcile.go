package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/oracle"
	"github.com/signalnine/tauguard/internal/result"
)

var (
	flagOracle string
	flagForce  bool
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [run-dir]",
		Short: "Fold oracle verdicts into a run's results",
		Long: "Reads an instance_results.jsonl oracle feed and appends a reconciled row for every " +
			"baseline, wrapped or external row the feed has a verdict for. Local security findings " +
			"keep their authority over the oracle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagOracle == "" {
				return fmt.Errorf("--oracle is required")
			}
			runDir, _, err := resolveRunDir(args)
			if err != nil {
				return err
			}
			policy, _, err := optionalPolicy()
			if err != nil {
				return err
			}
			verdicts, err := oracle.Load(flagOracle)
			if err != nil {
				return err
			}
			path := filepath.Join(runDir, result.ResultsFile)
			rows, err := result.ReadRecords(path)
			if err != nil {
				return err
			}
			out, skipped := reconcileRows(rows, verdicts, policy, flagForce)

			w, err := result.OpenWriter(path)
			if err != nil {
				return err
			}
			for _, r := range out {
				if err := w.Write(r); err != nil {
					w.Close()
					return err
				}
			}
			if err := w.Close(); err != nil {
				return err
			}
			fmt.Printf("Reconciled %d rows (%d without a verdict or already reconciled)\n", len(out), skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagOracle, "oracle", "", "instance_results.jsonl from an evaluator")
	cmd.Flags().BoolVar(&flagForce, "force", false, "reconcile rows that already have a reconciled row")
	return cmd
}

type reconcileKey struct {
	model, id, kind string
}

// reconcileRows builds the reconciled rows for rows. Rows already
// reconciled are skipped unless force is set.
func reconcileRows(rows []result.Record, verdicts map[string]guard.GroundTruthEval, policy guard.Policy, force bool) ([]result.Record, int) {
	done := map[reconcileKey]bool{}
	for _, r := range rows {
		if r.Type == result.TypeReconciled {
			done[reconcileKey{r.Model, r.OracleKey(), r.RunKind}] = true
		}
	}
	var out []result.Record
	skipped := 0
	for _, r := range rows {
		switch r.Type {
		case result.TypeWrapped, result.TypeBaseline, result.TypeExternal:
		default:
			continue
		}
		gt, ok := verdicts[r.OracleKey()]
		key := reconcileKey{r.Model, r.OracleKey(), r.Type}
		if !ok || (done[key] && !force) {
			skipped++
			continue
		}
		var rr guard.ReconciledRecord
		if r.Type != result.TypeExternal && r.Iterations == 0 {
			rr = policy.ReconcileRun(&guard.RunResult{}, &gt)
		} else {
			rr = policy.Reconcile(r.Local(), &gt)
		}
		meta := result.RunMeta{RunID: r.RunID, Model: r.Model, Provider: r.Provider, Task: r.Task, InstanceID: r.InstanceID}
		row := result.ReconciledRow(meta, r.Type, rr)
		row.PatchHash = r.PatchHash
		out = append(out, row)
		done[key] = true
	}
	return out, skipped
}
