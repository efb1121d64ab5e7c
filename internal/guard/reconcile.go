package guard

// ReconciledRecord is a local record re-judged against an oracle verdict. It
// is built once and supersedes the local decision for reporting only; Local
// keeps the original.
type ReconciledRecord struct {
	Local       IterationRecord  `json:"local"`
	GroundTruth *GroundTruthEval `json:"ground_truth,omitempty"`
	EvalStatus  EvalStatus       `json:"eval_status"`
	Checks      CheckResult      `json:"checks"`
	Metrics     Metrics          `json:"metrics"`
	Decision    Decision         `json:"decision"`
}

// Reconcile folds an oracle verdict into a local record. The oracle replaces
// the local test outcome (resolved counts as 1/1 passing, unresolved or error
// as 1/1 failing) while the local security and lint results are carried over
// untouched, so a local finding or an indeterminate scan keeps its authority.
// An unknown verdict keeps the local test counts. Without an oracle the local
// record passes through.
func (p Policy) Reconcile(local IterationRecord, oracle *GroundTruthEval) ReconciledRecord {
	out := ReconciledRecord{
		Local:      local,
		EvalStatus: EvalUnknown,
		Checks:     local.Checks,
		Metrics:    local.Metrics,
		Decision:   local.Decision,
	}
	if oracle == nil {
		return out
	}
	gt := *oracle
	out.GroundTruth = &gt
	out.EvalStatus = gt.EvalStatus()

	checks := local.Checks.Normalize()
	switch out.EvalStatus {
	case EvalResolved:
		checks.TotalTests, checks.TestsFailed, checks.TestsNotRun = 1, 0, false
	case EvalUnresolved, EvalError:
		checks.TotalTests, checks.TestsFailed, checks.TestsNotRun = 1, 1, false
	}
	out.Checks = checks
	out.Metrics = ComputeMetrics(checks, local.TauStep)
	out.Decision = p.Decide(checks, out.Metrics, &gt)
	return out
}

// ReconcileRun reconciles the last record of a run. A run with no records
// stays ABSTAIN whatever the oracle says, since there is no artifact to vouch
// for.
func (p Policy) ReconcileRun(run *RunResult, oracle *GroundTruthEval) ReconciledRecord {
	last, ok := run.Last()
	if ok {
		return p.Reconcile(last, oracle)
	}
	checks := NotExecuted("run produced no iterations")
	out := p.Reconcile(IterationRecord{Checks: checks, Metrics: ComputeMetrics(checks, 0), Decision: Abstain}, oracle)
	out.Decision = Abstain
	return out
}
