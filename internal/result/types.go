package result

import (
	"fmt"

	"github.com/signalnine/tauguard/internal/guard"
)

// Row types written to results.jsonl.
const (
	TypeIteration  = "iteration"
	TypeBaseline   = "baseline"
	TypeWrapped    = "wrapped"
	TypeExternal   = "external"
	TypeReconciled = "reconciled"
)

// Record is one JSONL row. Iteration rows describe a single tau step;
// baseline and wrapped rows summarize a run; external rows are imported
// predictions; reconciled rows carry an oracle-adjusted decision.
type Record struct {
	RunID      string `json:"run_id"`
	Type       string `json:"type"`
	Model      string `json:"model"`
	Provider   string `json:"provider,omitempty"`
	Task       string `json:"task"`
	InstanceID string `json:"instance_id,omitempty"`
	// RunKind is baseline or wrapped on iteration and reconciled rows.
	RunKind string `json:"run_kind,omitempty"`

	Tau           int            `json:"tau"`
	Decision      guard.Decision `json:"decision"`
	FinalDecision guard.Decision `json:"final_decision,omitempty"`
	CRI           float64        `json:"cri"`
	SADFlag       bool           `json:"sad_flag"`

	TotalTests         int      `json:"total_tests"`
	TestsFailed        int      `json:"tests_failed"`
	TestPassRate       float64  `json:"test_pass_rate"`
	TestsNotRun        bool     `json:"tests_not_run,omitempty"`
	SecurityViolations []string `json:"security_violations"`
	SecurityScanFailed bool     `json:"security_scan_failed"`
	LinterErrorsCount  int      `json:"linter_errors_count"`
	LinterErrors       []string `json:"linter_errors,omitempty"`
	GenerationError    string   `json:"generation_error,omitempty"`
	AgentStatus        string   `json:"agent_status,omitempty"`

	Iterations     int       `json:"iterations,omitempty"`
	CRIHistory     []float64 `json:"cri_history,omitempty"`
	CRIImprovement *float64  `json:"cri_improvement,omitempty"`
	StopReason     string    `json:"stop_reason,omitempty"`

	PatchHash      string `json:"patch_hash,omitempty"`
	Resolved       *bool  `json:"resolved,omitempty"`
	ResolvedStatus string `json:"resolved_status,omitempty"`
	EvalStatus     string `json:"eval_status,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
	RowHash   string `json:"row_hash,omitempty"`
}

// RunMeta identifies the run a row belongs to.
type RunMeta struct {
	RunID      string
	Model      string
	Provider   string
	Task       string
	InstanceID string
}

func (m RunMeta) base(typ string) Record {
	return Record{
		RunID:      m.RunID,
		Type:       typ,
		Model:      m.Model,
		Provider:   m.Provider,
		Task:       m.Task,
		InstanceID: m.InstanceID,
	}
}

func withChecks(r Record, c guard.CheckResult, mt guard.Metrics) Record {
	r.Tau = mt.Tau
	r.CRI = mt.CRI
	r.SADFlag = mt.SADFlag
	r.TotalTests = c.TotalTests
	r.TestsFailed = c.TestsFailed
	r.TestPassRate = c.PassRate()
	r.TestsNotRun = c.TestsNotRun
	r.SecurityViolations = guard.SortedSet(c.SecurityViolations)
	r.SecurityScanFailed = c.SecurityScanFailed
	r.LinterErrorsCount = len(c.LinterErrors)
	if len(c.LinterErrors) > 0 {
		r.LinterErrors = append([]string(nil), c.LinterErrors...)
	}
	return r
}

// IterationRow records one tau step of a run.
func IterationRow(m RunMeta, kind guard.RunKind, rec guard.IterationRecord) Record {
	r := withChecks(m.base(TypeIteration), rec.Checks, rec.Metrics)
	r.RunKind = string(kind)
	r.Tau = rec.TauStep
	r.Decision = rec.Decision
	r.GenerationError = rec.GenerationError
	return r
}

// SummaryRow records a finished run. The row's checks are those of the last
// record; an empty run has none.
func SummaryRow(m RunMeta, run *guard.RunResult, patchHash string, inTokens, outTokens int) Record {
	typ := TypeWrapped
	if run.Kind == guard.Baseline {
		typ = TypeBaseline
	}
	r := m.base(typ)
	if last, ok := run.Last(); ok {
		r = withChecks(r, last.Checks, last.Metrics)
		r.Tau = last.TauStep
	} else {
		r.SecurityViolations = []string{}
	}
	r.Decision = run.FinalDecision
	r.FinalDecision = run.FinalDecision
	r.Iterations = len(run.Iterations)
	r.CRIHistory = run.CRIHistory()
	if len(run.Iterations) > 0 {
		imp := run.CRIImprovement()
		r.CRIImprovement = &imp
	}
	r.StopReason = string(run.StopReason)
	r.PatchHash = patchHash
	r.InputTokens = inTokens
	r.OutputTokens = outTokens
	return r
}

// ExternalRow records an imported prediction judged locally.
func ExternalRow(m RunMeta, rec guard.IterationRecord, agentStatus, patchHash string) Record {
	r := withChecks(m.base(TypeExternal), rec.Checks, rec.Metrics)
	r.Tau = rec.TauStep
	r.Decision = rec.Decision
	r.FinalDecision = rec.Decision
	r.Iterations = rec.TauStep
	r.AgentStatus = agentStatus
	r.PatchHash = patchHash
	return r
}

// Local rebuilds the decision inputs a row was written from. Rows that
// only carry linter_errors_count get "[lint error N not recorded]"
// entries so the count still feeds the metrics.
func (r Record) Local() guard.IterationRecord {
	lint := append([]string{}, r.LinterErrors...)
	for i := len(lint); i < r.LinterErrorsCount; i++ {
		lint = append(lint, fmt.Sprintf("[lint error %d not recorded]", i+1))
	}
	checks := guard.CheckResult{
		TotalTests:         r.TotalTests,
		TestsFailed:        r.TestsFailed,
		TestsNotRun:        r.TestsNotRun,
		SecurityViolations: guard.SortedSet(r.SecurityViolations),
		SecurityScanFailed: r.SecurityScanFailed,
		LinterErrors:       lint,
	}
	decision := r.FinalDecision
	if decision == "" {
		decision = r.Decision
	}
	return guard.IterationRecord{
		TauStep:  r.Tau,
		Checks:   checks,
		Metrics:  guard.Metrics{CRI: r.CRI, SADFlag: r.SADFlag, Tau: r.Tau},
		Decision: decision,
	}
}

// OracleKey is the id an oracle verdict for this row is filed under.
func (r Record) OracleKey() string {
	if r.InstanceID != "" {
		return r.InstanceID
	}
	return r.Task
}

// ReconciledRow records a local record folded with its oracle verdict.
func ReconciledRow(m RunMeta, kind string, rr guard.ReconciledRecord) Record {
	r := withChecks(m.base(TypeReconciled), rr.Checks, rr.Metrics)
	r.RunKind = kind
	r.Decision = rr.Decision
	r.FinalDecision = rr.Decision
	r.EvalStatus = string(rr.EvalStatus)
	if rr.GroundTruth != nil {
		r.Resolved = rr.GroundTruth.Resolved
		r.ResolvedStatus = string(rr.GroundTruth.ResolvedStatus)
	}
	return r
}

// Manifest describes a run directory.
type Manifest struct {
	RunID     string       `json:"run_id"`
	StartedAt string       `json:"started_at"`
	Models    []string     `json:"models"`
	Tasks     []string     `json:"tasks"`
	Policy    guard.Policy `json:"policy"`
	Baseline  bool         `json:"baseline"`
}
