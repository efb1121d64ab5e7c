// Package guard implements the guarded repair loop: check results are scored
// into a risk index, a decision policy turns scores into OK/ABSTAIN/VETO, and
// the engine retries generation until a terminal decision, a plateau or the
// tau budget ends the run.
package guard

import (
	"sort"
)

// Decision is the verdict for one candidate artifact.
type Decision string

const (
	OK      Decision = "OK"
	Abstain Decision = "ABSTAIN"
	Veto    Decision = "VETO"
)

// Terminal reports whether the decision ends a wrapped run.
func (d Decision) Terminal() bool {
	return d == OK || d == Veto
}

// Task is one unit of work. It is not modified once a run starts.
type Task struct {
	Name          string
	Description   string
	TestTarget    string
	SecurityRules []string
	Language      string
	// Files are the source files (relative to the working tree) that are
	// scanned and linted. When empty, the files touched by the candidate
	// are used instead.
	Files []string
	// SolutionFile, when set, means the model answers with one complete
	// file that replaces SolutionFile instead of a patch.
	SolutionFile string
}

// NotExecutedPrefix marks TestsOutput when the tests could not be run at all.
const NotExecutedPrefix = "[tests not executed] "

// CheckResult is the combined outcome of tests, lint and security scanning for
// one candidate.
type CheckResult struct {
	TotalTests         int      `json:"total_tests"`
	TestsFailed        int      `json:"tests_failed"`
	TestsOutput        string   `json:"tests_output"`
	TestsNotRun        bool     `json:"tests_not_run,omitempty"`
	SecurityViolations []string `json:"security_violations"`
	SecurityScanFailed bool     `json:"security_scan_failed"`
	LinterErrors       []string `json:"linter_errors"`
}

// NotExecuted is the check result for a candidate whose tests never ran,
// either because the runner failed or because the candidate could not be
// applied.
func NotExecuted(reason string) CheckResult {
	return CheckResult{
		TestsOutput:        NotExecutedPrefix + reason,
		TestsNotRun:        true,
		SecurityViolations: []string{},
		LinterErrors:       []string{},
	}
}

// TestsPassed is TotalTests minus TestsFailed.
func (c CheckResult) TestsPassed() int {
	return c.TotalTests - c.TestsFailed
}

// PassRate is the passing fraction, or 0 when no tests ran.
func (c CheckResult) PassRate() float64 {
	if c.TotalTests <= 0 {
		return 0
	}
	return float64(c.TotalTests-c.TestsFailed) / float64(c.TotalTests)
}

// Normalize enforces 0 <= TestsFailed <= TotalTests and turns the violation
// list into a sorted set. Nil slices become empty ones so encoded records are
// stable.
func (c CheckResult) Normalize() CheckResult {
	if c.TotalTests < 0 {
		c.TotalTests = 0
	}
	if c.TestsFailed < 0 {
		c.TestsFailed = 0
	}
	if c.TestsFailed > c.TotalTests {
		c.TestsFailed = c.TotalTests
	}
	c.SecurityViolations = SortedSet(c.SecurityViolations)
	if c.LinterErrors == nil {
		c.LinterErrors = []string{}
	} else {
		c.LinterErrors = append([]string{}, c.LinterErrors...)
	}
	return c
}

// SortedSet returns the distinct values of in, sorted. It never returns nil.
func SortedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Metrics is the score derived from a CheckResult.
type Metrics struct {
	CRI     float64 `json:"cri"`
	SADFlag bool    `json:"sad_flag"`
	Tau     int     `json:"tau"`
}

// IterationRecord is one tau step. Records are appended in tau order and never
// edited afterwards.
type IterationRecord struct {
	TauStep int `json:"tau_step"`
	// Artifact is the working tree the candidate was applied to. Empty when
	// generation failed and nothing was produced.
	Artifact        string      `json:"artifact,omitempty"`
	Candidate       string      `json:"candidate,omitempty"`
	GenerationError string      `json:"generation_error,omitempty"`
	Checks          CheckResult `json:"checks"`
	Metrics         Metrics     `json:"metrics"`
	Decision        Decision    `json:"decision"`
}

// RunKind distinguishes the single-shot baseline from the guarded run.
type RunKind string

const (
	Baseline RunKind = "baseline"
	Wrapped  RunKind = "wrapped"
)

// StopReason records why a run ended.
type StopReason string

const (
	StopTerminal  StopReason = "terminal"
	StopPlateau   StopReason = "plateau"
	StopBudget    StopReason = "budget"
	StopCancelled StopReason = "cancelled"
	StopEmpty     StopReason = "empty"
)

// RunResult is the ordered trace of one baseline or wrapped run.
type RunResult struct {
	Kind          RunKind           `json:"kind"`
	Model         string            `json:"model"`
	Task          string            `json:"task"`
	Iterations    []IterationRecord `json:"iterations"`
	FinalDecision Decision          `json:"final_decision"`
	FinalArtifact string            `json:"final_artifact,omitempty"`
	StopReason    StopReason        `json:"stop_reason"`
}

// Last returns the most recent record.
func (r *RunResult) Last() (IterationRecord, bool) {
	if len(r.Iterations) == 0 {
		return IterationRecord{}, false
	}
	return r.Iterations[len(r.Iterations)-1], true
}

// CRIHistory lists the CRI of every record in tau order.
func (r *RunResult) CRIHistory() []float64 {
	out := make([]float64, 0, len(r.Iterations))
	for _, it := range r.Iterations {
		out = append(out, it.Metrics.CRI)
	}
	return out
}

// CRIImprovement is the last CRI minus the first, or 0 with fewer than two
// records.
func (r *RunResult) CRIImprovement() float64 {
	if len(r.Iterations) < 2 {
		return 0
	}
	return r.Iterations[len(r.Iterations)-1].Metrics.CRI - r.Iterations[0].Metrics.CRI
}

func (r *RunResult) finalize() {
	last, ok := r.Last()
	if !ok {
		r.FinalDecision = Abstain
		r.FinalArtifact = ""
		if r.StopReason == "" {
			r.StopReason = StopEmpty
		}
		return
	}
	r.FinalDecision = last.Decision
	r.FinalArtifact = last.Artifact
}
