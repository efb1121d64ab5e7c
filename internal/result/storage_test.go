package result_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/result"
)

func boolPtr(b bool) *bool { return &b }

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	runDir, err := result.CreateRunDir(base)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		t.Errorf("run directory not created: %s", runDir)
	}
	latest := filepath.Join(base, "latest")
	target, err := os.Readlink(latest)
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != runDir {
		t.Errorf("latest symlink: got %q, want %q", target, runDir)
	}
}

func TestWorkDir(t *testing.T) {
	base := t.TempDir()
	dir := result.WorkDir(base, "openai/gpt-4o", "my-task", "wrapped")
	expected := filepath.Join(base, "work", "openai_gpt-4o", "my-task", "wrapped")
	if dir != expected {
		t.Errorf("got %q, want %q", dir, expected)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &result.Manifest{RunID: "r1", StartedAt: "2026-01-02T03:04:05Z", Models: []string{"m"}, Tasks: []string{"t"}, Policy: guard.DefaultPolicy(), Baseline: true}
	if err := result.WriteManifest(dir, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	got, err := result.ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.RunID != "r1" || got.Policy != guard.DefaultPolicy() || !got.Baseline {
		t.Errorf("manifest: got %+v", got)
	}
}

func TestCanonicalSortsKeys(t *testing.T) {
	got, err := result.Canonical(map[string]any{"b": 1, "a": "<x>", "c": 0.5})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if want := `{"a":"<x>","b":1,"c":0.5}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func sampleRecord(i int) result.Record {
	return result.Record{
		RunID:              "run",
		Type:               result.TypeIteration,
		Model:              "m",
		Task:               fmt.Sprintf("task-%d", i),
		Tau:                i%3 + 1,
		Decision:           guard.Abstain,
		CRI:                float64(i%10) / 10,
		TotalTests:         10,
		TestsFailed:        i % 10,
		TestPassRate:       float64(10-i%10) / 10,
		SecurityViolations: []string{},
	}
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", result.ResultsFile)
	w, err := result.OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	w.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.Write(sampleRecord(i)); err != nil {
				t.Errorf("Write: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := result.ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(recs) != n {
		t.Fatalf("got %d records, want %d", len(recs), n)
	}
	for _, r := range recs {
		if r.Timestamp != "2026-01-02T03:04:05Z" {
			t.Errorf("timestamp: got %q", r.Timestamp)
		}
		if !result.VerifyRowHash(r) {
			t.Errorf("row hash does not verify for %s", r.Task)
		}
	}

	tampered := recs[0]
	tampered.Decision = guard.OK
	if result.VerifyRowHash(tampered) {
		t.Error("tampered row should not verify")
	}
}

func TestReadRecordsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), result.ResultsFile)
	os.WriteFile(path, []byte("{\"run_id\":\"a\"}\n\nnot json\n"), 0o644)
	if _, err := result.ReadRecords(path); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestSummaryRowEmptyRun(t *testing.T) {
	run := &guard.RunResult{Kind: guard.Wrapped, FinalDecision: guard.Abstain, StopReason: guard.StopEmpty}
	r := result.SummaryRow(result.RunMeta{RunID: "r", Model: "m", Task: "t"}, run, "", 0, 0)
	if r.Type != result.TypeWrapped || r.Decision != guard.Abstain || r.Iterations != 0 || r.CRIImprovement != nil {
		t.Errorf("summary: got %+v", r)
	}
	if r.SecurityViolations == nil {
		t.Error("violations should be an empty list")
	}
}

func TestCanonicalHashStable(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)
	props.Property("hashing a record is deterministic and order-independent", prop.ForAll(
		func(i int, name string, cri float64) bool {
			r := sampleRecord(i)
			r.Task = name
			r.CRI = cri
			h1, err1 := result.CanonicalHash(r)
			h2, err2 := result.CanonicalHash(r)
			m := map[string]any{"task": name, "cri": cri, "tau": r.Tau}
			n := map[string]any{"tau": r.Tau, "cri": cri, "task": name}
			c1, _ := result.CanonicalHash(m)
			c2, _ := result.CanonicalHash(n)
			return err1 == nil && err2 == nil && h1 == h2 && c1 == c2 && len(h1) == 64
		},
		gen.IntRange(0, 1000), gen.AlphaString(), gen.Float64Range(0, 1),
	))
	props.TestingRun(t)
}

func TestRecordLocalRebuildsChecks(t *testing.T) {
	checks := guard.CheckResult{
		TotalTests:         5,
		TestsFailed:        1,
		SecurityViolations: []string{"SQLI_FSTRING"},
		LinterErrors:       []string{"E1", "E2"},
	}.Normalize()
	rec := guard.IterationRecord{TauStep: 2, Checks: checks, Metrics: guard.ComputeMetrics(checks, 2), Decision: guard.Veto}
	row := result.IterationRow(result.RunMeta{RunID: "r", Model: "m", Task: "t"}, guard.Wrapped, rec)

	local := row.Local()
	if local.TauStep != 2 || local.Decision != guard.Veto {
		t.Errorf("tau/decision: got %d/%s", local.TauStep, local.Decision)
	}
	if got := guard.ComputeMetrics(local.Checks, 2); got != rec.Metrics {
		t.Errorf("metrics from rebuilt checks: got %+v, want %+v", got, rec.Metrics)
	}
	if strings.Join(local.Checks.LinterErrors, ",") != "E1,E2" {
		t.Errorf("lint entries: got %v, want [E1 E2]", local.Checks.LinterErrors)
	}
	if row.OracleKey() != "t" {
		t.Errorf("oracle key: got %q, want t", row.OracleKey())
	}
}

func TestRecordLocalCountOnlyRow(t *testing.T) {
	row := result.Record{Type: result.TypeWrapped, Task: "t", Tau: 1, TotalTests: 1, LinterErrorsCount: 2}
	local := row.Local()
	want := []string{"[lint error 1 not recorded]", "[lint error 2 not recorded]"}
	if strings.Join(local.Checks.LinterErrors, "|") != strings.Join(want, "|") {
		t.Errorf("lint entries: got %v, want %v", local.Checks.LinterErrors, want)
	}
	if got := guard.ComputeMetrics(local.Checks, 1).CRI; got < 0.959 || got > 0.961 {
		t.Errorf("cri: got %v, want 0.96", got)
	}
}

func TestReconciledRowKeepsLintLines(t *testing.T) {
	checks := guard.CheckResult{TotalTests: 2, LinterErrors: []string{"app.py:1:1: F401 unused import"}}.Normalize()
	rec := guard.IterationRecord{TauStep: 1, Checks: checks, Metrics: guard.ComputeMetrics(checks, 1), Decision: guard.OK}
	row := result.SummaryRow(result.RunMeta{Model: "m", Task: "t"}, &guard.RunResult{
		Kind: guard.Wrapped, Iterations: []guard.IterationRecord{rec}, FinalDecision: guard.OK,
	}, "", 0, 0)

	gt := guard.NewGroundTruth(boolPtr(true), "")
	rr := guard.DefaultPolicy().Reconcile(row.Local(), &gt)
	reconciled := result.ReconciledRow(result.RunMeta{Model: "m", Task: "t"}, row.Type, rr)
	if strings.Join(reconciled.LinterErrors, ",") != "app.py:1:1: F401 unused import" {
		t.Errorf("reconciled lint: got %v", reconciled.LinterErrors)
	}
}

func TestExternalRow(t *testing.T) {
	checks := guard.CheckResult{TotalTests: 1}.Normalize()
	rec := guard.IterationRecord{TauStep: 1, Checks: checks, Metrics: guard.ComputeMetrics(checks, 1), Decision: guard.OK}
	row := result.ExternalRow(result.RunMeta{Model: "agent", Task: "django__1", InstanceID: "django__1"}, rec, "Submitted", "h")
	if row.Type != result.TypeExternal || row.FinalDecision != guard.OK || row.AgentStatus != "Submitted" {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.OracleKey() != "django__1" {
		t.Errorf("oracle key: got %q", row.OracleKey())
	}
}
