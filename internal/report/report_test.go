package report_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/report"
	"github.com/signalnine/tauguard/internal/result"
)

func writeRows(t *testing.T, rows []result.Record) string {
	t.Helper()
	runDir := t.TempDir()
	w, err := result.OpenWriter(filepath.Join(runDir, result.ResultsFile))
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return runDir
}

func sampleRows() []result.Record {
	return []result.Record{
		{Type: result.TypeIteration, Model: "model-a", Task: "t1", Decision: guard.Abstain, SecurityScanFailed: true},
		{Type: result.TypeBaseline, Model: "model-a", Provider: "openai", Task: "t1", FinalDecision: guard.Abstain, InputTokens: 100, OutputTokens: 50},
		{Type: result.TypeWrapped, Model: "model-a", Provider: "openai", Task: "t1", FinalDecision: guard.OK, CRI: 1, Iterations: 2, InputTokens: 900, OutputTokens: 450},
		{Type: result.TypeWrapped, Model: "model-a", Provider: "openai", Task: "t2", FinalDecision: guard.Veto, CRI: 0.5, Iterations: 1, SecurityViolations: []string{"SQLI_FSTRING"}},
		{Type: result.TypeWrapped, Model: "model-b", Provider: "gemini", Task: "t1", FinalDecision: guard.Abstain, CRI: 0.2, Iterations: 3},
		{Type: result.TypeReconciled, Model: "model-b", Task: "t1", Decision: guard.OK},
	}
}

func TestAggregate(t *testing.T) {
	got := report.Aggregate(sampleRows(), nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
	a, b := got[0], got[1]
	if a.Name != "model-a" || b.Name != "model-b" {
		t.Fatalf("summaries not sorted: %s, %s", a.Name, b.Name)
	}
	if a.Runs != 2 || a.OKRate != 0.5 || a.VetoRate != 0.5 || a.AbstainRate != 0 {
		t.Errorf("model-a rates: %+v", a)
	}
	if a.BaselineRuns != 1 || a.BaselineOKRate != 0 {
		t.Errorf("model-a baseline: %+v", a)
	}
	if a.MeanCRI != 0.75 || a.MeanIterations != 1.5 {
		t.Errorf("model-a means: cri %v iterations %v", a.MeanCRI, a.MeanIterations)
	}
	if a.TotalTokens != 1500 {
		t.Errorf("model-a tokens: got %d, want 1500", a.TotalTokens)
	}
	if a.ScanFailures != 1 {
		t.Errorf("model-a scan failures: got %d, want 1", a.ScanFailures)
	}
	if len(a.Findings) != 1 || a.Findings[0] != "SQLI_FSTRING" {
		t.Errorf("model-a findings: %v", a.Findings)
	}
	if a.ReconciledOK != nil {
		t.Errorf("model-a has no reconciled rows, got %v", *a.ReconciledOK)
	}
	if b.ReconciledOK == nil || *b.ReconciledOK != 1 {
		t.Errorf("model-b reconciled rate: %v", b.ReconciledOK)
	}
	if b.AbstainRate != 1 {
		t.Errorf("model-b abstain rate: got %v, want 1", b.AbstainRate)
	}
}

func TestGenerateFormats(t *testing.T) {
	runDir := writeRows(t, sampleRows())

	var table bytes.Buffer
	if err := report.Generate(runDir, "table", &table); err != nil {
		t.Fatalf("Generate table: %v", err)
	}
	for _, want := range []string{"MODEL", "model-a", "model-b", "50%"} {
		if !strings.Contains(table.String(), want) {
			t.Errorf("table output missing %q:\n%s", want, table.String())
		}
	}

	var md bytes.Buffer
	if err := report.Generate(runDir, "markdown", &md); err != nil {
		t.Fatalf("Generate markdown: %v", err)
	}
	if !strings.Contains(md.String(), "| model-a |") || !strings.Contains(md.String(), "SQLI_FSTRING") {
		t.Errorf("markdown output:\n%s", md.String())
	}

	var js bytes.Buffer
	if err := report.Generate(runDir, "json", &js); err != nil {
		t.Fatalf("Generate json: %v", err)
	}
	var decoded []report.ModelSummary
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding json report: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("expected 2 json summaries, got %d", len(decoded))
	}

	if err := report.Generate(runDir, "xml", &js); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestGenerateWithPricing(t *testing.T) {
	runDir := writeRows(t, sampleRows())
	pricingPath := filepath.Join(t.TempDir(), "pricing.yaml")
	os.WriteFile(pricingPath, []byte("openai:\n  model-a:\n    input: 1.0\n    output: 2.0\n"), 0o644)

	var js bytes.Buffer
	if err := report.Generate(runDir, "json", &js, pricingPath); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var decoded []report.ModelSummary
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	// (100+900)/1000*1 + (50+450)/1000*2
	if got := decoded[0].TotalCostUSD; got < 1.999 || got > 2.001 {
		t.Errorf("model-a cost: got %v, want 2", got)
	}
}

func TestGenerateMissingResults(t *testing.T) {
	if err := report.Generate(t.TempDir(), "table", &bytes.Buffer{}); err == nil {
		t.Error("expected error without results.jsonl")
	}
}
