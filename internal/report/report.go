// Package report summarizes the rows of a run's results.jsonl per model.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/pricing"
	"github.com/signalnine/tauguard/internal/result"
)

type ModelSummary struct {
	Name           string   `json:"name"`
	Runs           int      `json:"runs"`
	OKRate         float64  `json:"ok_rate"`
	VetoRate       float64  `json:"veto_rate"`
	AbstainRate    float64  `json:"abstain_rate"`
	BaselineRuns   int      `json:"baseline_runs"`
	BaselineOKRate float64  `json:"baseline_ok_rate"`
	MeanCRI        float64  `json:"mean_cri"`
	MeanIterations float64  `json:"mean_iterations"`
	ReconciledRuns int      `json:"reconciled_runs,omitempty"`
	ReconciledOK   *float64 `json:"reconciled_ok_rate,omitempty"`
	ExternalRuns   int      `json:"external_runs,omitempty"`
	TotalTokens    int      `json:"total_tokens"`
	TotalCostUSD   float64  `json:"total_cost_usd"`
	ScanFailures   int      `json:"scan_failures"`
	Findings       []string `json:"security_findings"`
}

// Generate reads runDir's results and writes a per-model summary in the
// given format (table, markdown or json). A pricing path prices tokens.
func Generate(runDir, format string, w io.Writer, pricingPath ...string) error {
	rows, err := result.ReadRecords(filepath.Join(runDir, result.ResultsFile))
	if err != nil {
		return err
	}
	var table *pricing.Table
	if len(pricingPath) > 0 && pricingPath[0] != "" {
		table, err = pricing.Load(pricingPath[0])
		if err != nil {
			return err
		}
	}
	summaries := Aggregate(rows, table)

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	case "", "table":
		return writeTable(summaries, w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// Aggregate folds rows into one summary per model, sorted by name. Rates
// for wrapped runs count wrapped summary rows; external rows count as runs
// of their own kind.
func Aggregate(rows []result.Record, table *pricing.Table) []ModelSummary {
	type accum struct {
		runs, ok, veto, abstain int
		baseline, baselineOK    int
		cri, iterations         float64
		reconciled, reconOK     int
		external                int
		tokens                  int
		cost                    float64
		scanFailures            int
		findings                []string
	}
	byModel := map[string]*accum{}
	get := func(name string) *accum {
		a, ok := byModel[name]
		if !ok {
			a = &accum{}
			byModel[name] = a
		}
		return a
	}

	for _, r := range rows {
		a := get(r.Model)
		switch r.Type {
		case result.TypeWrapped:
			a.runs++
			switch r.FinalDecision {
			case guard.OK:
				a.ok++
			case guard.Veto:
				a.veto++
			default:
				a.abstain++
			}
			a.cri += r.CRI
			a.iterations += float64(r.Iterations)
			a.findings = append(a.findings, r.SecurityViolations...)
		case result.TypeBaseline:
			a.baseline++
			if r.FinalDecision == guard.OK {
				a.baselineOK++
			}
		case result.TypeReconciled:
			a.reconciled++
			if r.Decision == guard.OK {
				a.reconOK++
			}
		case result.TypeExternal:
			a.external++
			a.findings = append(a.findings, r.SecurityViolations...)
		case result.TypeIteration:
			if r.SecurityScanFailed {
				a.scanFailures++
			}
			continue
		}
		if r.Type == result.TypeWrapped || r.Type == result.TypeBaseline {
			a.tokens += r.InputTokens + r.OutputTokens
			a.cost += table.Cost(r.Provider, r.Model, r.InputTokens, r.OutputTokens)
		}
	}

	summaries := make([]ModelSummary, 0, len(byModel))
	for name, a := range byModel {
		s := ModelSummary{
			Name:           name,
			Runs:           a.runs,
			BaselineRuns:   a.baseline,
			ReconciledRuns: a.reconciled,
			ExternalRuns:   a.external,
			TotalTokens:    a.tokens,
			TotalCostUSD:   a.cost,
			ScanFailures:   a.scanFailures,
			Findings:       guard.SortedSet(a.findings),
		}
		if a.runs > 0 {
			n := float64(a.runs)
			s.OKRate = float64(a.ok) / n
			s.VetoRate = float64(a.veto) / n
			s.AbstainRate = float64(a.abstain) / n
			s.MeanCRI = a.cri / n
			s.MeanIterations = a.iterations / n
		}
		if a.baseline > 0 {
			s.BaselineOKRate = float64(a.baselineOK) / float64(a.baseline)
		}
		if a.reconciled > 0 {
			rate := float64(a.reconOK) / float64(a.reconciled)
			s.ReconciledOK = &rate
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries
}

func reconciled(s ModelSummary) string {
	if s.ReconciledOK == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *s.ReconciledOK*100)
}

func writeTable(summaries []ModelSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tRUNS\tOK\tVETO\tABSTAIN\tBASELINE OK\tMEAN CRI\tMEAN ITERS\tRECONCILED OK\tTOKENS\tCOST")
	fmt.Fprintln(tw, strings.Repeat("-", 110))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%.0f%%\t%.0f%%\t%.0f%%\t%.3f\t%.1f\t%s\t%d\t$%.2f\n",
			s.Name, s.Runs, s.OKRate*100, s.VetoRate*100, s.AbstainRate*100, s.BaselineOKRate*100,
			s.MeanCRI, s.MeanIterations, reconciled(s), s.TotalTokens, s.TotalCostUSD)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []ModelSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Model | Runs | OK | VETO | ABSTAIN | Baseline OK | Mean CRI | Mean Iters | Reconciled OK | Tokens | Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %.0f%% | %.0f%% | %.0f%% | %.0f%% | %.3f | %.1f | %s | %d | $%.2f |\n",
			s.Name, s.Runs, s.OKRate*100, s.VetoRate*100, s.AbstainRate*100, s.BaselineOKRate*100,
			s.MeanCRI, s.MeanIterations, reconciled(s), s.TotalTokens, s.TotalCostUSD)
	}
	var findings []string
	for _, s := range summaries {
		if len(s.Findings) > 0 {
			findings = append(findings, fmt.Sprintf("- %s: %s", s.Name, strings.Join(s.Findings, ", ")))
		}
	}
	if len(findings) > 0 {
		fmt.Fprintln(w, "\nSecurity findings in final candidates:")
		for _, f := range findings {
			fmt.Fprintln(w, f)
		}
	}
	return nil
}

func writeJSON(summaries []ModelSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
