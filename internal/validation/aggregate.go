package validation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/security"
)

// Scanner certifies source text against a set of rule families. scanFailed
// means the text could not be analysed, which is not the same as clean.
type Scanner interface {
	Scan(ctx context.Context, source []byte, language string, rules []string) (violations []string, scanFailed bool)
}

// Aggregator runs the test, lint and security collaborators for one
// candidate and merges their results. A failing collaborator is recorded in
// the result and never aborts the others.
type Aggregator struct {
	Tests   TestRunner
	Linter  Linter
	Scanner Scanner
	// ChangedFiles lists the files a candidate touches. It is consulted when
	// the task does not name its files.
	ChangedFiles func(candidate string) []string
	// TreeChanges lists every file of the working tree that differs from
	// its baseline. Candidates pile up across tau steps, so files changed
	// by earlier candidates are scanned again on every check.
	TreeChanges func(workDir string) ([]string, error)
	Logger      *slog.Logger
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Check implements guard.Checker.
func (a *Aggregator) Check(ctx context.Context, workDir, candidate string, task guard.Task) guard.CheckResult {
	log := a.logger().With("task", task.Name)
	result := a.runTests(ctx, workDir, task, log)

	files := a.relevantFiles(workDir, candidate, task, log)
	violations := []string{}
	lint := []string{}
	for _, rel := range files {
		src, err := os.ReadFile(filepath.Join(workDir, rel))
		if err != nil {
			log.Debug("skipping unreadable file", "file", rel, "error", err)
			continue
		}
		if a.Scanner != nil {
			v, failed := a.Scanner.Scan(ctx, src, task.Language, task.SecurityRules)
			if failed {
				log.Warn("security scan could not certify file", "file", rel)
				result.SecurityScanFailed = true
			}
			violations = append(violations, v...)
		}
		if a.Linter != nil {
			lines, err := a.Linter.Lint(ctx, workDir, rel)
			if err != nil {
				log.Warn("lint failed", "file", rel, "error", err)
				continue
			}
			lint = append(lint, lines...)
		}
	}
	result.SecurityViolations = violations
	result.LinterErrors = lint
	return result.Normalize()
}

func (a *Aggregator) runTests(ctx context.Context, workDir string, task guard.Task, log *slog.Logger) guard.CheckResult {
	if a.Tests == nil {
		return guard.NotExecuted("no test runner configured")
	}
	run, err := a.Tests.RunTests(ctx, workDir, task)
	if err != nil {
		log.Warn("tests did not run", "error", err)
		reason := err.Error()
		if run != nil && run.Output != "" {
			reason += "\n" + run.Output
		}
		return guard.NotExecuted(reason)
	}
	counts := ParseTestCounts(run.Output)
	if counts.Fallback {
		log.Debug("test output not recognized, using fallback counts", "failed", counts.Failed)
	}
	return guard.CheckResult{
		TotalTests:  counts.Total,
		TestsFailed: counts.Failed,
		TestsOutput: run.Output,
	}
}

// relevantFiles returns the task's files or, when it names none, the
// solution file plus everything the candidate and earlier candidates
// changed, restricted to the task language and to paths inside the working
// tree.
func (a *Aggregator) relevantFiles(workDir, candidate string, task guard.Task, log *slog.Logger) []string {
	names := append([]string(nil), task.Files...)
	if len(names) == 0 {
		if task.SolutionFile != "" {
			names = append(names, task.SolutionFile)
		} else if a.ChangedFiles != nil {
			names = append(names, a.ChangedFiles(candidate)...)
		}
		if a.TreeChanges != nil {
			changed, err := a.TreeChanges(workDir)
			if err != nil {
				log.Debug("listing working tree changes failed", "error", err)
			}
			names = append(names, changed...)
		}
	}
	lang := task.Language
	if lang == "" {
		lang = "python"
	}
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		n = filepath.Clean(strings.TrimSpace(n))
		if n == "." || !filepath.IsLocal(n) || seen[n] {
			continue
		}
		if security.LanguageOf(n) != lang {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
