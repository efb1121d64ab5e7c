package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tauguard/internal/gitops"
	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/patch"
	"github.com/signalnine/tauguard/internal/security"
)

type fakeTests struct {
	run *TestRun
	err error
}

func (f *fakeTests) RunTests(context.Context, string, guard.Task) (*TestRun, error) {
	return f.run, f.err
}

// fakeScanner reports a violation for sources containing "BAD" and fails on
// sources containing "BROKEN".
type fakeScanner struct {
	mu      sync.Mutex
	scanned []string
}

func (f *fakeScanner) Scan(_ context.Context, src []byte, _ string, _ []string) ([]string, bool) {
	f.mu.Lock()
	f.scanned = append(f.scanned, string(src))
	f.mu.Unlock()
	var out []string
	if strings.Contains(string(src), "BAD") {
		out = append(out, "SQLI_FSTRING")
	}
	return out, strings.Contains(string(src), "BROKEN")
}

type fakeLinter struct{ err error }

func (f *fakeLinter) Lint(_ context.Context, _, path string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []string{path + ":1:1: F401 unused import"}, nil
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestAggregatorMergesCollaborators(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"app.py":    "BAD one",
		"util.py":   "BAD two",
		"README.md": "BAD docs",
	})
	scanner := &fakeScanner{}
	a := &Aggregator{
		Tests:   &fakeTests{run: &TestRun{Output: "1 failed, 3 passed"}},
		Linter:  &fakeLinter{},
		Scanner: scanner,
	}
	task := guard.Task{Name: "t", Files: []string{"util.py", "app.py", "../escape.py", "README.md", "app.py"}}

	got := a.Check(context.Background(), dir, "", task)
	assert.Equal(t, 4, got.TotalTests)
	assert.Equal(t, 1, got.TestsFailed)
	assert.Equal(t, []string{"SQLI_FSTRING"}, got.SecurityViolations)
	assert.False(t, got.SecurityScanFailed)
	assert.Equal(t, []string{"app.py:1:1: F401 unused import", "util.py:1:1: F401 unused import"}, got.LinterErrors)
	assert.Equal(t, []string{"BAD one", "BAD two"}, scanner.scanned)
}

func TestAggregatorTestsNotRun(t *testing.T) {
	a := &Aggregator{Tests: &fakeTests{run: &TestRun{Output: "partial"}, err: errors.New("no such image")}}
	got := a.Check(context.Background(), t.TempDir(), "", guard.Task{})
	assert.True(t, got.TestsNotRun)
	assert.Equal(t, 0, got.TotalTests)
	assert.True(t, strings.HasPrefix(got.TestsOutput, guard.NotExecutedPrefix))
	assert.Contains(t, got.TestsOutput, "no such image")
	assert.Contains(t, got.TestsOutput, "partial")
	assert.Equal(t, guard.Abstain, guard.DefaultPolicy().Decide(got, guard.ComputeMetrics(got, 1), nil))
}

func TestAggregatorScanFailure(t *testing.T) {
	dir := writeTree(t, map[string]string{"app.py": "BROKEN"})
	a := &Aggregator{Tests: &fakeTests{run: &TestRun{Output: "3 passed"}}, Scanner: &fakeScanner{}}
	got := a.Check(context.Background(), dir, "", guard.Task{SolutionFile: "app.py"})
	assert.True(t, got.SecurityScanFailed)
	assert.Empty(t, got.SecurityViolations)
}

func TestAggregatorLintErrorIsNotFatal(t *testing.T) {
	dir := writeTree(t, map[string]string{"app.py": "BAD"})
	a := &Aggregator{
		Tests:   &fakeTests{run: &TestRun{Output: "3 passed"}},
		Linter:  &fakeLinter{err: errors.New("ruff missing")},
		Scanner: &fakeScanner{},
	}
	got := a.Check(context.Background(), dir, "", guard.Task{Files: []string{"app.py"}})
	assert.Equal(t, []string{}, got.LinterErrors)
	assert.Equal(t, []string{"SQLI_FSTRING"}, got.SecurityViolations)
}

func TestAggregatorUsesChangedFiles(t *testing.T) {
	dir := writeTree(t, map[string]string{"pkg/a.py": "BAD", "pkg/b.py": "fine"})
	scanner := &fakeScanner{}
	a := &Aggregator{
		Tests:   &fakeTests{run: &TestRun{Output: "1 passed"}},
		Scanner: scanner,
		ChangedFiles: func(candidate string) []string {
			assert.Equal(t, "the diff", candidate)
			return []string{"pkg/a.py"}
		},
	}
	got := a.Check(context.Background(), dir, "the diff", guard.Task{})
	assert.Equal(t, []string{"BAD"}, scanner.scanned)
	assert.Equal(t, []string{"SQLI_FSTRING"}, got.SecurityViolations)
}

func TestAggregatorWithASTScanner(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"app.py": "def q(cur, uid):\n    cur.execute(\"SELECT \" + uid)\n",
	})
	a := &Aggregator{
		Tests:   &fakeTests{run: &TestRun{Output: "2 passed"}},
		Scanner: security.NewScanner(),
	}
	got := a.Check(context.Background(), dir, "", guard.Task{
		Files:         []string{"app.py"},
		SecurityRules: []string{security.FamilySQLI},
	})
	assert.Equal(t, []string{security.SQLIStringConcat}, got.SecurityViolations)
	m := guard.ComputeMetrics(got, 1)
	assert.True(t, m.SADFlag)
	assert.Equal(t, guard.Veto, guard.DefaultPolicy().Decide(got, m, nil))
}

type replies struct {
	texts []string
	calls int
}

func (r *replies) Generate(context.Context, string) (string, error) {
	text := r.texts[r.calls%len(r.texts)]
	r.calls++
	return text, nil
}

func TestAggregatorRescansEarlierCandidates(t *testing.T) {
	dir := writeTree(t, map[string]string{"README.md": "users\n"})
	require.NoError(t, gitops.InitBaseline(dir))

	gen := &replies{texts: []string{
		"file: a.py\ndef find(cur, name):\n    cur.execute(f\"SELECT * FROM users WHERE name = {name}\"\n",
		"file: b.py\ndef add(a, b):\n    return a + b\n",
	}}
	engine := &guard.Engine{
		Model:     "m",
		Generator: gen,
		Applier:   &patch.Applier{},
		Checker: &Aggregator{
			Tests:        &fakeTests{run: &TestRun{Output: "3 passed"}},
			Scanner:      security.NewScanner(),
			ChangedFiles: patch.ChangedFiles,
			TreeChanges:  gitops.DiffNames,
		},
		Policy: guard.DefaultPolicy(),
	}
	res := engine.RunWrapped(context.Background(), guard.Task{
		Name:          "users",
		Language:      "python",
		SecurityRules: security.Families,
	}, dir)

	require.Len(t, res.Iterations, 2)
	assert.True(t, res.Iterations[0].Checks.SecurityScanFailed)
	assert.True(t, res.Iterations[1].Checks.SecurityScanFailed, "a.py is still in the tree at tau 2")
	assert.Equal(t, guard.Abstain, res.Iterations[1].Decision)
	assert.Equal(t, guard.Abstain, res.FinalDecision)
}

func TestAggregatorTreeChangesWithSolutionFile(t *testing.T) {
	dir := writeTree(t, map[string]string{"app.py": "fine", "helpers.py": "BAD"})
	scanner := &fakeScanner{}
	a := &Aggregator{
		Tests:   &fakeTests{run: &TestRun{Output: "1 passed"}},
		Scanner: scanner,
		TreeChanges: func(string) ([]string, error) {
			return []string{"helpers.py", "notes.txt"}, nil
		},
	}
	got := a.Check(context.Background(), dir, "code", guard.Task{SolutionFile: "app.py"})
	assert.Equal(t, []string{"fine", "BAD"}, scanner.scanned)
	assert.Equal(t, []string{"SQLI_FSTRING"}, got.SecurityViolations)
}
