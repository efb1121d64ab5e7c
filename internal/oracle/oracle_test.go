package oracle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/oracle"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := write(t, oracle.ResultsFile, "\xef\xbb\xbf"+`{"instance_id":"a","resolved":true}
{"instance_id":"b","resolved":false}
{"instance_id":"c","resolved_status":"PATCH_APPLY_FAILED"}
{"instance_id":"d","status":"unknown","total_tests":0}

{"resolved":true}
{"instance_id":"e","status":"passed"}
`)
	got, err := oracle.Load(path)
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, guard.EvalResolved, got["a"].EvalStatus())
	assert.Equal(t, guard.EvalUnresolved, got["b"].EvalStatus())
	assert.Equal(t, guard.StatusUnresolved, got["b"].ResolvedStatus)
	assert.Equal(t, guard.EvalError, got["c"].EvalStatus())
	assert.Equal(t, guard.EvalUnknown, got["d"].EvalStatus())
	assert.Nil(t, got["d"].Resolved)
	assert.Equal(t, guard.EvalResolved, got["e"].EvalStatus())
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := oracle.Load(write(t, oracle.ResultsFile, "{not json}\n"))
	assert.Error(t, err)
	_, err = oracle.Load(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestEvaluateWritesStubs(t *testing.T) {
	out := t.TempDir()
	path, err := oracle.Evaluate(context.Background(), oracle.EvalOpts{
		RunID:       "run1",
		OutDir:      out,
		InstanceIDs: []string{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, oracle.ResultsPath(out, "run1"), path)

	got, err := oracle.Load(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, guard.EvalUnknown, got["x"].EvalStatus())
}

func TestEvaluateReusesExistingResults(t *testing.T) {
	out := t.TempDir()
	path := oracle.ResultsPath(out, "run1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"instance_id":"kept","resolved":true}`+"\n"), 0o644))

	got, err := oracle.Evaluate(context.Background(), oracle.EvalOpts{
		Template: "false",
		RunID:    "run1",
		OutDir:   out,
	})
	require.NoError(t, err)
	verdicts, err := oracle.Load(got)
	require.NoError(t, err)
	assert.Contains(t, verdicts, "kept")
}

func TestEvaluateRunsTemplate(t *testing.T) {
	preds := write(t, "preds.jsonl", `{"instance_id":"p1","resolved":true}`+"\n")
	out := t.TempDir()
	path, err := oracle.Evaluate(context.Background(), oracle.EvalOpts{
		Template:    `sh -c "mkdir -p {outdir}/{run_id} && cp {predictions} {outdir}/{run_id}/instance_results.jsonl"`,
		Predictions: preds,
		RunID:       "eval-1",
		OutDir:      out,
		Timeout:     30 * time.Second,
	})
	require.NoError(t, err)
	verdicts, err := oracle.Load(path)
	require.NoError(t, err)
	assert.Equal(t, guard.EvalResolved, verdicts["p1"].EvalStatus())
}

func TestEvaluateMissingResults(t *testing.T) {
	_, err := oracle.Evaluate(context.Background(), oracle.EvalOpts{
		Template: "true",
		RunID:    "run1",
		OutDir:   t.TempDir(),
	})
	assert.True(t, errors.Is(err, oracle.ErrNoResults), "got %v", err)
}

func TestEvaluateFailingCommand(t *testing.T) {
	_, err := oracle.Evaluate(context.Background(), oracle.EvalOpts{
		Template: `sh -c "echo boom; exit 3"`,
		RunID:    "run1",
		OutDir:   t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEvaluateTimeout(t *testing.T) {
	_, err := oracle.Evaluate(context.Background(), oracle.EvalOpts{
		Template: "sleep 5",
		RunID:    "run1",
		OutDir:   t.TempDir(),
		Timeout:  100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestEvaluateRejectsBadRunID(t *testing.T) {
	for _, id := range []string{"", "..", "a/b"} {
		_, err := oracle.Evaluate(context.Background(), oracle.EvalOpts{RunID: id, OutDir: t.TempDir()})
		assert.Error(t, err, "run id %q", id)
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"eval --run {run_id}", []string{"eval", "--run", "{run_id}"}},
		{`a 'b c' "d e"`, []string{"a", "b c", "d e"}},
		{`a\ b "c\"d" ''`, []string{"a b", `c"d`, ""}},
		{"  spaced\tout\n", []string{"spaced", "out"}},
	}
	for _, tt := range tests {
		got, err := oracle.SplitCommand(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"", "   ", `a "b`, `a 'b`, `a \`} {
		_, err := oracle.SplitCommand(bad)
		assert.Error(t, err, bad)
	}
}
