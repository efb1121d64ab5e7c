//go:build integration

package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/tauguard/internal/config"
	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/llm"
	"github.com/signalnine/tauguard/internal/result"
	"github.com/signalnine/tauguard/internal/runner"
	"github.com/signalnine/tauguard/internal/telemetry"
)

// createFixtureRepo creates a minimal git repo for integration testing.
func createFixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
	os.WriteFile(filepath.Join(dir, "app.py"), []byte("def greet():\n    return 'hello'\n"), 0o644)
	os.MkdirAll(filepath.Join(dir, "tests"), 0o755)
	os.WriteFile(filepath.Join(dir, "tests", "test_app.py"), []byte(
		"import unittest\n\n\nclass TestApp(unittest.TestCase):\n    def test_runs(self):\n        self.assertTrue(True)\n"), 0o644)
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
		{"git", "tag", "v1"},
	} {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
	return dir
}

func TestSandboxedRunIntegration(t *testing.T) {
	if os.Getenv("TAUGUARD_DOCKER_TESTS") == "" {
		t.Skip("set TAUGUARD_DOCKER_TESTS=1 to run integration tests")
	}

	fixtureDir := createFixtureRepo(t)

	resultsDir := t.TempDir()
	runDir, err := result.CreateRunDir(resultsDir)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}

	cfg := &config.Config{Dir: fixtureDir, Sandbox: config.Sandbox{Image: config.DefaultSandboxImage}}
	task := config.Task{
		Name:         "greet",
		Repo:         fixtureDir,
		Tag:          "v1",
		Description:  "Keep greet working.",
		TestCmd:      "python -m unittest discover -s tests -v",
		LintCmd:      "-",
		SolutionFile: "app.py",
		Language:     "python",
	}
	client, err := llm.New(llm.Config{Provider: llm.Fake, Model: "fake"}, func(string) string { return "" })
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	w, err := result.OpenWriter(filepath.Join(runDir, result.ResultsFile))
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	out, err := runner.RunTask(ctx, &runner.TaskOpts{
		Config:   cfg,
		Model:    config.Model{Name: "fake", Provider: "fake"},
		Task:     task,
		RunID:    "integration",
		RunDir:   runDir,
		Client:   client,
		Writer:   w,
		Recorder: telemetry.NewRecorder(),
		Policy:   guard.DefaultPolicy(),
		Sandbox:  true,
	})
	w.Close()
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if out.Wrapped.FinalDecision != guard.OK {
		t.Errorf("final decision: got %q, want %q", out.Wrapped.FinalDecision, guard.OK)
	}

	rows, err := result.ReadRecords(filepath.Join(runDir, result.ResultsFile))
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	for _, r := range rows {
		if !result.VerifyRowHash(r) {
			t.Errorf("row %s/%d: bad row hash", r.Type, r.Tau)
		}
	}
}
