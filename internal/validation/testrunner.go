package validation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/tauguard/internal/docker"
	"github.com/signalnine/tauguard/internal/guard"
)

// DefaultTestTimeout bounds a test run when the runner has none set.
const DefaultTestTimeout = 5 * time.Minute

// DefaultTestCmd is used when a task names a test target but no command.
const DefaultTestCmd = "pytest -q {target}"

// ErrTestsTimedOut is returned when the test command outlives its timeout.
var ErrTestsTimedOut = errors.New("tests timed out")

// TestRun is the raw outcome of one test command.
type TestRun struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// TestRunner executes a task's tests in a working tree. A nil error means the
// command ran, whatever its exit code; an error means it could not run or
// did not finish.
type TestRunner interface {
	RunTests(ctx context.Context, workDir string, task guard.Task) (*TestRun, error)
}

// TestCommand expands {target} in tmpl with the task's test target. Targets
// default to "tests".
func TestCommand(tmpl string, task guard.Task) string {
	if tmpl == "" {
		tmpl = DefaultTestCmd
	}
	target := task.TestTarget
	if target == "" {
		target = "tests"
	}
	return strings.ReplaceAll(tmpl, "{target}", target)
}

// NativeRunner runs the test command on the host through sh.
type NativeRunner struct {
	Command string
	Timeout time.Duration
}

func (r *NativeRunner) RunTests(ctx context.Context, workDir string, task guard.Task) (*TestRun, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", TestCommand(r.Command, task))
	cmd.Dir = workDir
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	run := &TestRun{Output: string(out), Duration: time.Since(start)}
	if ctx.Err() == context.DeadlineExceeded {
		run.TimedOut = true
		run.ExitCode = 124
		return run, fmt.Errorf("%w after %s", ErrTestsTimedOut, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return run, fmt.Errorf("running tests: %w", err)
		}
		run.ExitCode = exitErr.ExitCode()
	}
	return run, nil
}

// SandboxRunner runs the test command inside a throwaway container with the
// working tree mounted at /workspace.
type SandboxRunner struct {
	Image       string
	Command     string
	Timeout     time.Duration
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	// Network enables container networking, which is off by default.
	Network bool
}

func (r *SandboxRunner) RunTests(ctx context.Context, workDir string, task guard.Task) (*TestRun, error) {
	if task.TestTarget == "" && r.Command == "" {
		return nil, errors.New("sandboxed tests require a test target or test command")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	res, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:       r.Image,
		Command:     []string{"sh", "-c", TestCommand(r.Command, task)},
		WorkDir:     workDir,
		Timeout:     timeout,
		CPULimit:    r.CPULimit,
		MemoryLimit: r.MemoryLimit,
		UserID:      r.UserID,
		NoNetwork:   !r.Network,
	})
	if err != nil {
		return nil, fmt.Errorf("running sandboxed tests: %w", err)
	}
	run := &TestRun{Output: res.Output, ExitCode: res.ExitCode, TimedOut: res.TimedOut, Duration: res.Duration}
	if res.TimedOut {
		return run, fmt.Errorf("%w after %s", ErrTestsTimedOut, timeout)
	}
	return run, nil
}

// TestCounts is what ParseTestCounts recovered from runner output. Fallback is
// set when no known summary shape matched.
type TestCounts struct {
	Total    int
	Failed   int
	Fallback bool
}

var (
	failedPassedRe   = regexp.MustCompile(`(\d+)\s+failed,\s+(\d+)\s+passed`)
	unittestFailedRe = regexp.MustCompile(`FAILED.*failures=(\d+)`)
	unittestRanRe    = regexp.MustCompile(`Ran\s+(\d+)\s+tests?\b`)
	unittestOKRe     = regexp.MustCompile(`(?m)^OK\b`)
	passedRe         = regexp.MustCompile(`(\d+)\s+passed(?:,\s+(\d+)\s+failed)?`)
	passedOnlyRe     = regexp.MustCompile(`(\d+)\s+passed`)
	failedOnlyRe     = regexp.MustCompile(`(\d+)\s+failed\b`)
)

// ParseTestCounts recovers (total, failed) from pytest, unittest, jest or
// JUnit XML output. Shapes are tried in this order:
//
//	<testsuite tests=.. failures=.. errors=..>
//	"<failed> failed, <passed> passed"
//	"FAILED (failures=<n>)" with "<passed> passed" or "Ran <n> tests"
//	"Ran <n> tests" followed by "OK"
//	"<passed> passed[, <failed> failed]"
//	"<failed> failed"
//
// When nothing matches, output that mentions "passed" and never "fail"
// counts as one passing test; anything else counts as one failing test.
func ParseTestCounts(output string) TestCounts {
	if strings.Contains(output, "<testsuite") {
		if c, ok := parseJUnitXML(output); ok {
			return c
		}
	}
	if m := failedPassedRe.FindStringSubmatch(output); m != nil {
		failed, passed := atoi(m[1]), atoi(m[2])
		return TestCounts{Total: failed + passed, Failed: failed}
	}
	if m := unittestFailedRe.FindStringSubmatch(output); m != nil {
		failed := atoi(m[1])
		if ran := unittestRanRe.FindStringSubmatch(output); ran != nil && atoi(ran[1]) >= failed {
			return TestCounts{Total: atoi(ran[1]), Failed: failed}
		}
		passed := 0
		if p := passedOnlyRe.FindStringSubmatch(output); p != nil {
			passed = atoi(p[1])
		}
		return TestCounts{Total: passed + failed, Failed: failed}
	}
	if ran := unittestRanRe.FindStringSubmatch(output); ran != nil && unittestOKRe.MatchString(output) {
		return TestCounts{Total: atoi(ran[1])}
	}
	if m := passedRe.FindStringSubmatch(output); m != nil {
		passed, failed := atoi(m[1]), 0
		if m[2] != "" {
			failed = atoi(m[2])
		}
		return TestCounts{Total: passed + failed, Failed: failed}
	}
	if m := failedOnlyRe.FindStringSubmatch(output); m != nil && atoi(m[1]) > 0 {
		n := atoi(m[1])
		return TestCounts{Total: n, Failed: n}
	}
	return fallbackCounts(output)
}

// fallbackCounts assumes the worst on output it cannot read.
func fallbackCounts(output string) TestCounts {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "passed") && !strings.Contains(lower, "fail") {
		return TestCounts{Total: 1, Failed: 0, Fallback: true}
	}
	return TestCounts{Total: 1, Failed: 1, Fallback: true}
}

func parseJUnitXML(output string) (TestCounts, bool) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "<testsuite") {
			continue
		}
		tests := atoi(extractAttr(line, "tests"))
		if tests <= 0 {
			continue
		}
		failed := atoi(extractAttr(line, "failures")) + atoi(extractAttr(line, "errors"))
		if failed > tests {
			failed = tests
		}
		return TestCounts{Total: tests, Failed: failed}, true
	}
	return TestCounts{}, false
}

func extractAttr(line, attr string) string {
	key := " " + attr + `="`
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	start := idx + len(key)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
