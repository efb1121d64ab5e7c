package validation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DefaultLintCmd prints one diagnostic per line.
const DefaultLintCmd = "ruff check --output-format=concise"

// DefaultLintTimeout bounds one lint invocation.
const DefaultLintTimeout = time.Minute

// Linter reports the diagnostics for one file of a working tree.
type Linter interface {
	Lint(ctx context.Context, workDir, path string) ([]string, error)
}

// CommandLinter runs Command with the file path appended as the last
// argument. The command is split on whitespace and run without a shell.
type CommandLinter struct {
	Command string
	Timeout time.Duration
}

func (l *CommandLinter) Lint(ctx context.Context, workDir, path string) ([]string, error) {
	fields := strings.Fields(l.Command)
	if len(fields) == 0 {
		fields = strings.Fields(DefaultLintCmd)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultLintTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(fields[1:len(fields):len(fields)], path)
	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.Dir = workDir
	cmd.WaitDelay = 5 * time.Second

	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("lint timed out after %s", timeout)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", fields[0], err)
		}
		exitCode = exitErr.ExitCode()
	}
	return ParseLintLines(string(out), exitCode), nil
}

var lintSummaryRe = regexp.MustCompile(`^(Found \d+ errors?|\[\*\] \d+ fixable|No fixes available|All checks passed)`)

// ParseLintLines keeps one entry per diagnostic line. A clean exit with no
// output has no diagnostics; summary lines are dropped.
func ParseLintLines(output string, exitCode int) []string {
	if exitCode == 0 && strings.TrimSpace(output) == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || lintSummaryRe.MatchString(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
