// Package oracle reads ground-truth verdicts produced by an external
// evaluator and can drive that evaluator over a predictions file.
package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalnine/tauguard/internal/guard"
)

// ResultsFile is the per-instance verdict file an evaluator writes under
// <outdir>/<run_id>/.
const ResultsFile = "instance_results.jsonl"

const DefaultTimeout = time.Hour

// ErrNoResults is returned when an evaluator finished without writing its
// results file.
var ErrNoResults = errors.New("evaluator wrote no instance results")

type instanceResult struct {
	InstanceID     string `json:"instance_id"`
	Resolved       *bool  `json:"resolved"`
	ResolvedStatus string `json:"resolved_status"`
	Status         string `json:"status"`
}

// Load reads an instance results file into verdicts keyed by instance id.
// Rows without an id are skipped; a later row for the same id wins.
func Load(path string) (map[string]guard.GroundTruthEval, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading instance results: %w", err)
	}
	out := map[string]guard.GroundTruthEval{}
	sc := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r instanceResult
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		if r.InstanceID == "" {
			continue
		}
		status := r.ResolvedStatus
		if status == "" {
			status = r.Status
		}
		out[r.InstanceID] = guard.NewGroundTruth(r.Resolved, status)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return out, nil
}

type EvalOpts struct {
	// Template is the evaluator command. {predictions}, {run_id} and
	// {outdir} are substituted after the template is split into words.
	Template    string
	Predictions string
	RunID       string
	OutDir      string
	Timeout     time.Duration
	// InstanceIDs are written as unknown-status stubs when Template is
	// empty.
	InstanceIDs []string
	Logger      *slog.Logger
}

// ResultsPath is where an evaluation for runID lands under outDir.
func ResultsPath(outDir, runID string) string {
	return filepath.Join(outDir, runID, ResultsFile)
}

// Evaluate produces the instance results for a predictions file and
// returns their path. Existing results are reused. Without a template,
// stub rows with an unknown status are written so reconciliation keeps
// local verdicts.
func Evaluate(ctx context.Context, opts EvalOpts) (string, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.RunID == "" || strings.ContainsAny(opts.RunID, `/\`) || opts.RunID == ".." {
		return "", fmt.Errorf("invalid evaluation run id %q", opts.RunID)
	}
	path := ResultsPath(opts.OutDir, opts.RunID)
	if _, err := os.Stat(path); err == nil {
		log.Info("reusing existing instance results", "path", path)
		return path, nil
	}

	if strings.TrimSpace(opts.Template) == "" {
		log.Warn("no evaluator configured, writing unknown-status stubs", "instances", len(opts.InstanceIDs))
		return path, writeStubs(path, opts.InstanceIDs)
	}

	words, err := SplitCommand(opts.Template)
	if err != nil {
		return "", fmt.Errorf("parsing evaluator command: %w", err)
	}
	r := strings.NewReplacer("{predictions}", opts.Predictions, "{run_id}", opts.RunID, "{outdir}", opts.OutDir)
	for i, w := range words {
		words[i] = r.Replace(w)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.WaitDelay = 5 * time.Second
	log.Info("running evaluator", "command", strings.Join(words, " "))
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("evaluator timed out after %s", timeout)
	}
	if err != nil {
		return "", fmt.Errorf("evaluator failed: %w: %s", err, tail(out))
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w at %s", ErrNoResults, path)
	}
	return path, nil
}

func writeStubs(path string, ids []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating evaluation dir: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		row := map[string]any{
			"instance_id":  id,
			"status":       "unknown",
			"tests_passed": 0,
			"tests_failed": 0,
			"total_tests":  0,
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing stub results: %w", err)
	}
	return nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 2000 {
		s = "..." + s[len(s)-2000:]
	}
	return s
}

// SplitCommand splits a command line into words the way a POSIX shell
// would for plain words, single and double quotes and backslash escapes.
// No expansion of any kind happens.
func SplitCommand(s string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped, inWord = true, true
		case r == '\'' || r == '"':
			quote, inWord = r, true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if escaped {
		return nil, errors.New("trailing backslash")
	}
	if inWord {
		words = append(words, cur.String())
	}
	if len(words) == 0 {
		return nil, errors.New("empty command")
	}
	return words, nil
}
