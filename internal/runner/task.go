package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/signalnine/tauguard/internal/config"
	"github.com/signalnine/tauguard/internal/gitops"
	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/llm"
	"github.com/signalnine/tauguard/internal/patch"
	"github.com/signalnine/tauguard/internal/result"
	"github.com/signalnine/tauguard/internal/security"
	"github.com/signalnine/tauguard/internal/telemetry"
	"github.com/signalnine/tauguard/internal/validation"
)

// FinalPatchFile holds the working tree diff of a finished run.
const FinalPatchFile = "final.patch"

type TaskOpts struct {
	Config   *config.Config
	Model    config.Model
	Task     config.Task
	RunID    string
	RunDir   string
	Client   llm.Client
	Meter    *llm.Meter
	Writer   *result.Writer
	Recorder *telemetry.Recorder
	Policy   guard.Policy
	Baseline bool
	Sandbox  bool
	Logger   *slog.Logger
}

// TaskOutcome is what one model x task pair produced.
type TaskOutcome struct {
	Baseline *guard.RunResult
	Wrapped  *guard.RunResult
}

func (o *TaskOpts) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// PrepareWorkspace materializes a task into dest: repo tasks are cloned at
// their tag, path tasks are copied and committed as a baseline so later
// diffs only show the model's changes.
func PrepareWorkspace(cfg *config.Config, t config.Task, dest string) error {
	if t.Repo != "" {
		if err := gitops.CloneAndCheckout(t.Repo, t.Tag, dest); err != nil {
			return fmt.Errorf("cloning task repo: %w", err)
		}
		return nil
	}
	src := cfg.Resolve(t.Path)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("task path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("task path %s is not a directory", src)
	}
	if err := gitops.CopyDir(src, dest); err != nil {
		return fmt.Errorf("copying task: %w", err)
	}
	if err := gitops.InitBaseline(dest); err != nil {
		return fmt.Errorf("initializing task baseline: %w", err)
	}
	return nil
}

// NewChecker builds the aggregator for a task from the configured test,
// lint and sandbox settings.
func NewChecker(cfg *config.Config, t config.Task, sandbox bool, log *slog.Logger) *validation.Aggregator {
	var tests validation.TestRunner
	if sandbox {
		sb := cfg.Sandbox
		if sb.Image == "" {
			sb.Image = config.DefaultSandboxImage
		}
		tests = &validation.SandboxRunner{
			Image:       sb.Image,
			Command:     t.TestCmd,
			Timeout:     cfg.Timeouts.Test(),
			CPULimit:    sb.CPULimit,
			MemoryLimit: int64(sb.MemoryLimitMB) * 1024 * 1024,
			UserID:      sb.UserID,
			Network:     sb.Network,
		}
	} else {
		tests = &validation.NativeRunner{Command: t.TestCmd, Timeout: cfg.Timeouts.Test()}
	}
	// A lint_cmd of "-" disables linting.
	var linter validation.Linter
	if t.LintCmd != "-" {
		linter = &validation.CommandLinter{Command: t.LintCmd, Timeout: cfg.Timeouts.Lint()}
	}
	return &validation.Aggregator{
		Tests:        tests,
		Linter:       linter,
		Scanner:      security.NewScanner(),
		ChangedFiles: patch.ChangedFiles,
		TreeChanges:  gitops.DiffNames,
		Logger:       log,
	}
}

// RunTask runs the optional baseline and then the wrapped loop for one
// model and task, each in its own copy of the task. Every record is written
// to the results file as it is produced.
func RunTask(ctx context.Context, opts *TaskOpts) (*TaskOutcome, error) {
	gt, err := opts.Config.GuardTask(opts.Task)
	if err != nil {
		return nil, err
	}
	log := opts.logger().With("model", opts.Model.Name, "task", gt.Name)
	if opts.Task.TimeLimitMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.Task.TimeLimitMinutes)*time.Minute)
		defer cancel()
	}

	out := &TaskOutcome{}
	kinds := []guard.RunKind{guard.Wrapped}
	if opts.Baseline {
		kinds = []guard.RunKind{guard.Baseline, guard.Wrapped}
	}
	var errs []error
	for _, kind := range kinds {
		run, err := opts.runKind(ctx, kind, gt, log)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s run: %w", kind, err))
		}
		if kind == guard.Baseline {
			out.Baseline = run
		} else {
			out.Wrapped = run
		}
	}
	return out, errors.Join(errs...)
}

func (o *TaskOpts) runKind(ctx context.Context, kind guard.RunKind, task guard.Task, log *slog.Logger) (*guard.RunResult, error) {
	workDir := result.WorkDir(o.RunDir, o.Model.Name, task.Name, string(kind))
	if err := os.MkdirAll(filepath.Dir(workDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	if err := PrepareWorkspace(o.Config, o.Task, workDir); err != nil {
		return nil, err
	}

	meta := result.RunMeta{RunID: o.RunID, Model: o.Model.Name, Provider: o.Model.Provider, Task: task.Name}
	meterKey := fmt.Sprintf("%s/%s/%s", o.Model.Name, task.Name, kind)
	meter := o.Meter
	if meter == nil {
		meter = llm.NewMeter()
	}

	var (
		mu       sync.Mutex
		writeErr error
		last     = time.Now()
	)
	keep := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && writeErr == nil {
			writeErr = err
		}
	}

	engine := &guard.Engine{
		Model: o.Model.Name,
		Generator: &llm.Generator{
			Client:   o.Client,
			Meter:    meter,
			MeterKey: meterKey,
			Logger:   log,
			OnUsage: func(u llm.Usage) {
				if o.Recorder != nil {
					o.Recorder.AddTokens(o.Model.Name, u.InputTokens, u.OutputTokens)
				}
			},
		},
		Applier:         &patch.Applier{SolutionFile: task.SolutionFile},
		Checker:         NewChecker(o.Config, o.Task, o.Sandbox, log),
		Policy:          o.Policy,
		GenerateTimeout: o.Config.Timeouts.Generate(),
		Snapshot:        Snapshot,
		Logger:          log,
		OnRecord: func(kind guard.RunKind, rec guard.IterationRecord) {
			now := time.Now()
			if o.Recorder != nil {
				o.Recorder.ObserveStep(o.Model.Name, kind, rec, now.Sub(last))
			}
			last = now
			if o.Writer != nil {
				keep(o.Writer.Write(result.IterationRow(meta, kind, rec)))
			}
		},
	}

	var run *guard.RunResult
	if kind == guard.Baseline {
		run = engine.RunBaseline(ctx, task, workDir)
	} else {
		run = engine.RunWrapped(ctx, task, workDir)
	}
	if o.Recorder != nil {
		o.Recorder.ObserveRun(run)
	}

	var patchHash string
	if diff, err := gitops.CaptureChanges(workDir); err != nil {
		log.Warn("capturing final diff failed", "kind", kind, "error", err)
	} else if len(diff) > 0 {
		patchHash = patch.Hash(string(diff))
		if err := os.WriteFile(filepath.Join(filepath.Dir(workDir), string(kind)+"-"+FinalPatchFile), diff, 0o644); err != nil {
			log.Warn("writing final diff failed", "kind", kind, "error", err)
		}
	}

	usage := meter.Get(meterKey)
	if o.Writer != nil {
		keep(o.Writer.Write(result.SummaryRow(meta, run, patchHash, usage.InputTokens, usage.OutputTokens)))
	}
	return run, writeErr
}
