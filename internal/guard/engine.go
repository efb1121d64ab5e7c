package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultGenerateTimeout bounds a generation call when the engine has none set.
const DefaultGenerateTimeout = 2 * time.Minute

// Generator produces a candidate (code or patch) from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Applier writes a candidate into a working tree.
type Applier interface {
	Apply(ctx context.Context, candidate, workDir string) error
}

// Checker runs tests, lint and the security scan against a working tree. It
// reports collaborator failures inside the result and never fails itself.
type Checker interface {
	Check(ctx context.Context, workDir, candidate string, task Task) CheckResult
}

// Engine drives baseline and wrapped runs for one model. An Engine holds no
// per-run state and may serve runs for different tasks concurrently, as long
// as each run has its own working tree.
type Engine struct {
	Model     string
	Generator Generator
	Applier   Applier
	Checker   Checker
	Policy    Policy

	// GenerateTimeout bounds every generation call. Zero means
	// DefaultGenerateTimeout.
	GenerateTimeout time.Duration

	// Snapshot, if set, returns the code shown to the model for a working
	// tree.
	Snapshot func(task Task, workDir string) string

	// OnRecord is called after each record is appended, in tau order.
	OnRecord func(kind RunKind, rec IterationRecord)

	Logger *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// RunBaseline makes one unguarded attempt recorded at tau 0.
func (e *Engine) RunBaseline(ctx context.Context, task Task, workDir string) *RunResult {
	res := &RunResult{Kind: Baseline, Model: e.Model, Task: task.Name}
	m := newMachine()
	if ctx.Err() != nil {
		m.advance(StateStop)
		res.StopReason = StopCancelled
		res.finalize()
		return res
	}
	rec := e.step(ctx, m, task, workDir, 0, nil)
	e.append(res, rec)
	m.advance(StateStop)
	if rec.Decision.Terminal() {
		res.StopReason = StopTerminal
	} else {
		res.StopReason = StopBudget
	}
	res.finalize()
	return res
}

// RunWrapped runs tau steps 1..TauMax, feeding each step's checks into the
// next prompt, until ShouldStop fires. Cancellation of ctx is honoured only
// between steps; a step in flight always completes and is recorded.
func (e *Engine) RunWrapped(ctx context.Context, task Task, workDir string) *RunResult {
	res := &RunResult{Kind: Wrapped, Model: e.Model, Task: task.Name}
	log := e.logger().With("model", e.Model, "task", task.Name)
	m := newMachine()
	var prev *IterationRecord
	for tau := 1; tau <= e.Policy.TauMax; tau++ {
		if ctx.Err() != nil {
			log.Info("run cancelled", "tau", tau)
			res.StopReason = StopCancelled
			break
		}
		rec := e.step(ctx, m, task, workDir, tau, prev)
		e.append(res, rec)
		if reason, stop := e.Policy.ShouldStop(res.Iterations); stop {
			res.StopReason = reason
			break
		}
		m.advance(StateContinue)
		last := rec
		prev = &last
	}
	m.advance(StateStop)
	res.finalize()
	log.Info("run finished",
		"decision", res.FinalDecision,
		"iterations", len(res.Iterations),
		"stop_reason", res.StopReason)
	return res
}

func (e *Engine) append(res *RunResult, rec IterationRecord) {
	res.Iterations = append(res.Iterations, rec)
	if e.OnRecord != nil {
		e.OnRecord(res.Kind, rec)
	}
}

// step runs GENERATING -> CHECKING -> DECIDING once. Collaborator failures
// become records, never errors.
func (e *Engine) step(ctx context.Context, m *machine, task Task, workDir string, tau int, prev *IterationRecord) IterationRecord {
	log := e.logger().With("model", e.Model, "task", task.Name, "tau", tau)
	stepCtx := context.WithoutCancel(ctx)
	start := time.Now()

	m.advance(StateGenerating)
	var snapshot string
	if e.Snapshot != nil {
		snapshot = e.Snapshot(task, workDir)
	}
	prompt := BuildPrompt(task, prev, snapshot)
	candidate, err := e.generate(stepCtx, prompt)
	if err != nil {
		log.Warn("generation failed", "error", err)
		m.advance(StateDeciding)
		checks := NotExecuted("generation failed: " + err.Error())
		return IterationRecord{
			TauStep:         tau,
			GenerationError: err.Error(),
			Checks:          checks,
			Metrics:         ComputeMetrics(checks, tau),
			Decision:        Abstain,
		}
	}

	m.advance(StateChecking)
	var checks CheckResult
	if err := e.Applier.Apply(stepCtx, candidate, workDir); err != nil {
		log.Warn("applying candidate failed", "error", err)
		checks = NotExecuted("applying candidate failed: " + err.Error())
	} else {
		checks = e.Checker.Check(stepCtx, workDir, candidate, task).Normalize()
	}

	m.advance(StateDeciding)
	metrics := ComputeMetrics(checks, tau)
	decision := e.Policy.Decide(checks, metrics, nil)
	log.Debug("step decided",
		"cri", metrics.CRI,
		"sad", metrics.SADFlag,
		"decision", decision,
		"elapsed", time.Since(start))
	return IterationRecord{
		TauStep:   tau,
		Artifact:  workDir,
		Candidate: candidate,
		Checks:    checks,
		Metrics:   metrics,
		Decision:  decision,
	}
}

func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	timeout := e.GenerateTimeout
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := e.Generator.Generate(ctx, prompt)
		ch <- reply{text, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		return r.text, nil
	case <-ctx.Done():
		return "", fmt.Errorf("generation timed out after %s: %w", timeout, ctx.Err())
	}
}
