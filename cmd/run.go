package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/config"
	"github.com/signalnine/tauguard/internal/gateway"
	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/llm"
	"github.com/signalnine/tauguard/internal/pricing"
	"github.com/signalnine/tauguard/internal/report"
	"github.com/signalnine/tauguard/internal/result"
	"github.com/signalnine/tauguard/internal/runner"
	"github.com/signalnine/tauguard/internal/telemetry"
)

var (
	flagModel      string
	flagTask       string
	flagParallel   int
	flagTauMax     int
	flagNoBaseline bool
	flagSandbox    bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the baseline and guarded repair loop for every model and task",
		RunE:  runGuarded,
	}
	cmd.Flags().StringVar(&flagModel, "model", "", "filter to a single model")
	cmd.Flags().StringVar(&flagTask, "task", "", "filter to a single task")
	cmd.Flags().IntVar(&flagParallel, "parallel", 1, "max concurrent model x task runs")
	cmd.Flags().IntVar(&flagTauMax, "tau-max", 0, "override the repair budget")
	cmd.Flags().BoolVar(&flagNoBaseline, "no-baseline", false, "skip the unguarded baseline run")
	cmd.Flags().BoolVar(&flagSandbox, "sandbox", false, "run tests in a container")
	return cmd
}

func runGuarded(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	policy := cfg.Loop.Policy()
	if cmd.Flags().Changed("tau-max") {
		policy.TauMax = flagTauMax
		if err := policy.Validate(); err != nil {
			return err
		}
	}
	baseline := cfg.Loop.BaselineEnabled() && !flagNoBaseline
	sandbox := cfg.Sandbox.Enabled || flagSandbox

	models := filterModels(cfg.Models, flagModel)
	tasks := filterTasks(cfg.Tasks, flagTask)
	if len(models) == 0 || len(tasks) == 0 {
		return fmt.Errorf("nothing to run: %d models and %d tasks match the filters", len(models), len(tasks))
	}

	getenv, err := gateway.Getenv(cfg.Secrets.EnvFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Proxy.Enabled {
		gw, err := gateway.Start(ctx, &gateway.StartOpts{
			ConfigPath:     cfg.Resolve(cfg.Proxy.ConfigPath),
			SecretsEnvFile: cfg.Secrets.EnvFile,
			LogDir:         cfg.Resolve(cfg.Proxy.LogDir),
			BudgetUSD:      cfg.Proxy.BudgetPerRunUSD,
		})
		if err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
		defer gw.Stop()
		defer reportGatewayUsage(cfg, gw)
		for i := range models {
			if llm.Provider(models[i].Provider) == llm.Gateway && models[i].BaseURL == "" {
				models[i].BaseURL = gw.BaseURL()
			}
		}
	}

	registry := llm.NewRegistry(getenv)
	clients := make(map[string]llm.Client, len(models))
	for _, m := range models {
		c, err := registry.Get(m.LLM())
		if err != nil {
			return fmt.Errorf("model %q: %w", m.Name, err)
		}
		clients[m.Name] = c
	}

	runDir, err := result.CreateRunDir(cfg.Resolve(cfg.Results.Dir))
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	fmt.Printf("Run directory: %s\n", runDir)

	manifest := &result.Manifest{
		RunID:     runID,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Policy:    policy,
		Baseline:  baseline,
	}
	for _, m := range models {
		manifest.Models = append(manifest.Models, m.Name)
	}
	for _, t := range tasks {
		manifest.Tasks = append(manifest.Tasks, t.Name)
	}
	if err := result.WriteManifest(runDir, manifest); err != nil {
		return err
	}

	w, err := result.OpenWriter(filepath.Join(runDir, result.ResultsFile))
	if err != nil {
		return err
	}
	defer w.Close()
	recorder := telemetry.NewRecorder()
	meter := llm.NewMeter()

	var jobs []runner.Job
	for _, m := range models {
		for _, t := range tasks {
			jobs = append(jobs, func(ctx context.Context) error {
				fmt.Printf("Running %s × %s...\n", m.Name, t.Name)
				out, err := runner.RunTask(ctx, &runner.TaskOpts{
					Config:   cfg,
					Model:    m,
					Task:     t,
					RunID:    runID,
					RunDir:   runDir,
					Client:   clients[m.Name],
					Meter:    meter,
					Writer:   w,
					Recorder: recorder,
					Policy:   policy,
					Baseline: baseline,
					Sandbox:  sandbox,
					Logger:   slog.Default(),
				})
				if out != nil {
					printOutcome(m.Name, t.Name, out)
				}
				if err != nil {
					return fmt.Errorf("%s × %s: %w", m.Name, t.Name, err)
				}
				return nil
			})
		}
	}
	for _, err := range runner.RunPool(ctx, flagParallel, jobs) {
		fmt.Printf("  ERROR: %v\n", err)
	}

	if err := recorder.WriteTextfile(runDir); err != nil {
		slog.Warn("writing metrics failed", "error", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing results: %w", err)
	}

	fmt.Println("\n--- Results ---")
	return report.Generate(runDir, "table", os.Stdout, cfg.Resolve(cfg.Pricing.Path))
}

func printOutcome(model, task string, out *runner.TaskOutcome) {
	line := func(run *guard.RunResult) string {
		last, _ := run.Last()
		return fmt.Sprintf("%s (cri %.2f, %d iterations, stop: %s)", run.FinalDecision, last.Metrics.CRI, len(run.Iterations), run.StopReason)
	}
	if out.Baseline != nil {
		fmt.Printf("  %s × %s baseline: %s\n", model, task, line(out.Baseline))
	}
	if out.Wrapped != nil {
		fmt.Printf("  %s × %s wrapped:  %s\n", model, task, line(out.Wrapped))
	}
}

func reportGatewayUsage(cfg *config.Config, gw *gateway.Gateway) {
	records, err := gateway.ParseUsageLogs(gw.UsageLog)
	if err != nil {
		slog.Debug("no gateway usage log", "error", err)
		return
	}
	in, out := gateway.TotalUsage(records)
	fmt.Printf("Gateway usage: %d input tokens, %d output tokens\n", in, out)
	if cfg.Pricing.Path == "" || cfg.Proxy.BudgetPerRunUSD <= 0 {
		return
	}
	table, err := pricing.Load(cfg.Resolve(cfg.Pricing.Path))
	if err != nil {
		slog.Warn("loading pricing failed", "error", err)
		return
	}
	var cost float64
	for _, r := range records {
		cost += table.Cost(r.Provider, r.Model, r.InputTokens, r.OutputTokens)
	}
	if cost > cfg.Proxy.BudgetPerRunUSD {
		slog.Warn("gateway spend exceeded the run budget", "cost_usd", cost, "budget_usd", cfg.Proxy.BudgetPerRunUSD)
	}
}

func filterModels(models []config.Model, name string) []config.Model {
	if name == "" {
		return append([]config.Model(nil), models...)
	}
	var filtered []config.Model
	for _, m := range models {
		if m.Name == name {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func filterTasks(tasks []config.Task, name string) []config.Task {
	if name == "" {
		return tasks
	}
	var filtered []config.Task
	for _, t := range tasks {
		if t.Name == name {
			filtered = append(filtered, t)
		}
	}
	return filtered
}
