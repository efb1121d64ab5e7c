package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/llm"
	"github.com/signalnine/tauguard/internal/security"
)

type Config struct {
	Models   []Model  `yaml:"models"`
	Tasks    []Task   `yaml:"tasks"`
	Loop     Loop     `yaml:"loop"`
	Timeouts Timeouts `yaml:"timeouts"`
	Sandbox  Sandbox  `yaml:"sandbox"`
	Proxy    Proxy    `yaml:"proxy"`
	Secrets  Secrets  `yaml:"secrets"`
	Pricing  Pricing  `yaml:"pricing"`
	Oracle   Oracle   `yaml:"oracle"`
	Results  Results  `yaml:"results"`

	// Dir is the directory of the loaded file. Relative paths in tasks are
	// resolved against it.
	Dir string `yaml:"-"`
}

type Model struct {
	Name        string  `yaml:"name"`
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type Task struct {
	Name             string   `yaml:"name"`
	Repo             string   `yaml:"repo"`
	Tag              string   `yaml:"tag"`
	Path             string   `yaml:"path"`
	Description      string   `yaml:"description"`
	DescriptionPath  string   `yaml:"description_path"`
	TestsPath        string   `yaml:"tests_path"`
	TestCmd          string   `yaml:"test_cmd"`
	LintCmd          string   `yaml:"lint_cmd"`
	Files            []string `yaml:"files"`
	SolutionFile     string   `yaml:"solution_file"`
	SecurityRules    []string `yaml:"security_rules"`
	Language         string   `yaml:"language"`
	TimeLimitMinutes int      `yaml:"time_limit_minutes"`
}

// Loop holds the policy knobs. Unset fields take the guard defaults.
type Loop struct {
	TauMax           *int     `yaml:"tau_max"`
	OKThreshold      *float64 `yaml:"ok_threshold"`
	PlateauEpsilon   *float64 `yaml:"plateau_epsilon"`
	EarlyStopPlateau *bool    `yaml:"early_stop_plateau"`
	Baseline         *bool    `yaml:"baseline"`
}

type Timeouts struct {
	GenerateSeconds int `yaml:"generate_seconds"`
	TestSeconds     int `yaml:"test_seconds"`
	LintSeconds     int `yaml:"lint_seconds"`
}

type Sandbox struct {
	Enabled       bool    `yaml:"enabled"`
	Image         string  `yaml:"image"`
	CPULimit      float64 `yaml:"cpu_limit"`
	MemoryLimitMB int     `yaml:"memory_limit_mb"`
	UserID        string  `yaml:"user_id"`
	Network       bool    `yaml:"network"`
}

type Proxy struct {
	Enabled         bool    `yaml:"enabled"`
	LogDir          string  `yaml:"log_dir"`
	ConfigPath      string  `yaml:"config_path"`
	BudgetPerRunUSD float64 `yaml:"budget_per_run_usd"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Pricing struct {
	Path string `yaml:"path"`
}

type Oracle struct {
	EvalCmd        string `yaml:"eval_cmd"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

const (
	DefaultSandboxImage = "python:3.11-slim"
	DefaultResultsDir   = "results"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Dir = filepath.Dir(path)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Models) == 0 {
		return fmt.Errorf("no models defined")
	}
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.Name == "" {
			return fmt.Errorf("model %d: name is required", i)
		}
		p, err := llm.ParseProvider(m.Provider)
		if err != nil {
			return fmt.Errorf("model %q: %w", m.Name, err)
		}
		m.Provider = string(p)
		if p == llm.Gateway && m.BaseURL == "" && !cfg.Proxy.Enabled {
			return fmt.Errorf("model %q: gateway provider needs base_url or proxy.enabled", m.Name)
		}
	}
	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("no tasks defined")
	}
	seen := map[string]bool{}
	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]
		if t.Name == "" {
			return fmt.Errorf("task %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("task %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		switch {
		case t.Path != "" && t.Repo != "":
			return fmt.Errorf("task %q: set either path or repo, not both", t.Name)
		case t.Path == "" && t.Repo == "":
			return fmt.Errorf("task %q: path or repo is required", t.Name)
		case t.Repo != "" && t.Tag == "":
			return fmt.Errorf("task %q: tag is required with repo", t.Name)
		}
		if t.Language == "" {
			t.Language = "python"
		}
		if t.Language != "python" && t.Language != "javascript" {
			return fmt.Errorf("task %q: unsupported language %q", t.Name, t.Language)
		}
		for j, r := range t.SecurityRules {
			r = strings.ToUpper(strings.TrimSpace(r))
			if !security.KnownFamily(r) {
				return fmt.Errorf("task %q: unknown security rule %q", t.Name, t.SecurityRules[j])
			}
			t.SecurityRules[j] = r
		}
	}
	if err := cfg.Loop.Policy().Validate(); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if cfg.Sandbox.Enabled && cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = DefaultSandboxImage
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = DefaultResultsDir
	}
	return nil
}

// Policy returns the guard policy with unset fields defaulted.
func (l Loop) Policy() guard.Policy {
	p := guard.DefaultPolicy()
	if l.TauMax != nil {
		p.TauMax = *l.TauMax
	}
	if l.OKThreshold != nil {
		p.OKThreshold = *l.OKThreshold
	}
	if l.PlateauEpsilon != nil {
		p.PlateauEpsilon = *l.PlateauEpsilon
	}
	if l.EarlyStopPlateau != nil {
		p.EarlyStopPlateau = *l.EarlyStopPlateau
	}
	return p
}

// BaselineEnabled reports whether an unguarded baseline run precedes the
// wrapped run. It defaults to true.
func (l Loop) BaselineEnabled() bool {
	return l.Baseline == nil || *l.Baseline
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (t Timeouts) Generate() time.Duration { return seconds(t.GenerateSeconds, 2*time.Minute) }
func (t Timeouts) Test() time.Duration     { return seconds(t.TestSeconds, 5*time.Minute) }
func (t Timeouts) Lint() time.Duration     { return seconds(t.LintSeconds, time.Minute) }

// LLM returns the client configuration for a model entry.
func (m Model) LLM() llm.Config {
	return llm.Config{
		Provider:    llm.Provider(m.Provider),
		Model:       m.Name,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		BaseURL:     m.BaseURL,
	}
}

// Resolve makes a path relative to the config file absolute-ish.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// GuardTask builds the engine's view of a task, reading description_path
// when no inline description is given.
func (c *Config) GuardTask(t Task) (guard.Task, error) {
	desc := t.Description
	if desc == "" && t.DescriptionPath != "" {
		data, err := os.ReadFile(c.Resolve(t.DescriptionPath))
		if err != nil {
			return guard.Task{}, fmt.Errorf("task %q: reading description: %w", t.Name, err)
		}
		desc = string(data)
	}
	return guard.Task{
		Name:          t.Name,
		Description:   desc,
		TestTarget:    t.TestsPath,
		SecurityRules: append([]string(nil), t.SecurityRules...),
		Language:      t.Language,
		Files:         append([]string(nil), t.Files...),
		SolutionFile:  t.SolutionFile,
	}, nil
}

// FindModel returns the model entry with the given name.
func (c *Config) FindModel(name string) (Model, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// FindTask returns the task entry with the given name.
func (c *Config) FindTask(name string) (Task, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}
