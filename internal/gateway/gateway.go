// Package gateway runs a local litellm proxy that gateway-provider models
// talk to, and reads back the usage it logs.
package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// UsageLogFile is the proxy's per-request usage log inside LogDir.
	UsageLogFile = "usage.jsonl"
	// ProxyConfigFile is the litellm config generated inside LogDir.
	ProxyConfigFile = "litellm-config.yaml"
	// CallbackFile is the litellm callback that writes UsageLogFile. litellm
	// imports callback modules from the directory holding its config.
	CallbackFile = "tauguard_usage.py"
	// UsageCallback is the callbacks entry naming the logger instance.
	UsageCallback = "tauguard_usage.usage_logger"
)

//go:embed usage_callback.py
var usageCallbackSource []byte

type Gateway struct {
	Port     int
	UsageLog string
	cmd      *exec.Cmd
	logFile  *os.File
}

type StartOpts struct {
	// ConfigPath is a user litellm config. Its settings are merged into the
	// generated config that litellm is started with.
	ConfigPath     string
	SecretsEnvFile string
	LogDir         string
	BudgetUSD      float64
	StartTimeout   time.Duration
	Logger         *slog.Logger
}

func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

func (g *Gateway) URL() string {
	return fmt.Sprintf("http://localhost:%d", g.Port)
}

// BaseURL is the OpenAI-compatible endpoint served by the proxy.
func (g *Gateway) BaseURL() string {
	return g.URL() + "/v1"
}

func Start(ctx context.Context, opts *StartOpts) (*Gateway, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	port, err := FindFreePort()
	if err != nil {
		return nil, err
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating gateway log dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logDir, fmt.Sprintf("litellm-%d.log", port)))
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	configPath, err := WriteProxyConfig(logDir, opts.ConfigPath, opts.BudgetUSD)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "litellm", "--port", fmt.Sprintf("%d", port), "--config", configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	usageLog := filepath.Join(logDir, UsageLogFile)
	cmd.Env = append(os.Environ(), "TAUGUARD_USAGE_LOG="+usageLog)
	if opts.SecretsEnvFile != "" {
		envVars, err := ParseEnvFile(opts.SecretsEnvFile)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("reading secrets env file: %w", err)
		}
		cmd.Env = append(cmd.Env, envVars...)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting litellm: %w", err)
	}

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := waitForPort(ctx, port, timeout); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		logFile.Close()
		return nil, fmt.Errorf("litellm did not start: %w", err)
	}
	log.Info("gateway started", "port", port, "log", logFile.Name())
	return &Gateway{Port: port, UsageLog: usageLog, cmd: cmd, logFile: logFile}, nil
}

// WriteProxyConfig writes the usage callback and a litellm config into dir
// and returns the config's path. The config is the user's config, if any,
// with UsageCallback added to litellm_settings.callbacks and max_budget set
// when budgetUSD is positive.
func WriteProxyConfig(dir, userConfig string, budgetUSD float64) (string, error) {
	doc := map[string]any{}
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return "", fmt.Errorf("reading litellm config: %w", err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("parsing litellm config %s: %w", userConfig, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	settings, _ := doc["litellm_settings"].(map[string]any)
	if settings == nil {
		settings = map[string]any{}
	}
	var callbacks []any
	switch cb := settings["callbacks"].(type) {
	case []any:
		callbacks = cb
	case string:
		callbacks = []any{cb}
	}
	found := false
	for _, c := range callbacks {
		if c == UsageCallback {
			found = true
		}
	}
	if !found {
		callbacks = append(callbacks, UsageCallback)
	}
	settings["callbacks"] = callbacks
	if budgetUSD > 0 {
		settings["max_budget"] = budgetUSD
	}
	doc["litellm_settings"] = settings

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding litellm config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, CallbackFile), usageCallbackSource, 0o644); err != nil {
		return "", fmt.Errorf("writing usage callback: %w", err)
	}
	path := filepath.Join(dir, ProxyConfigFile)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("writing litellm config: %w", err)
	}
	return path, nil
}

func (g *Gateway) Stop() error {
	if g.cmd != nil && g.cmd.Process != nil {
		g.cmd.Process.Kill()
		g.cmd.Wait()
	}
	if g.logFile != nil {
		return g.logFile.Close()
	}
	return nil
}

type UsageRecord struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ParseUsageLogs reads a JSONL usage log. Lines that are not usage records
// are skipped.
func ParseUsageLogs(logPath string) ([]UsageRecord, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("reading gateway log: %w", err)
	}
	var records []UsageRecord
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var rec UsageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Model != "" {
			records = append(records, rec)
		}
	}
	return records, nil
}

func TotalUsage(records []UsageRecord) (inputTokens, outputTokens int) {
	for _, r := range records {
		inputTokens += r.InputTokens
		outputTokens += r.OutputTokens
	}
	return
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("localhost:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d not ready after %s", port, timeout)
}

// ParseEnvFile reads KEY=VALUE lines. Blank lines and comments are skipped,
// a leading "export " is dropped and matching outer quotes are removed.
func ParseEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envVars []string
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		envVars = append(envVars, strings.TrimSpace(key)+"="+stripQuotes(strings.TrimSpace(val)))
	}
	return envVars, nil
}

// Getenv layers the variables of an env file over the process
// environment. A missing path yields os.Getenv.
func Getenv(envFile string) (func(string) string, error) {
	if envFile == "" {
		return os.Getenv, nil
	}
	vars, err := ParseEnvFile(envFile)
	if err != nil {
		return nil, fmt.Errorf("reading secrets env file: %w", err)
	}
	overlay := make(map[string]string, len(vars))
	for _, kv := range vars {
		k, v, _ := strings.Cut(kv, "=")
		overlay[k] = v
	}
	return func(key string) string {
		if v, ok := overlay[key]; ok {
			return v
		}
		return os.Getenv(key)
	}, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
