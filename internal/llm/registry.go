package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

type registryKey struct {
	provider Provider
	model    string
}

// Registry caches one client per (provider, model).
type Registry struct {
	getenv func(string) string

	mu      sync.Mutex
	clients map[registryKey]Client
}

func NewRegistry(getenv func(string) string) *Registry {
	return &Registry{getenv: getenv, clients: make(map[registryKey]Client)}
}

func (r *Registry) Get(cfg Config) (Client, error) {
	cfg = cfg.withDefaults()
	key := registryKey{cfg.Provider, cfg.Model}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c, err := New(cfg, r.getenv)
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}

// Meter accumulates token usage by key.
type Meter struct {
	mu    sync.Mutex
	usage map[string]Usage
}

func NewMeter() *Meter {
	return &Meter{usage: make(map[string]Usage)}
}

func (m *Meter) Add(key string, u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[key] = m.usage[key].Add(u)
}

func (m *Meter) Get(key string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[key]
}

// Snapshot returns a copy of every key's usage.
func (m *Meter) Snapshot() map[string]Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Usage, len(m.usage))
	for k, v := range m.usage {
		out[k] = v
	}
	return out
}

// Generator adapts a Client to guard.Generator. Usage of each call is added
// to Meter under MeterKey and passed to OnUsage.
type Generator struct {
	Client   Client
	Meter    *Meter
	MeterKey string
	OnUsage  func(Usage)
	Logger   *slog.Logger
}

func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	c, err := g.Client.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	if g.Meter != nil {
		g.Meter.Add(g.MeterKey, c.Usage)
	}
	if g.OnUsage != nil {
		g.OnUsage(c.Usage)
	}
	if g.Logger != nil {
		g.Logger.Debug("completion received", "input_tokens", c.Usage.InputTokens, "output_tokens", c.Usage.OutputTokens)
	}
	if strings.TrimSpace(c.Text) == "" {
		return "", ErrEmptyCompletion
	}
	return c.Text, nil
}
