// Package llm is the provider-agnostic model client. Every real provider is
// reached through an OpenAI-compatible chat completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type Provider string

const (
	OpenAI  Provider = "openai"
	Gemini  Provider = "gemini"
	Gateway Provider = "gateway"
	Fake    Provider = "fake"
)

const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 2048

	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	// FakeModelEnv forces the deterministic fake client for every model.
	FakeModelEnv = "TAUGUARD_FAKE_MODEL"
)

// SystemPrompt is sent ahead of every prompt.
const SystemPrompt = "You are an expert software engineer. " +
	"Return ONLY the final code, inside a single fenced code block. " +
	"No explanations, no comments outside code."

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrMissingAPIKey       = errors.New("missing API key")
	ErrEmptyCompletion     = errors.New("model returned an empty completion")
)

// ParseProvider accepts a provider name case-insensitively.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case OpenAI, Gemini, Gateway, Fake:
		return p, nil
	case "":
		return OpenAI, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

// Config is the normalized configuration for one model.
type Config struct {
	Provider    Provider
	Model       string
	Temperature float32
	MaxTokens   int
	// BaseURL overrides the provider endpoint. It is required for Gateway.
	BaseURL string
	// APIKey overrides the provider's key lookup.
	APIKey string
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = OpenAI
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

type Completion struct {
	Text  string
	Usage Usage
}

// Client completes one prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// New builds the client for cfg. getenv supplies API keys.
func New(cfg Config, getenv func(string) string) (Client, error) {
	cfg = cfg.withDefaults()
	if getenv(FakeModelEnv) == "1" || cfg.Provider == Fake {
		return &fakeClient{cfg: cfg}, nil
	}
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}
	key := cfg.APIKey
	baseURL := cfg.BaseURL
	switch cfg.Provider {
	case OpenAI:
		if key == "" {
			key = getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrMissingAPIKey)
		}
	case Gemini:
		if key == "" {
			key = getenv("GEMINI_API_KEY")
		}
		if key == "" {
			key = getenv("GOOGLE_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY or GOOGLE_API_KEY must be set", ErrMissingAPIKey)
		}
		if baseURL == "" {
			baseURL = geminiBaseURL
		}
	case Gateway:
		if baseURL == "" {
			return nil, errors.New("gateway provider requires a base URL")
		}
		if key == "" {
			key = getenv("LITELLM_MASTER_KEY")
		}
		if key == "" {
			key = "sk-tauguard"
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	oc := openai.DefaultConfig(key)
	if baseURL != "" {
		oc.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &chatClient{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

type chatClient struct {
	client *openai.Client
	cfg    Config
}

func (c *chatClient) Complete(ctx context.Context, prompt string) (Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("%s chat completion: %w", c.cfg.Provider, err)
	}
	out := Completion{Usage: Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	return out, nil
}

// fakeClient answers deterministically without any network call.
type fakeClient struct {
	cfg Config
}

func (f *fakeClient) Complete(_ context.Context, prompt string) (Completion, error) {
	text := "# " + FakeModelEnv + " is enabled. No real LLM call was made.\n" +
		fmt.Sprintf("# Prompt length: %d\n", len(prompt))
	return Completion{
		Text:  text,
		Usage: Usage{InputTokens: (len(prompt) + 3) / 4, OutputTokens: (len(text) + 3) / 4},
	}, nil
}
