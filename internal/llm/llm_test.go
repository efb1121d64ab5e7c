package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func chatServer(t *testing.T, content string, gotAuth *string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		if gotBody != nil {
			json.NewDecoder(r.Body).Decode(gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "m",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 11, "completion_tokens": 5, "total_tokens": 16},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseProvider(t *testing.T) {
	for in, want := range map[string]Provider{"openai": OpenAI, "Gemini": Gemini, " gateway ": Gateway, "FAKE": Fake, "": OpenAI} {
		got, err := ParseProvider(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProvider("anthropic")
	assert.True(t, errors.Is(err, ErrUnsupportedProvider))
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New(Config{Provider: OpenAI, Model: "gpt-4o-mini"}, env(nil))
	assert.True(t, errors.Is(err, ErrMissingAPIKey))

	_, err = New(Config{Provider: Gemini, Model: "gemini-2.0-flash"}, env(nil))
	assert.True(t, errors.Is(err, ErrMissingAPIKey))

	_, err = New(Config{Provider: Gemini, Model: "gemini-2.0-flash"}, env(map[string]string{"GOOGLE_API_KEY": "k"}))
	assert.NoError(t, err)

	_, err = New(Config{Provider: Gateway, Model: "m"}, env(nil))
	assert.Error(t, err)
}

func TestFakeClient(t *testing.T) {
	c, err := New(Config{Provider: OpenAI, Model: "gpt"}, env(map[string]string{FakeModelEnv: "1"}))
	require.NoError(t, err)
	got, err := c.Complete(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "# TAUGUARD_FAKE_MODEL is enabled. No real LLM call was made.\n# Prompt length: 5\n", got.Text)
	again, _ := c.Complete(context.Background(), "12345")
	assert.Equal(t, got, again)
}

func TestChatClient(t *testing.T) {
	var auth string
	var body map[string]any
	srv := chatServer(t, "```python\nx = 1\n```", &auth, &body)

	c, err := New(Config{Provider: Gateway, Model: "gpt-4o", BaseURL: srv.URL + "/v1", MaxTokens: 64}, env(map[string]string{"LITELLM_MASTER_KEY": "sk-test"}))
	require.NoError(t, err)
	got, err := c.Complete(context.Background(), "write x")
	require.NoError(t, err)

	assert.Equal(t, "```python\nx = 1\n```", got.Text)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 5}, got.Usage)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o", body["model"])
	assert.EqualValues(t, 64, body["max_tokens"])
	msgs, _ := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "write x", msgs[1].(map[string]any)["content"])
}

func TestChatClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, err := New(Config{Provider: OpenAI, Model: "m", BaseURL: srv.URL, APIKey: "k"}, env(nil))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "p")
	assert.Error(t, err)
}

func TestRegistryCachesClients(t *testing.T) {
	r := NewRegistry(env(map[string]string{"OPENAI_API_KEY": "k"}))
	a, err := r.Get(Config{Provider: OpenAI, Model: "gpt-4o"})
	require.NoError(t, err)
	b, err := r.Get(Config{Provider: OpenAI, Model: "gpt-4o", Temperature: 0.7})
	require.NoError(t, err)
	c, err := r.Get(Config{Provider: OpenAI, Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestGeneratorMetersUsage(t *testing.T) {
	srv := chatServer(t, "x = 1", nil, nil)
	c, err := New(Config{Provider: OpenAI, Model: "m", BaseURL: srv.URL, APIKey: "k"}, env(nil))
	require.NoError(t, err)

	meter := NewMeter()
	var seen []Usage
	g := &Generator{Client: c, Meter: meter, MeterKey: "m", OnUsage: func(u Usage) { seen = append(seen, u) }}
	for i := 0; i < 2; i++ {
		text, err := g.Generate(context.Background(), "p")
		require.NoError(t, err)
		assert.Equal(t, "x = 1", text)
	}
	assert.Equal(t, Usage{InputTokens: 22, OutputTokens: 10}, meter.Get("m"))
	assert.Len(t, seen, 2)
	assert.Equal(t, map[string]Usage{"m": {22, 10}}, meter.Snapshot())
}

func TestGeneratorRejectsEmptyCompletion(t *testing.T) {
	srv := chatServer(t, "   ", nil, nil)
	c, err := New(Config{Provider: OpenAI, Model: "m", BaseURL: srv.URL, APIKey: "k"}, env(nil))
	require.NoError(t, err)
	_, err = (&Generator{Client: c}).Generate(context.Background(), "p")
	assert.True(t, errors.Is(err, ErrEmptyCompletion))
}
