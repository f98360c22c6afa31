package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"relaygate/pkg/config"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Config{}
	_, err := New(cfg)
	if err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewUsesConfiguredAPIKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("TEST_OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKeyEnv = "TEST_OPENAI_API_KEY"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
}

func TestNewFallsBackToDefaultAPIKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-default")
	t.Setenv("TEST_OPENAI_API_KEY", "")

	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKeyEnv = "TEST_OPENAI_API_KEY"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5.2", want: "gpt-5.2"},
		{name: "openai prefix", input: "openai/gpt-5.2", want: "gpt-5.2"},
		{name: "other provider", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeModel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("normalizeModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPromptUsesConversationAndReportsUsage(t *testing.T) {
	var conversationBody, promptBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/conversations":
			_ = json.NewDecoder(r.Body).Decode(&conversationBody)
			_, _ = w.Write([]byte(`{"id":"conv_1","object":"conversation","created_at":1,"metadata":{}}`))
		case "/responses":
			_ = json.NewDecoder(r.Body).Decode(&promptBody)
			_, _ = w.Write([]byte(`{
				"id":"resp_1","object":"response","created_at":1,"model":"gpt-5.2","status":"completed",
				"output":[{"type":"message","id":"msg_1","role":"assistant","status":"completed",
					"content":[{"type":"output_text","text":"hi there","annotations":[]}]}],
				"usage":{"input_tokens":3,"output_tokens":2,"total_tokens":5,
					"input_tokens_details":{"cached_tokens":1},"output_tokens_details":{"reasoning_tokens":0}}
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := &config.Config{}
	cfg.Providers.OpenAI.BaseURL = srv.URL + "/"

	client, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	sessionID, err := client.CreateSession(ctx, "telegram:1")
	require.NoError(t, err)
	require.Equal(t, "conv_1", sessionID)

	result, err := client.Prompt(ctx, sessionID, "hello", "openai/gpt-5.2")
	require.NoError(t, err)
	require.Equal(t, "hi there", result.Text)
	require.Equal(t, "openai", result.Metadata.Provider)
	require.Equal(t, "gpt-5.2", result.Metadata.Model)
	require.NotNil(t, result.Metadata.Usage)
	require.EqualValues(t, 5, result.Metadata.Usage.TotalTokens)
	require.EqualValues(t, 1, result.Metadata.Usage.CacheReadTokens)

	require.Equal(t, map[string]any{"gateway_session": "telegram:1"}, conversationBody["metadata"])
	require.Equal(t, "gpt-5.2", promptBody["model"])
	require.Equal(t, "hello", promptBody["input"])
	require.Equal(t, map[string]any{"id": "conv_1"}, promptBody["conversation"])
	require.NotContains(t, promptBody, "instructions")
	require.NotContains(t, promptBody, "max_output_tokens")
	require.NotContains(t, promptBody, "temperature")
}

func TestResponseParamsApplyAgentDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := &config.Config{}
	cfg.Agents.Defaults = config.AgentDefaults{
		SystemPrompt: " Answer briefly. ",
		MaxTokens:    256,
		Temperature:  0.4,
	}

	client, err := New(cfg)
	require.NoError(t, err)

	params := client.responseParams("conv_1", "hello", "gpt-5.2")
	body, err := json.Marshal(params)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "Answer briefly.", decoded["instructions"])
	require.EqualValues(t, 256, decoded["max_output_tokens"])
	require.EqualValues(t, 0.4, decoded["temperature"])
}

func TestResolveAPIKeyOrder(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-default")
	t.Setenv("GATEWAY_OPENAI_KEY", "sk-custom")
	t.Setenv("UNSET_OPENAI_KEY", "")

	require.Equal(t, "sk-custom", resolveAPIKey(config.OpenAIProviderConfig{APIKeyEnv: "GATEWAY_OPENAI_KEY"}))
	require.Equal(t, "sk-default", resolveAPIKey(config.OpenAIProviderConfig{APIKeyEnv: "UNSET_OPENAI_KEY"}))
	require.Equal(t, "sk-default", resolveAPIKey(config.OpenAIProviderConfig{}))
}

func TestTruncateCountsRunes(t *testing.T) {
	require.Equal(t, "héllo", truncate("héllo", 5))
	require.Equal(t, "hé", truncate("héllo", 2))
}

func TestPromptValidatesInput(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	client, err := New(&config.Config{})
	require.NoError(t, err)

	_, err = client.Prompt(context.Background(), "", "hi", "gpt-5.2")
	require.ErrorContains(t, err, "session id")

	_, err = client.Prompt(context.Background(), "conv", " ", "gpt-5.2")
	require.ErrorContains(t, err, "prompt is required")
}
