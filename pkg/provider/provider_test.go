package provider

import (
	"testing"

	"relaygate/pkg/config"
	providerecho "relaygate/pkg/provider/echo"
	provideropenai "relaygate/pkg/provider/openai"
	provideropencode "relaygate/pkg/provider/opencode"
)

func TestNewDefaultsToEchoProvider(t *testing.T) {
	client, err := New(&config.Config{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*providerecho.Client); !ok {
		t.Fatalf("expected *echo.Client, got %T", client)
	}
}

func TestNewReturnsErrorForUnsupportedProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.Defaults.Provider = "unknown"

	_, err := New(cfg)
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestNewReturnsOpenAIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Agents.Defaults.Provider = "openai"

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropenai.Client); !ok {
		t.Fatalf("expected *openai.Client, got %T", client)
	}
}

func TestNewReturnsOpenCodeProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.Defaults.Provider = "opencode"

	if _, err := New(cfg); err == nil {
		t.Fatal("expected error without opencode base_url")
	}

	cfg.Providers.OpenCode.BaseURL = "http://127.0.0.1:4096"
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropencode.Client); !ok {
		t.Fatalf("expected *opencode.Client, got %T", client)
	}
}
