package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"relaygate/pkg/config"
	providertypes "relaygate/pkg/provider/types"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
)

const (
	providerID      = "opencode"
	defaultUsername = "opencode"
	healthPath      = "/global/health"
)

// Client answers prompts through a running opencode server. Each gateway
// session maps to one opencode session.
type Client struct {
	client         *sdk.Client
	requestTimeout time.Duration
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenCode
	baseURL := strings.TrimSpace(providerCfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := basicAuthHeader(providerCfg); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req := startRequest("health")

	var response healthResponse
	if err := c.client.Get(ctx, healthPath, nil, &response); err != nil {
		req.failed(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		err := errors.New("opencode server reported unhealthy status")
		req.failed(err)
		return err
	}
	req.completed("version", response.Version)

	return nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req := startRequest("create_session")

	params := sdk.SessionNewParams{}
	if title = strings.TrimSpace(title); title != "" {
		params.Title = sdk.F(title)
	}

	session, err := c.client.Session.New(ctx, params)
	if err != nil {
		req.failed(err)
		return "", fmt.Errorf("create session failed: %w", err)
	}
	if session.ID == "" {
		err := errors.New("create session returned empty session id")
		req.failed(err)
		return "", err
	}
	req.completed("session_id", session.ID)

	return session.ID, nil
}

// Prompt sends one user turn into sessionID. A model of the form
// "provider/model" is passed through; anything else leaves the server default.
func (c *Client) Prompt(ctx context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return providertypes.PromptResult{}, errors.New("session id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req := startRequest("prompt", "session_id", sessionID, "model", strings.TrimSpace(model), "prompt_length", len(prompt))

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(prompt),
			},
		}),
	}
	if upstream, modelID, ok := parseModelRef(model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(upstream),
			ModelID:    sdk.F(modelID),
		})
	}

	response, err := c.client.Session.Prompt(ctx, sessionID, params)
	if err != nil {
		req.failed(err)
		return providertypes.PromptResult{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := extractText(response.Parts)
	if text == "" {
		err := errors.New("prompt succeeded but returned no text parts")
		req.failed(err)
		return providertypes.PromptResult{}, err
	}
	req.completed("response_length", len(text), "parts_count", len(response.Parts))

	tokens := response.Info.Tokens
	return providertypes.PromptResult{
		Text: text,
		Metadata: providertypes.PromptMetadata{
			Provider: firstNonEmpty(response.Info.ProviderID, providerID),
			Model:    strings.TrimSpace(response.Info.ModelID),
			Usage: usageFromTokens(
				tokenCount(tokens.Input),
				tokenCount(tokens.Output),
				tokenCount(tokens.Reasoning),
				tokenCount(tokens.Cache.Read),
			),
		},
	}, nil
}

type request struct {
	log       *slog.Logger
	startedAt time.Time
}

func startRequest(operation string, args ...any) request {
	log := slog.Default().With("component", "provider.opencode", "operation", operation)
	log.Debug("provider request started", args...)
	return request{log: log, startedAt: time.Now()}
}

func (r request) failed(err error) {
	r.log.Debug("provider request failed", "duration_ms", time.Since(r.startedAt).Milliseconds(), "error", err)
}

func (r request) completed(args ...any) {
	r.log.Debug("provider request completed", append([]any{"duration_ms", time.Since(r.startedAt).Milliseconds()}, args...)...)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// basicAuthHeader builds the header for servers started with a password.
// The password itself only ever comes from the environment.
func basicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := firstNonEmpty(cfg.Username, defaultUsername)
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func parseModelRef(input string) (upstream string, modelID string, ok bool) {
	upstream, modelID, found := strings.Cut(strings.TrimSpace(input), "/")
	if !found {
		return "", "", false
	}

	upstream = strings.TrimSpace(upstream)
	modelID = strings.TrimSpace(modelID)
	if upstream == "" || modelID == "" {
		return "", "", false
	}

	return upstream, modelID, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type != sdk.PartTypeText {
			continue
		}
		if text := strings.TrimSpace(part.Text); text != "" {
			lines = append(lines, text)
		}
	}

	return strings.Join(lines, "\n")
}

func usageFromTokens(input, output, reasoning, cacheRead int64) *providertypes.TokenUsage {
	usage := providertypes.TokenUsage{
		InputTokens:     input,
		OutputTokens:    output,
		TotalTokens:     input + output,
		ReasoningTokens: reasoning,
		CacheReadTokens: cacheRead,
	}
	if usage.IsZero() {
		return nil
	}
	return &usage
}

func tokenCount(value float64) int64 {
	if value <= 0 {
		return 0
	}

	return int64(math.Round(value))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
