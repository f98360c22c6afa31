package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"relaygate/pkg/config"
	providertypes "relaygate/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
)

const (
	providerID       = "openai"
	defaultAPIKeyEnv = "OPENAI_API_KEY"

	// Conversation metadata values are capped by the API.
	maxMetadataValue = 512
)

// Client answers prompts through the OpenAI Responses API. Each gateway
// session is one server-side conversation, so history never leaves OpenAI.
type Client struct {
	client         osdk.Client
	requestTimeout time.Duration
	turn           turnSettings
}

// turnSettings are applied to every response request.
type turnSettings struct {
	instructions    string
	maxOutputTokens int64
	temperature     float64
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, fmt.Errorf("providers.openai.api_key_env is required or %s must be set", defaultAPIKeyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	defaults := cfg.Agents.Defaults
	return &Client{
		client:         osdk.NewClient(opts...),
		requestTimeout: requestTimeout,
		turn: turnSettings{
			instructions:    strings.TrimSpace(defaults.SystemPrompt),
			maxOutputTokens: int64(defaults.MaxTokens),
			temperature:     defaults.Temperature,
		},
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req := startRequest("health")

	if _, err := c.client.Models.List(ctx); err != nil {
		req.failed(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	req.completed()

	return nil
}

// CreateSession opens a conversation tagged with the gateway session title so
// it can be found in the OpenAI dashboard.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	title = strings.TrimSpace(title)
	req := startRequest("create_session", "title", title)

	params := conversations.ConversationNewParams{}
	if title != "" {
		params.Metadata = shared.Metadata{"gateway_session": truncate(title, maxMetadataValue)}
	}

	conversation, err := c.client.Conversations.New(ctx, params)
	if err != nil {
		req.failed(err)
		return "", fmt.Errorf("create session failed: %w", err)
	}

	id := ""
	if conversation != nil {
		id = strings.TrimSpace(conversation.ID)
	}
	if id == "" {
		err := errors.New("create session returned empty conversation id")
		req.failed(err)
		return "", err
	}
	req.completed("session_id", id)

	return id, nil
}

// Prompt sends one user turn into the conversation identified by sessionID.
func (c *Client) Prompt(ctx context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return providertypes.PromptResult{}, errors.New("session id is required")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.PromptResult{}, errors.New("prompt is required")
	}

	modelID, err := normalizeModel(model)
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req := startRequest("prompt", "session_id", sessionID, "model", modelID, "prompt_length", len(prompt))

	response, err := c.client.Responses.New(ctx, c.responseParams(sessionID, prompt, modelID))
	if err != nil {
		req.failed(err)
		return providertypes.PromptResult{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		err := errors.New("prompt succeeded but returned no text")
		req.failed(err)
		return providertypes.PromptResult{}, err
	}
	req.completed("response_length", len(text), "status", string(response.Status))

	return providertypes.PromptResult{
		Text: text,
		Metadata: providertypes.PromptMetadata{
			Provider: providerID,
			Model:    modelID,
			Usage:    usageFromResponse(response.Usage),
		},
	}, nil
}

func (c *Client) responseParams(sessionID, prompt, modelID string) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: modelID,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: sessionID},
		},
	}
	if c.turn.instructions != "" {
		params.Instructions = osdk.String(c.turn.instructions)
	}
	if c.turn.maxOutputTokens > 0 {
		params.MaxOutputTokens = osdk.Int(c.turn.maxOutputTokens)
	}
	if c.turn.temperature > 0 {
		params.Temperature = osdk.Float(c.turn.temperature)
	}
	return params
}

func usageFromResponse(usage responses.ResponseUsage) *providertypes.TokenUsage {
	tokens := providertypes.TokenUsage{
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		TotalTokens:     usage.TotalTokens,
		ReasoningTokens: usage.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: usage.InputTokensDetails.CachedTokens,
	}
	if tokens.IsZero() {
		return nil
	}
	return &tokens
}

type request struct {
	log       *slog.Logger
	startedAt time.Time
}

func startRequest(operation string, args ...any) request {
	log := slog.Default().With("component", "provider.openai", "operation", operation)
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

// resolveAPIKey prefers the configured variable and falls back to
// OPENAI_API_KEY when it is unset or empty.
func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	for _, name := range []string{strings.TrimSpace(cfg.APIKeyEnv), defaultAPIKeyEnv} {
		if name == "" {
			continue
		}
		if apiKey := strings.TrimSpace(os.Getenv(name)); apiKey != "" {
			return apiKey
		}
	}
	return ""
}

// normalizeModel accepts "model" or "openai/model".
func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	upstream, modelID, found := strings.Cut(model, "/")
	if !found {
		return model, nil
	}

	upstream = strings.TrimSpace(upstream)
	modelID = strings.TrimSpace(modelID)
	if upstream == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if upstream != providerID {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", upstream)
	}

	return modelID, nil
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
