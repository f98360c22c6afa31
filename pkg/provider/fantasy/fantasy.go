package fantasy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"relaygate/pkg/config"
	providertypes "relaygate/pkg/provider/types"
)

const (
	providerID        = "fantasy"
	upstreamProvider  = "openai"
	defaultMaxHistory = 40
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type generateFunc func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)

// Client keeps each chat's conversation in process and replays it to the
// model on every turn. Nothing survives a restart.
type Client struct {
	provider        languageModelProvider
	requestTimeout  time.Duration
	modelID         string
	systemPrompt    string
	maxHistory      int
	maxOutputTokens *int64
	temperature     *float64
	generate        generateFunc

	mu            sync.RWMutex
	nextSessionID uint64
	sessions      map[string][]core.Message
}

func New(cfg *config.Config) (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv(cfg.Providers.OpenAI)))
	if apiKey == "" {
		return nil, fmt.Errorf("%s must be set", apiKeyEnv(cfg.Providers.OpenAI))
	}

	modelID, err := normalizeOpenAIModel(cfg.Agents.Defaults.Model)
	if err != nil {
		return nil, err
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.Providers.OpenAI.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Providers.OpenAI.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Providers.OpenAI.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	languageModels, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	client := newClient(languageModels, modelID, cfg.Agents.Defaults)
	client.requestTimeout = time.Duration(cfg.Providers.OpenAI.RequestTimeoutSeconds) * time.Second
	return client, nil
}

func newClient(provider languageModelProvider, modelID string, defaults config.AgentDefaults) *Client {
	client := &Client{
		provider:     provider,
		modelID:      modelID,
		systemPrompt: strings.TrimSpace(defaults.SystemPrompt),
		maxHistory:   defaults.MaxHistoryMessages,
		sessions:     make(map[string][]core.Message),
		generate:     generateWithAgent,
	}
	if client.maxHistory <= 0 {
		client.maxHistory = defaultMaxHistory
	}
	if defaults.MaxTokens > 0 {
		maxTokens := int64(defaults.MaxTokens)
		client.maxOutputTokens = &maxTokens
	}
	if defaults.Temperature > 0 {
		temperature := defaults.Temperature
		client.temperature = &temperature
	}
	return client
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// CreateSession allocates an empty history. The title is not stored.
func (c *Client) CreateSession(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSessionID++
	sessionID := "fantasy-session-" + strconv.FormatUint(c.nextSessionID, 10)
	c.sessions[sessionID] = nil

	return sessionID, nil
}

func (c *Client) Prompt(ctx context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return providertypes.PromptResult{}, errors.New("session id is required")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.PromptResult{}, errors.New("prompt is required")
	}

	modelID := c.modelID
	if strings.TrimSpace(model) != "" {
		normalized, err := normalizeOpenAIModel(model)
		if err != nil {
			return providertypes.PromptResult{}, err
		}
		modelID = normalized
	}

	history, ok := c.sessionHistory(sessionID)
	if !ok {
		return providertypes.PromptResult{}, errors.New("session is not started")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	languageModel, err := c.provider.LanguageModel(ctx, modelID)
	if err != nil {
		return providertypes.PromptResult{}, fmt.Errorf("resolve language model: %w", err)
	}

	call := core.AgentCall{
		Prompt:          prompt,
		Messages:        c.withSystemPrompt(history),
		MaxOutputTokens: c.maxOutputTokens,
		Temperature:     c.temperature,
	}

	result, err := c.generate(ctx, languageModel, call)
	if err != nil {
		return providertypes.PromptResult{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := extractText(result.Response.Content)
	if text == "" {
		return providertypes.PromptResult{}, errors.New("prompt succeeded but returned no text")
	}

	c.appendSessionMessages(sessionID,
		core.NewUserMessage(prompt),
		core.Message{
			Role:    core.MessageRoleAssistant,
			Content: []core.MessagePart{core.TextPart{Text: text}},
		},
	)

	usage := providertypes.TokenUsage{
		InputTokens:         result.TotalUsage.InputTokens,
		OutputTokens:        result.TotalUsage.OutputTokens,
		TotalTokens:         result.TotalUsage.TotalTokens,
		ReasoningTokens:     result.TotalUsage.ReasoningTokens,
		CacheCreationTokens: result.TotalUsage.CacheCreationTokens,
		CacheReadTokens:     result.TotalUsage.CacheReadTokens,
	}

	metadata := providertypes.PromptMetadata{Provider: providerID, Model: modelID}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return providertypes.PromptResult{Text: text, Metadata: metadata}, nil
}

func (c *Client) withSystemPrompt(history []core.Message) []core.Message {
	if c.systemPrompt == "" {
		return history
	}

	messages := make([]core.Message, 0, len(history)+1)
	messages = append(messages, core.Message{
		Role:    core.MessageRoleSystem,
		Content: []core.MessagePart{core.TextPart{Text: c.systemPrompt}},
	})
	return append(messages, history...)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) sessionHistory(sessionID string) ([]core.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}

	return append([]core.Message(nil), history...), true
}

// appendSessionMessages keeps at most maxHistory messages per session,
// dropping the oldest turns first.
func (c *Client) appendSessionMessages(sessionID string, messages ...core.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history, ok := c.sessions[sessionID]
	if !ok {
		return
	}

	history = append(history, messages...)
	if overflow := len(history) - c.maxHistory; overflow > 0 {
		history = append([]core.Message(nil), history[overflow:]...)
	}
	c.sessions[sessionID] = history
}

func apiKeyEnv(cfg config.OpenAIProviderConfig) string {
	if name := strings.TrimSpace(cfg.APIKeyEnv); name != "" {
		return name
	}
	return "OPENAI_API_KEY"
}

func normalizeOpenAIModel(model string) (string, error) {
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
	if upstream != upstreamProvider {
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", upstream)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		if line := strings.TrimSpace(textPart.Text); line != "" {
			lines = append(lines, line)
		}
	}

	return strings.Join(lines, "\n")
}

func generateWithAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}
