package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"relaygate/pkg/config"
	providerecho "relaygate/pkg/provider/echo"
	providerfantasy "relaygate/pkg/provider/fantasy"
	provideropenai "relaygate/pkg/provider/openai"
	provideropencode "relaygate/pkg/provider/opencode"
	providertypes "relaygate/pkg/provider/types"
)

const defaultProvider = "echo"

// Client produces reply text for inbound messages. Sessions let a provider
// keep conversational context per session key.
type Client interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error)
}

func New(cfg *config.Config) (Client, error) {
	providerID := strings.TrimSpace(cfg.Agents.Defaults.Provider)
	if providerID == "" {
		providerID = defaultProvider
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "echo":
		return providerecho.New(), nil
	case "openai":
		return provideropenai.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	case "opencode":
		return provideropencode.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
