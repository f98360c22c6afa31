package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"relaygate/pkg/bus"
	"relaygate/pkg/logger"
	"relaygate/pkg/provider"
	providertypes "relaygate/pkg/provider/types"
	"relaygate/pkg/tools"
)

const (
	metaProviderKey           = "provider"
	metaModelKey              = "model"
	metaUsageInKey            = "usage_input_tokens"
	metaUsageOutKey           = "usage_output_tokens"
	metaUsageTotalKey         = "usage_total_tokens"
	metaUsageReasoningKey     = "usage_reasoning_tokens"
	metaUsageCacheCreationKey = "usage_cache_creation_tokens"
	metaUsageCacheReadKey     = "usage_cache_read_tokens"
)

// Processor is the consumer side of the bus: it turns each inbound message
// into at most one reply addressed to the same channel and chat.
type Processor struct {
	bus      *bus.MessageBus
	sessions *sessionManager
	replies  *tools.MessageTool
	log      *slog.Logger
}

func NewProcessor(mb *bus.MessageBus, client provider.Client, model string, log *slog.Logger) *Processor {
	log = logger.OrDiscard(log)

	return &Processor{
		bus:      mb,
		sessions: newSessionManager(client, model, log),
		replies:  tools.NewMessageTool(mb),
		log:      log.With("component", "gateway.processor"),
	}
}

// Run consumes inbound messages until ctx is cancelled or the bus closes.
func (p *Processor) Run(ctx context.Context) error {
	defer p.sessions.Close()

	for {
		msg, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		p.handle(ctx, msg)
	}
}

func (p *Processor) handle(ctx context.Context, msg bus.InboundMessage) {
	sessionKey := msg.SessionKey()
	p.log.Info("Received message", "session_key", sessionKey, "sender_id", msg.SenderID, "content", msg.String())

	result, err := p.sessions.Prompt(ctx, sessionKey, msg.Content)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("Failed to produce reply", "session_key", sessionKey, "error", err)
		}
		return
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		p.log.Debug("Empty reply, nothing to send", "session_key", sessionKey)
		return
	}

	reply := bus.OutboundMessage{
		Channel:   msg.Channel,
		Recipient: msg.ChatID,
		Text:      text,
		Metadata:  promptResultMetadata(result),
	}
	if _, err := p.replies.SendMessage(ctx, reply); err != nil {
		p.log.Error("Failed to queue reply", "session_key", sessionKey, "error", err)
		return
	}
	p.log.Info("Queued reply", "session_key", sessionKey, "content", reply.String())
}

func promptResultMetadata(result providertypes.PromptResult) map[string]string {
	metadata := make(map[string]string)
	if provider := strings.TrimSpace(result.Metadata.Provider); provider != "" {
		metadata[metaProviderKey] = provider
	}
	if model := strings.TrimSpace(result.Metadata.Model); model != "" {
		metadata[metaModelKey] = model
	}

	if usage := result.Metadata.Usage; usage != nil && !usage.IsZero() {
		metadata[metaUsageInKey] = strconv.FormatInt(usage.InputTokens, 10)
		metadata[metaUsageOutKey] = strconv.FormatInt(usage.OutputTokens, 10)
		metadata[metaUsageTotalKey] = strconv.FormatInt(usage.TotalTokens, 10)
		metadata[metaUsageReasoningKey] = strconv.FormatInt(usage.ReasoningTokens, 10)
		metadata[metaUsageCacheCreationKey] = strconv.FormatInt(usage.CacheCreationTokens, 10)
		metadata[metaUsageCacheReadKey] = strconv.FormatInt(usage.CacheReadTokens, 10)
	}

	if len(metadata) == 0 {
		return nil
	}
	return metadata
}
