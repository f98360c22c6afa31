package tools

import (
	"context"
	"errors"
	"strings"

	"relaygate/pkg/bus"
)

// MessageTool publishes replies onto the outbound queue. It holds the bus
// explicitly instead of closing over it, so callers can construct one per
// consumer and test it in isolation.
type MessageTool struct {
	bus *bus.MessageBus
}

// SendResult echoes what was queued.
type SendResult struct {
	Channel   string
	Recipient string
	Bytes     int
}

func NewMessageTool(mb *bus.MessageBus) *MessageTool {
	return &MessageTool{bus: mb}
}

// SendMessage queues a fully populated outbound message.
func (t *MessageTool) SendMessage(ctx context.Context, msg bus.OutboundMessage) (SendResult, error) {
	msg.Channel = strings.TrimSpace(msg.Channel)
	msg.Recipient = strings.TrimSpace(msg.Recipient)

	if msg.Channel == "" {
		return SendResult{}, errors.New("channel is required")
	}
	if msg.Recipient == "" {
		return SendResult{}, errors.New("recipient is required")
	}
	if strings.TrimSpace(msg.Text) == "" && len(msg.Media) == 0 {
		return SendResult{}, errors.New("text is required")
	}

	if !t.bus.PublishOutbound(ctx, msg) {
		if err := ctx.Err(); err != nil {
			return SendResult{}, err
		}
		return SendResult{}, bus.ErrClosed
	}

	return SendResult{Channel: msg.Channel, Recipient: msg.Recipient, Bytes: len(msg.Text)}, nil
}
