package bus

import (
	"time"

	"github.com/google/uuid"
)

const previewLimit = 60

// Direction names one of the two bus queues.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// InboundMessage is one normalized message received from a chat platform.
//
// Values are treated as immutable once published.
type InboundMessage struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewInboundMessage stamps a fresh ID and receive time on an inbound message.
func NewInboundMessage(channel, senderID, chatID, content string) InboundMessage {
	return InboundMessage{
		ID:        uuid.NewString(),
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// SessionKey identifies one conversation thread: channel:chat_id.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

func (m InboundMessage) String() string {
	return "[" + m.Channel + "] " + m.SenderID + ": " + preview(m.Content)
}

// OutboundMessage is one reply addressed to a recipient on a named channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Text      string            `json:"text"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (m OutboundMessage) String() string {
	return "[" + m.Channel + "] -> " + m.Recipient + ": " + preview(m.Text)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}

	return string(runes[:previewLimit]) + "..."
}
