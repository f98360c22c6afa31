package channel

import (
	"context"
	"log/slog"
	"strings"

	"relaygate/pkg/bus"
	"relaygate/pkg/logger"
)

// AllowList is the set of sender identifiers permitted on one channel.
// An empty list permits everyone.
type AllowList struct {
	ids map[string]struct{}
}

// NewAllowList normalizes allow_from values into a lookup set.
func NewAllowList(allowFrom []string) AllowList {
	ids := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		ids[trimmed] = struct{}{}
	}

	if len(ids) == 0 {
		return AllowList{}
	}
	return AllowList{ids: ids}
}

// Len returns the number of configured identifiers.
func (a AllowList) Len() int {
	return len(a.ids)
}

// Allowed reports whether any of ids is on the list.
func (a AllowList) Allowed(ids ...string) bool {
	if len(a.ids) == 0 {
		return true
	}

	for _, id := range ids {
		if _, ok := a.ids[strings.TrimSpace(id)]; ok {
			return true
		}
	}
	return false
}

// Forwarder applies the access check shared by every adapter and publishes
// accepted messages to the inbound queue.
type Forwarder struct {
	channel string
	bus     *bus.MessageBus
	allow   AllowList
	log     *slog.Logger
}

func NewForwarder(channel string, mb *bus.MessageBus, allow AllowList, log *slog.Logger) *Forwarder {
	log = logger.OrDiscard(log)
	if allow.Len() > 0 {
		log.Info("Restricting senders", "channel", channel, "allowed", allow.Len())
	} else {
		log.Debug("Accepting all senders", "channel", channel)
	}

	return &Forwarder{
		channel: channel,
		bus:     mb,
		allow:   allow,
		log:     log,
	}
}

// Inbound describes one platform message before it reaches the bus.
//
// SenderIDs lists every identifier denoting the sender; the first one becomes
// the canonical sender_id.
type Inbound struct {
	SenderIDs []string
	ChatID    string
	Content   string
	Media     []string
	Metadata  map[string]string
}

// Forward publishes in to the bus when the sender passes the allow list.
// It reports whether the message was published.
func (f *Forwarder) Forward(ctx context.Context, in Inbound) bool {
	senderIDs := compact(in.SenderIDs)
	chatID := strings.TrimSpace(in.ChatID)
	if len(senderIDs) == 0 || chatID == "" {
		f.log.Debug("Dropping message without sender or chat", "channel", f.channel)
		return false
	}
	if strings.TrimSpace(in.Content) == "" {
		f.log.Debug("Dropping empty message", "channel", f.channel, "sender_id", senderIDs[0])
		return false
	}

	if !f.allow.Allowed(senderIDs...) {
		f.log.Warn("Sender denied", "channel", f.channel, "sender_id", senderIDs[0], "chat_id", chatID)
		return false
	}

	msg := bus.NewInboundMessage(f.channel, senderIDs[0], chatID, in.Content)
	msg.Media = in.Media
	msg.Metadata = in.Metadata

	if !f.bus.PublishInbound(ctx, msg) {
		f.log.Debug("Inbound publish aborted", "channel", f.channel, "message_id", msg.ID)
		return false
	}

	f.log.Debug("Forwarded message", "channel", f.channel, "session_key", msg.SessionKey(), "content", msg.String())
	return true
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
