package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"relaygate/pkg/bus"
	"relaygate/pkg/channel"
	"relaygate/pkg/config"
	"relaygate/pkg/logger"
)

const channelName = "telegram"

// botAPI is the subset of *telego.Bot the adapter relies on.
type botAPI interface {
	GetMe(ctx context.Context) (*telego.User, error)
	DeleteWebhook(ctx context.Context, params *telego.DeleteWebhookParams) error
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Adapter bridges Telegram long polling into the message bus.
type Adapter struct {
	token  string
	fwd    *channel.Forwarder
	log    *slog.Logger
	newBot func(token string) (botAPI, error)

	mu      sync.Mutex
	bot     botAPI
	cancel  context.CancelFunc
	running bool
}

// New validates Telegram configuration and constructs an adapter instance.
func New(cfg config.ChannelConfig, mb *bus.MessageBus, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}

	log = logger.OrDiscard(log).With("component", "channel.telegram")

	return &Adapter{
		token: token,
		fwd:   channel.NewForwarder(channelName, mb, channel.NewAllowList(cfg.AllowFrom), log),
		log:   log,
		newBot: func(token string) (botAPI, error) {
			return telego.NewBot(token)
		},
	}, nil
}

// Name returns the channel identifier used in bus messages and logs.
func (a *Adapter) Name() string {
	return channelName
}

func (a *Adapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Start begins long polling and forwards text messages until ctx is cancelled
// or Stop is called.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := a.newBot(a.token)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get telegram bot identity: %w", err)
	}

	// Messages queued while the gateway was down are not replayed.
	if err := bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("drop pending telegram updates: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("telegram channel already running")
	}
	a.bot = bot
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.bot = nil
		a.cancel = nil
		a.running = false
		a.mu.Unlock()
	}()

	updates, err := bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "bot", me.Username)

	for {
		select {
		case <-runCtx.Done():
			a.log.Info("Telegram channel stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				if runCtx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			a.handleUpdate(runCtx, bot, update)
		}
	}
}

// Stop cancels long polling. It is safe to call repeatedly.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Send delivers msg as Telegram HTML, falling back to plain text once if the
// formatted attempt is rejected.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return channel.ErrNotRunning
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Recipient), 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", msg.Recipient, err)
	}

	formatted := tu.Message(tu.ID(chatID), MarkdownToHTML(msg.Text)).WithParseMode(telego.ModeHTML)
	withReply(formatted, msg.ReplyTo)
	if _, err = bot.SendMessage(ctx, formatted); err == nil {
		return nil
	}
	a.log.Debug("HTML send rejected, retrying as plain text", "chat_id", chatID, "error", err)

	plain := tu.Message(tu.ID(chatID), msg.Text)
	withReply(plain, msg.ReplyTo)
	if _, err := bot.SendMessage(ctx, plain); err != nil {
		a.log.Error("Failed to send telegram message", "chat_id", chatID, "error", err)
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, bot botAPI, update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender", "update_id", update.UpdateID)
		return
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		return
	}

	if command, ok := commandName(text); ok {
		if command == "start" {
			a.greet(ctx, bot, message)
		}
		return
	}

	senderIDs := []string{strconv.FormatInt(message.From.ID, 10)}
	if message.From.Username != "" {
		senderIDs = append(senderIDs, message.From.Username)
	}

	forwarded := a.fwd.Forward(ctx, channel.Inbound{
		SenderIDs: senderIDs,
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		Content:   message.Text,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
			"update_id":  strconv.Itoa(update.UpdateID),
			"username":   message.From.Username,
			"first_name": message.From.FirstName,
		},
	})
	if forwarded {
		a.sendTyping(ctx, bot, message.Chat.ID)
	}
}

func (a *Adapter) greet(ctx context.Context, bot botAPI, message *telego.Message) {
	name := strings.TrimSpace(message.From.FirstName)
	if name == "" {
		name = "there"
	}

	text := fmt.Sprintf("Hi %s! Send me a message and I'll reply here.", name)
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(message.Chat.ID), text)); err != nil {
		a.log.Error("Failed to send greeting", "chat_id", message.Chat.ID, "error", err)
	}
}

// sendTyping shows a typing indicator while the reply is produced.
func (a *Adapter) sendTyping(ctx context.Context, bot botAPI, chatID int64) {
	if err := bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && ctx.Err() == nil {
		a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
	}
}

// commandName extracts "start" from "/start" or "/start@relaybot args".
func commandName(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}

	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), true
}

func withReply(params *telego.SendMessageParams, replyTo string) {
	id, err := strconv.Atoi(strings.TrimSpace(replyTo))
	if err != nil || id == 0 {
		return
	}
	params.ReplyParameters = &telego.ReplyParameters{MessageID: id}
}
