package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"relaygate/pkg/bus"
	"relaygate/pkg/channel"
	"relaygate/pkg/config"
	"relaygate/pkg/logger"
)

// DefaultBridgeURL is used when the channel config carries no bridge_url.
const DefaultBridgeURL = "ws://localhost:3001"

const (
	channelName     = "whatsapp"
	bridgeReadLimit = 1 << 20
)

const (
	frameMessage = "message"
	frameStatus  = "status"
	frameSend    = "send"
)

// bridgeFrame covers every frame type the bridge emits.
type bridgeFrame struct {
	Type    string `json:"type"`
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
	Status  string `json:"status,omitempty"`
}

type sendFrame struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// Adapter relays messages through a local WhatsApp bridge process.
type Adapter struct {
	bridgeURL      string
	fwd            *channel.Forwarder
	log            *slog.Logger
	reconnectDelay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool
}

// New constructs a bridge adapter. The token is unused; the bridge owns the
// WhatsApp session.
func New(cfg config.ChannelConfig, mb *bus.MessageBus, log *slog.Logger) (*Adapter, error) {
	if mb == nil {
		return nil, errors.New("message bus is required")
	}

	log = logger.OrDiscard(log).With("component", "channel.whatsapp")

	return &Adapter{
		bridgeURL:      channel.ExtraString(cfg.Extra, "bridge_url", DefaultBridgeURL),
		fwd:            channel.NewForwarder(channelName, mb, channel.NewAllowList(cfg.AllowFrom), log),
		log:            log,
		reconnectDelay: channel.DefaultReconnectDelay,
	}, nil
}

func (a *Adapter) Name() string {
	return channelName
}

func (a *Adapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Start keeps a bridge connection open until ctx is cancelled or Stop is called.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("whatsapp channel already running")
	}
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.running = false
		a.mu.Unlock()
	}()

	a.log.Info("WhatsApp channel started", "bridge", a.bridgeURL)
	err := channel.RunWithReconnect(runCtx, a.reconnectDelay, a.log, a.connect)
	a.log.Info("WhatsApp channel stopped")

	return err
}

// Stop cancels the bridge connection. It is safe to call repeatedly.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Send forwards msg to the bridge. It fails with channel.ErrNotConnected while
// no bridge connection is open.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return channel.ErrNotConnected
	}

	frame := sendFrame{Type: frameSend, To: msg.Recipient, Text: msg.Text}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		a.log.Error("Failed to send whatsapp message", "to", msg.Recipient, "error", err)
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

func (a *Adapter) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge: %w", err)
	}
	conn.SetReadLimit(bridgeReadLimit)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		_ = conn.CloseNow()
	}()

	a.log.Info("Connected to WhatsApp bridge")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read bridge frame: %w", err)
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.log.Debug("Ignoring malformed bridge frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameMessage:
			a.handleMessage(ctx, frame)
		case frameStatus:
			a.log.Info("Bridge status", "status", frame.Status)
		default:
			a.log.Debug("Ignoring bridge frame", "type", frame.Type)
		}
	}
}

// handleMessage checks access on the bare phone number but keeps the full JID
// as chat id so replies reach the right conversation.
func (a *Adapter) handleMessage(ctx context.Context, frame bridgeFrame) {
	sender := strings.TrimSpace(frame.Sender)
	if sender == "" {
		a.log.Debug("Ignoring bridge message without sender", "id", frame.ID)
		return
	}

	a.fwd.Forward(ctx, channel.Inbound{
		SenderIDs: []string{senderNumber(sender)},
		ChatID:    sender,
		Content:   frame.Content,
		Metadata: map[string]string{
			"message_id": frame.ID,
			"is_group":   strconv.FormatBool(frame.IsGroup),
		},
	})
}

func senderNumber(sender string) string {
	if at := strings.IndexByte(sender, '@'); at >= 0 {
		return sender[:at]
	}
	return sender
}
