package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"relaygate/pkg/bus"
	"relaygate/pkg/channel"
	"relaygate/pkg/config"
	"relaygate/pkg/logger"
)

const (
	channelName = "discord"

	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	defaultAPIBase    = "https://discord.com/api/v10"

	// GUILDS | GUILD_MESSAGES
	defaultIntents = 513

	gatewayReadLimit = 4 << 20
	restTimeout      = 30 * time.Second
	emptyContent     = "[empty]"
)

// Adapter keeps a Discord gateway session open and delivers replies over REST.
type Adapter struct {
	token      string
	intents    int
	gatewayURL string
	apiBase    string

	fwd            *channel.Forwarder
	log            *slog.Logger
	httpClient     *http.Client
	reconnectDelay time.Duration

	// seq is the last dispatch sequence number, or -1 before the first one.
	seq atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New validates Discord configuration and constructs an adapter.
func New(cfg config.ChannelConfig, mb *bus.MessageBus, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.discord.token is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}

	log = logger.OrDiscard(log).With("component", "channel.discord")

	a := &Adapter{
		token:          token,
		intents:        channel.ExtraInt(cfg.Extra, "intents", defaultIntents),
		gatewayURL:     channel.ExtraString(cfg.Extra, "gateway_url", defaultGatewayURL),
		apiBase:        strings.TrimRight(channel.ExtraString(cfg.Extra, "api_base", defaultAPIBase), "/"),
		fwd:            channel.NewForwarder(channelName, mb, channel.NewAllowList(cfg.AllowFrom), log),
		log:            log,
		httpClient:     &http.Client{Timeout: restTimeout},
		reconnectDelay: channel.DefaultReconnectDelay,
	}
	a.seq.Store(-1)

	return a, nil
}

func (a *Adapter) Name() string {
	return channelName
}

func (a *Adapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Start runs the gateway session, reconnecting after a fixed delay whenever
// the connection drops or the server asks for a new session.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("discord channel already running")
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

	a.log.Info("Discord channel started", "gateway", a.gatewayURL)
	err := channel.RunWithReconnect(runCtx, a.reconnectDelay, a.log, a.connect)
	a.log.Info("Discord channel stopped")

	return err
}

// Stop cancels the session, which closes the socket and the heartbeat. It is
// safe to call repeatedly.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// connect runs one gateway connection until it fails or the server asks to
// reconnect. The heartbeat goroutine never outlives the connection.
func (a *Adapter) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial discord gateway: %w", err)
	}
	conn.SetReadLimit(gatewayReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	var heartbeat sync.WaitGroup

	a.seq.Store(-1)

	defer func() {
		cancel()
		heartbeat.Wait()
		_ = conn.CloseNow()
	}()

	heartbeatStarted := false
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("read gateway frame: %w", err)
		}

		var payload gatewayPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			a.log.Debug("Ignoring malformed gateway frame", "error", err)
			continue
		}
		if payload.S != nil {
			a.seq.Store(*payload.S)
		}

		switch payload.Op {
		case opHello:
			var hello helloData
			if err := json.Unmarshal(payload.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
				return fmt.Errorf("invalid hello frame: %s", string(payload.D))
			}
			if !heartbeatStarted {
				interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
				if err := a.sendHeartbeat(connCtx, conn); err != nil {
					return err
				}
				heartbeat.Add(1)
				go func() {
					defer heartbeat.Done()
					beat := func(ctx context.Context) error { return a.sendHeartbeat(ctx, conn) }
					a.heartbeatLoop(connCtx, interval, beat, cancel)
				}()
				heartbeatStarted = true
			}
			if err := a.identify(connCtx, conn); err != nil {
				return err
			}
		case opHeartbeat:
			if err := a.sendHeartbeat(connCtx, conn); err != nil {
				return err
			}
		case opHeartbeatAck:
			a.log.Debug("Heartbeat acknowledged")
		case opDispatch:
			a.handleDispatch(connCtx, payload.T, payload.D)
		case opReconnect:
			a.log.Info("Gateway requested reconnect")
			return nil
		case opInvalidSession:
			a.log.Warn("Gateway invalidated session")
			return nil
		default:
			a.log.Debug("Ignoring gateway opcode", "op", payload.Op)
		}
	}
}

// heartbeatLoop calls beat every interval. A failed beat calls abort so the
// read loop ends and the connection is re-established.
func (a *Adapter) heartbeatLoop(ctx context.Context, interval time.Duration, beat func(context.Context) error, abort func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := beat(ctx); err != nil {
				if ctx.Err() == nil {
					a.log.Warn("Heartbeat failed, dropping connection", "error", err)
					abort()
				}
				return
			}
		}
	}
}

func (a *Adapter) sendHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	frame := heartbeatFrame{Op: opHeartbeat}
	if seq := a.seq.Load(); seq >= 0 {
		frame.D = &seq
	}
	return writeFrame(ctx, conn, frame)
}

func (a *Adapter) identify(ctx context.Context, conn *websocket.Conn) error {
	return writeFrame(ctx, conn, identifyFrame{
		Op: opIdentify,
		D: identifyData{
			Token:   a.token,
			Intents: a.intents,
			Properties: identifyProperties{
				OS:      "relaygate",
				Browser: "relaygate",
				Device:  "relaygate",
			},
		},
	})
}

func (a *Adapter) handleDispatch(ctx context.Context, eventType string, data json.RawMessage) {
	switch eventType {
	case eventReady:
		var ready readyData
		if err := json.Unmarshal(data, &ready); err != nil {
			a.log.Debug("Ignoring malformed READY payload", "error", err)
			return
		}
		a.log.Info("Discord gateway ready", "user", ready.User.Username, "session_id", ready.SessionID)
	case eventMessageCreate:
		var msg messageCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Debug("Ignoring malformed MESSAGE_CREATE payload", "error", err)
			return
		}
		a.handleMessage(ctx, msg)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg messageCreate) {
	if msg.Author.Bot {
		return
	}
	if msg.Author.ID == "" || msg.ChannelID == "" {
		a.log.Debug("Ignoring message without author or channel", "message_id", msg.ID)
		return
	}

	content := msg.Content
	if strings.TrimSpace(content) == "" {
		content = emptyContent
	}

	metadata := map[string]string{
		"message_id": msg.ID,
		"username":   msg.Author.Username,
	}
	if msg.GuildID != "" {
		metadata["guild_id"] = msg.GuildID
	}

	a.fwd.Forward(ctx, channel.Inbound{
		SenderIDs: []string{msg.Author.ID},
		ChatID:    msg.ChannelID,
		Content:   content,
		Metadata:  metadata,
	})
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode gateway frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write gateway frame: %w", err)
	}
	return nil
}
