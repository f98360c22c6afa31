package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"relaygate/pkg/bus"
	"relaygate/pkg/channel"
	"relaygate/pkg/config"
)

func newBridge(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()

	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func nextConn(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.CloseNow() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not connect to bridge")
		return nil
	}
}

func newTestAdapter(t *testing.T, bridgeURL string, allowFrom ...string) (*Adapter, *bus.MessageBus) {
	t.Helper()

	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	adapter, err := New(config.ChannelConfig{
		Enabled:   true,
		AllowFrom: allowFrom,
		Extra:     map[string]any{"bridge_url": bridgeURL},
	}, mb, nil)
	require.NoError(t, err)
	adapter.reconnectDelay = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- adapter.Start(context.Background()) }()
	t.Cleanup(func() {
		_ = adapter.Stop(context.Background())
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("adapter did not stop")
		}
	})

	return adapter, mb
}

func TestDefaultBridgeURL(t *testing.T) {
	adapter, err := New(config.ChannelConfig{}, bus.NewMessageBus(), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultBridgeURL, adapter.bridgeURL)
}

func TestInboundMessageUsesNumberForAccessAndJIDForChat(t *testing.T) {
	url, conns := newBridge(t)
	_, mb := newTestAdapter(t, url, "4915550001")
	conn := nextConn(t, conns)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "status", "status": "connected"}))
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type": "message", "sender": "4915559999@s.whatsapp.net", "content": "denied", "id": "x1",
	}))
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"type": "message", "sender": "4915550001@s.whatsapp.net", "content": "hallo", "id": "x2", "isGroup": true,
	}))

	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	require.Equal(t, "whatsapp", msg.Channel)
	require.Equal(t, "4915550001", msg.SenderID)
	require.Equal(t, "4915550001@s.whatsapp.net", msg.ChatID)
	require.Equal(t, "hallo", msg.Content)
	require.Equal(t, "x2", msg.Metadata["message_id"])
	require.Equal(t, "true", msg.Metadata["is_group"])
	require.Zero(t, mb.InboundSize())
}

func TestSendWritesBridgeFrame(t *testing.T) {
	url, conns := newBridge(t)
	adapter, _ := newTestAdapter(t, url)
	conn := nextConn(t, conns)

	require.Eventually(t, func() bool {
		return adapter.Send(context.Background(), bus.OutboundMessage{Recipient: "4915550001@s.whatsapp.net", Text: "hi"}) == nil
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame sendFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	require.Equal(t, sendFrame{Type: "send", To: "4915550001@s.whatsapp.net", Text: "hi"}, frame)
}

func TestSendWithoutBridgeFails(t *testing.T) {
	adapter, err := New(config.ChannelConfig{}, bus.NewMessageBus(), nil)
	require.NoError(t, err)

	err = adapter.Send(context.Background(), bus.OutboundMessage{Recipient: "1", Text: "hi"})
	require.ErrorIs(t, err, channel.ErrNotConnected)
}

func TestReconnectsAfterBridgeDrops(t *testing.T) {
	url, conns := newBridge(t)
	adapter, _ := newTestAdapter(t, url)

	first := nextConn(t, conns)
	_ = first.Close(websocket.StatusGoingAway, "bridge restart")

	nextConn(t, conns)
	require.True(t, adapter.IsRunning())
}

func TestSenderNumber(t *testing.T) {
	require.Equal(t, "4915", senderNumber("4915@s.whatsapp.net"))
	require.Equal(t, "4915", senderNumber("4915"))
}
