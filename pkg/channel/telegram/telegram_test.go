package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"

	"relaygate/pkg/bus"
	"relaygate/pkg/channel"
	"relaygate/pkg/config"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []*telego.SendMessageParams
	actions  int
	failHTML bool
	failAll  bool
	updates  chan telego.Update

	dropped      bool
	webhookErr   error
	pollingCalls int
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan telego.Update, 8)}
}

func (f *fakeBot) GetMe(context.Context) (*telego.User, error) {
	return &telego.User{ID: 1, IsBot: true, Username: "relaybot"}, nil
}

func (f *fakeBot) DeleteWebhook(_ context.Context, params *telego.DeleteWebhookParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.webhookErr != nil {
		return f.webhookErr
	}
	f.dropped = params != nil && params.DropPendingUpdates
	return nil
}

func (f *fakeBot) UpdatesViaLongPolling(context.Context, *telego.GetUpdatesParams, ...telego.LongPollingOption) (<-chan telego.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollingCalls++
	return f.updates, nil
}

func (f *fakeBot) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, params)
	if f.failAll || (f.failHTML && params.ParseMode == telego.ModeHTML) {
		return nil, errors.New("bad request: can't parse entities")
	}
	return &telego.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) SendChatAction(context.Context, *telego.SendChatActionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return nil
}

func (f *fakeBot) sentMessages() []*telego.SendMessageParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*telego.SendMessageParams(nil), f.sent...)
}

func newTestAdapter(t *testing.T, allowFrom ...string) (*Adapter, *fakeBot, *bus.MessageBus) {
	t.Helper()

	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	adapter, err := New(config.ChannelConfig{Enabled: true, Token: "123:abc", AllowFrom: allowFrom}, mb, nil)
	require.NoError(t, err)

	bot := newFakeBot()
	adapter.newBot = func(string) (botAPI, error) { return bot, nil }
	return adapter, bot, mb
}

func startAdapter(t *testing.T, adapter *Adapter) <-chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- adapter.Start(context.Background()) }()
	require.Eventually(t, adapter.IsRunning, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		_ = adapter.Stop(context.Background())
	})
	return done
}

func textUpdate(id int, userID int64, username, text string) telego.Update {
	return telego.Update{
		UpdateID: id,
		Message: &telego.Message{
			MessageID: id * 10,
			Chat:      telego.Chat{ID: 555},
			From:      &telego.User{ID: userID, Username: username, FirstName: "Ada"},
			Text:      text,
		},
	}
}

func TestStartDropsPendingUpdatesBeforePolling(t *testing.T) {
	adapter, bot, _ := newTestAdapter(t)
	startAdapter(t, adapter)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	require.True(t, bot.dropped)
	require.Equal(t, 1, bot.pollingCalls)
}

func TestStartFailsWhenPendingUpdatesCannotBeDropped(t *testing.T) {
	adapter, bot, _ := newTestAdapter(t)
	bot.webhookErr = errors.New("unauthorized")

	err := adapter.Start(context.Background())
	require.ErrorContains(t, err, "drop pending telegram updates")
	require.False(t, adapter.IsRunning())

	bot.mu.Lock()
	defer bot.mu.Unlock()
	require.Zero(t, bot.pollingCalls)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(config.ChannelConfig{Enabled: true}, bus.NewMessageBus(), nil)
	require.ErrorContains(t, err, "token is required")
}

func TestMarkdownToHTMLMixedSegments(t *testing.T) {
	input := "Hello **world**, see `x=1` and:\n```py\nprint(1)\n```"
	got := MarkdownToHTML(input)

	require.Equal(t, "Hello <b>world</b>, see <code>x=1</code> and:\n<pre><code>print(1)\n</code></pre>", got)
	require.NotContains(t, got, "`")
	require.NotContains(t, got, "*")
}

func TestMarkdownToHTMLItalicRespectsIdentifiers(t *testing.T) {
	require.Equal(t, "call foo_bar_baz now", MarkdownToHTML("call foo_bar_baz now"))
	require.Equal(t, "<i>hello</i>", MarkdownToHTML("_hello_"))
	require.Equal(t, "say <i>hi there</i>!", MarkdownToHTML("say _hi there_!"))
}

func TestMarkdownToHTMLLinkTargetsKeepUnderscores(t *testing.T) {
	require.Equal(t, `<a href="http://x/_y_">a</a>`, MarkdownToHTML("[a](http://x/_y_)"))
	require.Equal(t, `<a href="https://e.com/a_b">see <i>docs</i></a>`, MarkdownToHTML("[see _docs_](https://e.com/a_b)"))
	require.Equal(t, `<i>note</i> <a href="http://x/_y">z</a>`, MarkdownToHTML("_note_ [z](http://x/_y)"))
}

func TestMarkdownToHTMLItalicSpansLines(t *testing.T) {
	require.Equal(t, "<i>multi\nline</i>", MarkdownToHTML("_multi\nline_"))
}

func TestMarkdownToHTMLProseRules(t *testing.T) {
	input := "## Title\n- one\n* two\nSee [docs](https://example.com/a?b=1&c=2) <now>"
	got := MarkdownToHTML(input)

	require.Equal(t, "Title\n• one\n• two\nSee <a href=\"https://example.com/a?b=1&amp;c=2\">docs</a> &lt;now&gt;", got)
}

func TestMarkdownToHTMLCodeIsNotReinterpreted(t *testing.T) {
	got := MarkdownToHTML("`**not bold** <tag> _x_`")
	require.Equal(t, "<code>**not bold** &lt;tag&gt; _x_</code>", got)

	block := MarkdownToHTML("```\n# not a heading\n- a & b\n```")
	require.Equal(t, "<pre><code># not a heading\n- a &amp; b\n</code></pre>", block)
}

func TestMarkdownToHTMLEmpty(t *testing.T) {
	require.Empty(t, MarkdownToHTML(""))
}

func TestStartForwardsTextWithUsernameIdentity(t *testing.T) {
	adapter, bot, mb := newTestAdapter(t, "ada_l")
	done := startAdapter(t, adapter)

	bot.updates <- textUpdate(1, 1001, "ada_l", "hello there")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	require.Equal(t, "telegram", msg.Channel)
	require.Equal(t, "1001", msg.SenderID)
	require.Equal(t, "555", msg.ChatID)
	require.Equal(t, "hello there", msg.Content)
	require.Equal(t, "10", msg.Metadata["message_id"])
	require.Equal(t, "ada_l", msg.Metadata["username"])

	require.NoError(t, adapter.Stop(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("start did not return after stop")
	}
	require.False(t, adapter.IsRunning())
}

func TestHandleUpdateDropsDeniedSender(t *testing.T) {
	adapter, bot, mb := newTestAdapter(t, "42")

	adapter.handleUpdate(context.Background(), bot, textUpdate(1, 7, "mallory", "hi"))
	require.Zero(t, mb.InboundSize())
	require.Zero(t, bot.actions)

	adapter.handleUpdate(context.Background(), bot, textUpdate(2, 42, "", "hi"))
	require.Equal(t, 1, mb.InboundSize())
	require.Equal(t, 1, bot.actions)
}

func TestHandleUpdateStartCommandGreets(t *testing.T) {
	adapter, bot, mb := newTestAdapter(t)

	adapter.handleUpdate(context.Background(), bot, textUpdate(1, 7, "ada", "/start"))
	adapter.handleUpdate(context.Background(), bot, textUpdate(2, 7, "ada", "/help"))

	sent := bot.sentMessages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "Ada")
	require.EqualValues(t, 555, sent[0].ChatID.ID)
	require.Zero(t, mb.InboundSize())
}

func TestSendFallsBackToPlainText(t *testing.T) {
	adapter, bot, _ := newTestAdapter(t)
	startAdapter(t, adapter)
	bot.failHTML = true

	err := adapter.Send(context.Background(), bus.OutboundMessage{Channel: "telegram", Recipient: "555", Text: "**hi**", ReplyTo: "10"})
	require.NoError(t, err)

	sent := bot.sentMessages()
	require.Len(t, sent, 2)
	require.Equal(t, telego.ModeHTML, sent[0].ParseMode)
	require.Equal(t, "<b>hi</b>", sent[0].Text)
	require.Empty(t, sent[1].ParseMode)
	require.Equal(t, "**hi**", sent[1].Text)
	require.NotNil(t, sent[1].ReplyParameters)
	require.Equal(t, 10, sent[1].ReplyParameters.MessageID)
}

func TestSendReportsFailureAfterFallback(t *testing.T) {
	adapter, bot, _ := newTestAdapter(t)
	startAdapter(t, adapter)
	bot.failAll = true

	err := adapter.Send(context.Background(), bus.OutboundMessage{Recipient: "555", Text: "hi"})
	require.Error(t, err)
	require.Len(t, bot.sentMessages(), 2)
}

func TestSendRequiresRunningAdapter(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)

	err := adapter.Send(context.Background(), bus.OutboundMessage{Recipient: "555", Text: "hi"})
	require.ErrorIs(t, err, channel.ErrNotRunning)
}

func TestSendRejectsNonNumericChat(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	startAdapter(t, adapter)

	err := adapter.Send(context.Background(), bus.OutboundMessage{Recipient: "abc", Text: "hi"})
	require.Error(t, err)
}

func TestCommandName(t *testing.T) {
	name, ok := commandName("/Start@relaybot now")
	require.True(t, ok)
	require.Equal(t, "start", name)

	_, ok = commandName("hello /start")
	require.False(t, ok)
}
