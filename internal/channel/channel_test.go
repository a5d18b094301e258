package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeHandler replays a fixed reply. errs are returned by successive calls.
type fakeHandler struct {
	mu     sync.Mutex
	calls  []string
	events []bus.Event
	errs   []error
	gate   chan struct{}
}

func (f *fakeHandler) Handle(ctx context.Context, userID, text string) (<-chan bus.Event, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID+"|"+text)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan bus.Event, len(f.events)+1)
	go func() {
		defer close(ch)
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				ch <- bus.Event{Type: bus.EventError, Error: bus.CodeCancelled}
				return
			}
		}
		for _, ev := range f.events {
			ch <- ev
		}
	}()
	return ch, nil
}

func (f *fakeHandler) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func replyEvents() []bus.Event {
	return []bus.Event{
		{Type: bus.EventUtterance, Ordinal: 0, Text: "你好呀！", Audio: []byte("RIFF"), Format: "wav"},
		{Type: bus.EventUtterance, Ordinal: 1, Text: "今天想聊什么？", Error: bus.CodeSynthesisFailed},
		{Type: bus.EventEnd},
	}
}

func TestBaseChannel_Name(t *testing.T) {
	ch := NewBaseChannel("test", &fakeHandler{}, nil)
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	open := NewBaseChannel("test", &fakeHandler{}, nil)
	if !open.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}

	ch := NewBaseChannel("test", &fakeHandler{}, []string{"user1", "user2"})
	if !ch.IsAllowed("user1") || !ch.IsAllowed("user2") {
		t.Error("should allow listed users")
	}
	if ch.IsAllowed("user3") {
		t.Error("should reject user3")
	}
}

func TestBaseChannel_Dispatch(t *testing.T) {
	h := &fakeHandler{events: replyEvents()}
	ch := NewBaseChannel("test", h, nil)
	msg := bus.InboundMessage{Channel: "test", SenderID: "42", Content: "你好"}

	var got []bus.Event
	err := ch.Dispatch(context.Background(), msg, func(ev bus.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if len(got) != 3 || !got[2].Terminal() {
		t.Fatalf("events = %+v", got)
	}
	if calls := h.Calls(); len(calls) != 1 || calls[0] != "test:42|你好" {
		t.Errorf("calls = %v", calls)
	}
}

func TestBaseChannel_DispatchDrainsAfterEmitError(t *testing.T) {
	h := &fakeHandler{events: replyEvents()}
	ch := NewBaseChannel("test", h, nil)

	emitted := 0
	err := ch.Dispatch(context.Background(), bus.InboundMessage{SenderID: "1", Content: "hi"}, func(bus.Event) error {
		emitted++
		return errors.New("client gone")
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if emitted != 1 {
		t.Errorf("emitted = %d, want 1", emitted)
	}
}

func TestBaseChannel_DispatchBusy(t *testing.T) {
	h := &fakeHandler{errs: []error{session.ErrSessionBusy}}
	ch := NewBaseChannel("test", h, nil)
	err := ch.Dispatch(context.Background(), bus.InboundMessage{SenderID: "1", Content: "hi"}, func(bus.Event) error {
		t.Error("no events expected")
		return nil
	})
	if !errors.Is(err, session.ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}
	if errorCode(err) != bus.CodeSessionBusy {
		t.Errorf("errorCode = %q", errorCode(err))
	}
	if errorCode(errors.New("other")) != bus.CodeInvalidRequest {
		t.Error("unknown errors should map to invalid_request")
	}
}

func TestInboundMessage_UserKey(t *testing.T) {
	msg := bus.InboundMessage{Channel: "telegram", SenderID: "123", ChatID: "456"}
	if msg.UserKey() != "telegram:123" {
		t.Errorf("UserKey = %q", msg.UserKey())
	}
}

// mockTelegramBot implements TelegramBot interface for testing
type mockTelegramBot struct {
	mu          sync.Mutex
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.Chattable
	sendErr     error
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMsgs = append(m.sentMsgs, c)
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: len(m.sentMsgs)}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func (m *mockTelegramBot) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.sentMsgs {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, msg.Text)
		}
	}
	return out
}

func (m *mockTelegramBot) audios() []tgbotapi.AudioConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tgbotapi.AudioConfig
	for _, c := range m.sentMsgs {
		if a, ok := c.(tgbotapi.AudioConfig); ok {
			out = append(out, a)
		}
	}
	return out
}

func newTestTelegram(t *testing.T, h bus.Handler, allow []string) (*TelegramChannel, *mockTelegramBot) {
	t.Helper()
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token", AllowFrom: allow}, h)
	if err != nil {
		t.Fatalf("NewTelegramChannel error: %v", err)
	}
	bot := newMockBot()
	ch.SetBot(bot)
	return ch, bot
}

func tgMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, UserName: "testuser"},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: text,
		Date: 1234567890,
	}
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	if _, err := NewTelegramChannel(config.TelegramConfig{}, &fakeHandler{}); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestTelegramChannel_HandleMessage_Reply(t *testing.T) {
	h := &fakeHandler{events: replyEvents()}
	ch, bot := newTestTelegram(t, h, nil)

	ch.handleMessage(context.Background(), tgMessage("hello"))
	ch.replies.Wait()

	if calls := h.Calls(); len(calls) != 1 || calls[0] != "telegram:123|hello" {
		t.Fatalf("calls = %v", calls)
	}
	texts := bot.texts()
	if len(texts) != 2 || texts[0] != "你好呀！" || texts[1] != "今天想聊什么？" {
		t.Errorf("texts = %v", texts)
	}
	audios := bot.audios()
	if len(audios) != 1 {
		t.Fatalf("audios = %d, want 1", len(audios))
	}
	if audios[0].ChatID != 456 || audios[0].Title != "你好呀！" {
		t.Errorf("audio = %+v", audios[0])
	}
	file, ok := audios[0].File.(tgbotapi.FileBytes)
	if !ok || file.Name != "luotianyi-0.wav" || string(file.Bytes) != "RIFF" {
		t.Errorf("audio file = %+v", audios[0].File)
	}
}

func TestTelegramChannel_HandleMessage_Busy(t *testing.T) {
	h := &fakeHandler{errs: []error{session.ErrSessionBusy}}
	ch, bot := newTestTelegram(t, h, nil)

	ch.handleMessage(context.Background(), tgMessage("hello again"))
	ch.replies.Wait()

	texts := bot.texts()
	if len(texts) != 1 || texts[0] != telegramBusyReply {
		t.Errorf("texts = %v, want busy notice", texts)
	}
}

func TestTelegramChannel_HandleMessage_GenerationFailed(t *testing.T) {
	h := &fakeHandler{events: []bus.Event{{Type: bus.EventError, Error: bus.CodeGenerationFailed}}}
	ch, bot := newTestTelegram(t, h, nil)

	ch.handleMessage(context.Background(), tgMessage("hello"))
	ch.replies.Wait()

	texts := bot.texts()
	if len(texts) != 1 || texts[0] != telegramFailedReply {
		t.Errorf("texts = %v, want apology", texts)
	}
}

func TestTelegramChannel_HandleMessage_Rejected(t *testing.T) {
	h := &fakeHandler{events: replyEvents()}
	ch, bot := newTestTelegram(t, h, []string{"999"})

	ch.handleMessage(context.Background(), tgMessage("hello"))
	ch.replies.Wait()

	if len(h.Calls()) != 0 || len(bot.texts()) != 0 {
		t.Error("message from a sender not in allowFrom should be dropped")
	}
}

func TestTelegramChannel_HandleMessage_EmptyText(t *testing.T) {
	h := &fakeHandler{events: replyEvents()}
	ch, _ := newTestTelegram(t, h, nil)

	ch.handleMessage(context.Background(), tgMessage("   "))
	ch.handleMessage(context.Background(), &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "no sender"})
	ch.replies.Wait()

	if len(h.Calls()) != 0 {
		t.Errorf("calls = %v, want none", h.Calls())
	}
}

func TestTelegramChannel_HandleMessage_Caption(t *testing.T) {
	h := &fakeHandler{events: []bus.Event{{Type: bus.EventEnd}}}
	ch, _ := newTestTelegram(t, h, nil)

	msg := tgMessage("")
	msg.Caption = "看这张图"
	ch.handleMessage(context.Background(), msg)
	ch.replies.Wait()

	if calls := h.Calls(); len(calls) != 1 || calls[0] != "telegram:123|看这张图" {
		t.Errorf("calls = %v", calls)
	}
}

func TestTelegramChannel_SendText_Long(t *testing.T) {
	ch, bot := newTestTelegram(t, &fakeHandler{}, nil)

	long := strings.Repeat("天", 2000) // 6000 bytes
	if err := ch.sendText(1, long); err != nil {
		t.Fatalf("sendText error: %v", err)
	}
	texts := bot.texts()
	if len(texts) != 2 {
		t.Fatalf("chunks = %d, want 2", len(texts))
	}
	if strings.Join(texts, "") != long {
		t.Error("chunks should reassemble to the input text")
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "你好", 10, []string{"你好"}},
		{"newline", "ab\ncdef", 5, []string{"ab\n", "cdef"}},
		{"sentence", "你好。再见", 10, []string{"你好。", "再见"}},
		{"rune boundary", "天天天", 7, []string{"天天", "天"}},
		{"empty", "", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("splitMessage(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

func TestTelegramChannel_SendText_NilBot(t *testing.T) {
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, &fakeHandler{})
	if err := ch.sendText(1, "hi"); !errors.Is(err, errBotNotInitialized) {
		t.Errorf("err = %v, want errBotNotInitialized", err)
	}
}

func TestTelegramChannel_InitBot(t *testing.T) {
	mockBot := newMockBot()
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return mockBot, nil
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, &fakeHandler{}, factory)
	if err := ch.initBot(); err != nil {
		t.Errorf("initBot error: %v", err)
	}
	if ch.bot == nil {
		t.Error("bot should be set")
	}

	failing := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("auth failed")
	}
	ch, _ = NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, &fakeHandler{}, failing)
	if err := ch.initBot(); err == nil {
		t.Error("expected error from initBot")
	}

	ch, _ = NewTelegramChannelWithFactory(config.TelegramConfig{
		Token: "fake-token",
		Proxy: "://invalid-url",
	}, &fakeHandler{}, factory)
	if err := ch.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramChannel_Start(t *testing.T) {
	mockBot := newMockBot()
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return mockBot, nil
	}
	h := &fakeHandler{events: []bus.Event{{Type: bus.EventUtterance, Text: "收到啦。"}, {Type: bus.EventEnd}}}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, h, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	mockBot.updatesChan <- tgbotapi.Update{}
	mockBot.updatesChan <- tgbotapi.Update{Message: tgMessage("test message")}

	deadline := time.Now().Add(2 * time.Second)
	for len(mockBot.texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if texts := mockBot.texts(); len(texts) != 1 || texts[0] != "收到啦。" {
		t.Errorf("texts = %v", texts)
	}

	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	mockBot.mu.Lock()
	stopped := mockBot.stopped
	mockBot.mu.Unlock()
	if !stopped {
		t.Error("bot should be stopped")
	}
}

func TestTelegramChannel_Stop_NotStarted(t *testing.T) {
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, &fakeHandler{})
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

// mockChannel implements Channel interface for testing
type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func TestChannelManager_Empty(t *testing.T) {
	m, err := NewChannelManager(config.ChannelsConfig{}, config.GatewayConfig{}, &fakeHandler{}, nil)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Errorf("EnabledChannels = %v, want none", m.EnabledChannels())
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
}

func TestChannelManager_FromConfig(t *testing.T) {
	m, err := NewChannelManager(config.ChannelsConfig{
		WebSocket: config.WebSocketConfig{Enabled: true},
		Telegram:  config.TelegramConfig{Enabled: true, Token: "fake-token"},
	}, config.GatewayConfig{Host: "127.0.0.1", Port: 0}, &fakeHandler{}, &fakeHistory{})
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	got := m.EnabledChannels()
	if len(got) != 2 || got[0] != "telegram" || got[1] != "websocket" {
		t.Errorf("EnabledChannels = %v", got)
	}

	_, err = NewChannelManager(config.ChannelsConfig{
		Telegram: config.TelegramConfig{Enabled: true},
	}, config.GatewayConfig{}, &fakeHandler{}, nil)
	if err == nil {
		t.Error("expected error for telegram without token")
	}
}

func TestChannelManager_WithMockChannel(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	m, _ := NewChannelManager(config.ChannelsConfig{}, config.GatewayConfig{}, &fakeHandler{}, nil)
	m.Add(mock)

	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if !mock.started {
		t.Error("mock channel should be started")
	}
	if channels := m.EnabledChannels(); len(channels) != 1 || channels[0] != "mock" {
		t.Errorf("EnabledChannels = %v, want [mock]", channels)
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
	if !mock.stopped {
		t.Error("mock channel should be stopped")
	}
}

func TestChannelManager_StartAll_ErrorStopsStarted(t *testing.T) {
	first := &mockChannel{name: "a"}
	broken := &mockChannel{name: "b", startErr: fmt.Errorf("start failed")}
	m, _ := NewChannelManager(config.ChannelsConfig{}, config.GatewayConfig{}, &fakeHandler{}, nil)
	m.Add(first)
	m.Add(broken)

	if err := m.StartAll(context.Background()); err == nil {
		t.Fatal("expected error from StartAll")
	}
	if !first.stopped {
		t.Error("channels started before the failure should be stopped")
	}
}

func TestChannelManager_StopAll_Error(t *testing.T) {
	m, _ := NewChannelManager(config.ChannelsConfig{}, config.GatewayConfig{}, &fakeHandler{}, nil)
	m.Add(&mockChannel{name: "mock", stopErr: fmt.Errorf("stop failed")})

	// Should not return error (errors are logged)
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll should not return error: %v", err)
	}
}
