package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramChannelName = "telegram"

// Replies for outcomes that carry no utterance.
const (
	telegramBusyReply   = "请等待上一条回复完成"
	telegramFailedReply = "抱歉，我刚才走神了，可以再说一次吗？"
)

// Telegram rejects messages over 4096 characters; stay under it in bytes.
const telegramMaxMessage = 4000

// TelegramBot is the part of the bot API the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// botAPI adds GetSelf to the real client; everything else is promoted.
type botAPI struct {
	*tgbotapi.BotAPI
}

func (b botAPI) GetSelf() tgbotapi.User { return b.Self }

// BotFactory connects to the bot API. Tests swap in a mock.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

func dialBot(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return botAPI{api}, nil
}

// TelegramChannel answers private chats with text and a voice clip per
// utterance.
type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	cancel     context.CancelFunc
	botFactory BotFactory
	replies    sync.WaitGroup
}

func NewTelegramChannel(cfg config.TelegramConfig, h bus.Handler) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, h, dialBot)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, h bus.Handler, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, h, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
	}
	return ch, nil
}

// proxyClient routes bot API calls through proxy when one is set.
func proxyClient(proxy string) (*http.Client, error) {
	if proxy == "" {
		return http.DefaultClient, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}, nil
}

func (t *TelegramChannel) initBot() error {
	client, err := proxyClient(t.proxy)
	if err != nil {
		return err
	}
	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("connect telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] connected as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					t.handleMessage(ctx, update.Message)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling for messages")
	return nil
}

// handleMessage starts a reply without blocking the update loop, so a second
// message while one is in progress gets the busy notice right away.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	chatID := msg.Chat.ID
	in := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(chatID, 10),
		Content:   content,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	t.replies.Add(1)
	go func() {
		defer t.replies.Done()
		t.reply(ctx, chatID, in)
	}()
}

func (t *TelegramChannel) reply(ctx context.Context, chatID int64, in bus.InboundMessage) {
	err := t.Dispatch(ctx, in, func(ev bus.Event) error {
		switch ev.Type {
		case bus.EventUtterance:
			if err := t.sendText(chatID, ev.Text); err != nil {
				return err
			}
			if len(ev.Audio) > 0 {
				return t.sendAudio(chatID, ev)
			}
		case bus.EventError:
			if ev.Error == bus.CodeGenerationFailed {
				return t.sendText(chatID, telegramFailedReply)
			}
		}
		return nil
	})
	if err == nil {
		return
	}
	if errorCode(err) == bus.CodeSessionBusy {
		if err := t.sendText(chatID, telegramBusyReply); err != nil {
			log.Printf("[telegram] send busy notice to %d: %v", chatID, err)
		}
		return
	}
	log.Printf("[telegram] message from %s rejected: %v", in.SenderID, err)
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.replies.Wait()
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

var errBotNotInitialized = errors.New("telegram bot not initialized")

func (t *TelegramChannel) sendText(chatID int64, text string) error {
	if t.bot == nil {
		return errBotNotInitialized
	}

	for _, chunk := range splitMessage(text, telegramMaxMessage) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into pieces of at most limit bytes, preferring a
// newline, then a sentence end, then any rune boundary.
func splitMessage(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		head := text[:limit]
		cut := strings.LastIndex(head, "\n") + 1
		if cut <= 0 {
			cut = strings.LastIndexAny(head, "。！？!?")
			if cut >= 0 {
				_, size := utf8.DecodeRuneInString(head[cut:])
				cut += size
			}
		}
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func (t *TelegramChannel) sendAudio(chatID int64, ev bus.Event) error {
	if t.bot == nil {
		return errBotNotInitialized
	}
	format := ev.Format
	if format == "" {
		format = "wav"
	}
	audio := tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("luotianyi-%d.%s", ev.Ordinal, format),
		Bytes: ev.Audio,
	})
	audio.Title = ev.Text
	if _, err := t.bot.Send(audio); err != nil {
		return fmt.Errorf("send telegram audio: %w", err)
	}
	return nil
}
