package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// telegramMaxLen is the Telegram hard cap per message.
const telegramMaxLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	cfg        config.TelegramChannelConfig
	streams    *channels.StreamAssembler
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramChannelConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not set (NANOBOT_TELEGRAM_TOKEN)")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus),
		bot:         bot,
		cfg:         cfg,
		streams:     channels.NewStreamAssembler(),
	}, nil
}

// Start begins long polling for updates. Stop cancels the polling context
// and waits for the goroutine to exit so Telegram releases the getUpdates
// lock before another instance starts.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message, reassembling streaming deltas first.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	content, done := c.streams.Collect(msg)
	if !done {
		return nil
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}

	if err := c.sendChunked(ctx, chatID, content); err != nil {
		return err
	}
	for _, media := range msg.Media {
		if err := c.sendDocument(ctx, chatID, media); err != nil {
			slog.Warn("telegram attachment send failed", "path", media, "error", err)
		}
	}
	return nil
}

func (c *Channel) sendChunked(ctx context.Context, chatID int64, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > telegramMaxLen {
			cutAt := telegramMaxLen
			if idx := strings.LastIndexByte(content[:telegramMaxLen], '\n'); idx > telegramMaxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if chunk == "" {
			continue
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (c *Channel) sendDocument(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	_, err = c.bot.SendDocument(ctx, tu.Document(tu.ID(chatID), tu.File(f)))
	return err
}

func (c *Channel) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	content := m.Text
	if content == "" && m.Caption != "" {
		content = m.Caption
	}
	if content == "" {
		return
	}

	chatIDStr := strconv.FormatInt(m.Chat.ID, 10)
	senderID := strconv.FormatInt(m.From.ID, 10)
	isGroup := m.Chat.Type == telego.ChatTypeGroup || m.Chat.Type == telego.ChatTypeSupergroup

	sessionKey := channels.DirectSessionKey("telegram", senderID)
	if isGroup {
		sessionKey = channels.GroupSessionKey("telegram", chatIDStr)
		content = fmt.Sprintf("[From: %s]\n%s", senderName(m.From), content)
	}

	slog.Debug("telegram message received",
		"sender_id", senderID,
		"chat_id", chatIDStr,
		"is_group", isGroup,
		"preview", channels.Truncate(content, 50),
	)

	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(m.Chat.ID), telego.ChatActionTyping))

	c.PublishInbound(senderID, chatIDStr, content, nil, sessionKey, map[string]string{
		"message_id": strconv.Itoa(m.MessageID),
		"username":   m.From.Username,
	})
}

func senderName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}
