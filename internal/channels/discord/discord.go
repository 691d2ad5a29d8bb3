package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// discordMaxLen is the Discord hard cap per message.
const discordMaxLen = 2000

// Channel connects to Discord over the gateway websocket via the Bot API.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.DiscordChannelConfig
	botUserID string
	streams   *channels.StreamAssembler
}

func New(cfg config.DiscordChannelConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not set (NANOBOT_DISCORD_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus),
		session:     session,
		cfg:         cfg,
		streams:     channels.NewStreamAssembler(),
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message. Streaming deltas are reassembled into
// one message since Discord cannot render partial text.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	content, done := c.streams.Collect(msg)
	if !done {
		return nil
	}

	if err := c.sendChunked(msg.ChatID, content); err != nil {
		return err
	}
	for _, media := range msg.Media {
		if err := c.sendFile(msg.ChatID, media); err != nil {
			slog.Warn("discord attachment send failed", "path", media, "error", err)
		}
	}
	return nil
}

// sendChunked splits content on the 2000-char cap, preferring newline breaks.
func (c *Channel) sendChunked(channelID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > discordMaxLen {
			cutAt := discordMaxLen
			if idx := strings.LastIndexByte(content[:discordMaxLen], '\n'); idx > discordMaxLen/2 {
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
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *Channel) sendFile(channelID, path string) error {
	f, err := openMediaFile(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = c.session.ChannelFileSend(channelID, f.name, f.reader)
	return err
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && !c.guildAllowed(m.GuildID) {
		slog.Debug("discord message rejected: guild not allowed", "guild_id", m.GuildID)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	// In guild channels only respond when the bot is mentioned.
	if !isDM {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = stripMention(content, c.botUserID)
	}

	sessionKey := channels.DirectSessionKey("discord", m.Author.ID)
	if !isDM {
		sessionKey = channels.GroupSessionKey("discord", m.ChannelID)
		content = fmt.Sprintf("[From: %s]\n%s", displayName(m), content)
	}

	slog.Debug("discord message received",
		"sender_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"is_dm", isDM,
		"preview", channels.Truncate(content, 50),
	)

	_ = c.session.ChannelTyping(m.ChannelID)

	c.PublishInbound(m.Author.ID, m.ChannelID, content, nil, sessionKey, map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
	})
}

func (c *Channel) guildAllowed(guildID string) bool {
	if len(c.cfg.AllowGuild) == 0 {
		return true
	}
	for _, id := range c.cfg.AllowGuild {
		if id == guildID {
			return true
		}
	}
	return false
}

// stripMention removes the leading bot mention so the model sees clean text.
func stripMention(content, botID string) string {
	for _, form := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, form, "")
	}
	return strings.TrimSpace(content)
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
