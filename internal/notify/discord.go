package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord posts notices to one channel through the bot gateway and takes
// commands from messages in that channel.
type Discord struct {
	token   string
	channel string
	session *discordgo.Session
	handler CommandHandler
	logger  *zap.Logger
}

// NewDiscord creates a Discord notifier.
func NewDiscord(token, channel string, logger *zap.Logger) *Discord {
	return &Discord{token: token, channel: channel, logger: logger}
}

func (d *Discord) Platform() string { return "discord" }

func (d *Discord) OnCommand(h CommandHandler) { d.handler = h }

// Connect opens the gateway websocket.
func (d *Discord) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	d.session = session
	d.logger.Info("discord connected",
		zap.String("user", session.State.User.Username),
		zap.Int("guilds", len(session.State.Guilds)))
	return nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.ChannelID != d.channel || d.handler == nil {
		return
	}
	line := commandLine(m.Content)
	if line == "" {
		return
	}
	reply := d.handler(context.Background(), line)
	if reply == "" {
		return
	}
	if _, err := s.ChannelMessageSendReply(m.ChannelID, reply, m.Reference()); err != nil {
		d.logger.Warn("discord reply failed", zap.Error(err))
	}
}

// Notify posts n to the channel.
func (d *Discord) Notify(_ context.Context, n *Notice) error {
	if d.session == nil {
		return fmt.Errorf("discord not connected")
	}
	if _, err := d.session.ChannelMessageSend(d.channel, discordText(n)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Discord rejects messages over 2000 characters.
const discordLimit = 2000

func discordText(n *Notice) string {
	text := fmt.Sprintf("**%s** %s\n%s", n.Title(), n.Creator, n.Content)
	if r := []rune(text); len(r) > discordLimit {
		text = string(r[:discordLimit-1]) + "…"
	}
	return text
}

// Close shuts down the session.
func (d *Discord) Close() error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}
