// Package discord is the Discord transport. Owners link a channel with
// "!pitstop link <owner>"; prompts are posted there and plain messages in the
// channel are treated as replies.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/igoryan-dao/pitstop/internal/contacts"
	"github.com/igoryan-dao/pitstop/internal/format"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/session"
)

const help = "📡 **pitstop**\n\nCommands:\n" +
	"• `!pitstop link <owner>` link this channel\n" +
	"• `!pitstop submit <flow> [credentials]` start a session\n" +
	"• `!pitstop status` list your sessions\n" +
	"• `!pitstop cancel <id>` cancel a session\n\n" +
	"Any other message answers the session waiting for input."

type api interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot wraps Discord bot with message handling
type Bot struct {
	session  *discordgo.Session
	api      api
	guildID  string // Optional: restrict to specific guild
	contacts *contacts.Manager
	inbound  notify.Inbound
	log      zerolog.Logger

	// Prompt message id -> session id
	promptMu sync.Mutex
	prompts  map[string]string
}

var _ notify.Sink = (*Bot)(nil)

// New creates a new Discord bot
func New(token, guildID string, c *contacts.Manager, logger zerolog.Logger) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	b := &Bot{
		session:  s,
		api:      s,
		guildID:  guildID,
		contacts: c,
		log:      logger.With().Str("component", "discord").Logger(),
		prompts:  make(map[string]string),
	}

	s.AddHandler(b.handleMessage)
	s.AddHandler(b.handleReady)
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return b, nil
}

func (b *Bot) SetInbound(in notify.Inbound) { b.inbound = in }

// Start opens connection to Discord
func (b *Bot) Start() error {
	b.log.Info().Msg("starting discord bot")
	return b.session.Open()
}

// Stop closes connection
func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().Str("user", r.User.Username).Msg("discord bot connected")
}

func (b *Bot) Channel() contacts.Channel { return contacts.Discord }

// Send posts msg to the channel at address.
func (b *Bot) Send(_ context.Context, address string, msg notify.Message) error {
	text := format.ToDiscordMarkdown(msg.Text)
	if msg.Kind == notify.KindPrompt {
		text += "\n-# session `" + msg.SessionID + "`"
	}

	var (
		sent *discordgo.Message
		err  error
	)
	if len(msg.Image) > 0 {
		name := msg.ImageName
		if name == "" {
			name = "image.png"
		}
		sent, err = b.api.ChannelMessageSendComplex(address, &discordgo.MessageSend{
			Content: text,
			Files:   []*discordgo.File{{Name: name, Reader: bytes.NewReader(msg.Image)}},
		})
	} else {
		sent, err = b.api.ChannelMessageSend(address, text)
	}
	if err != nil {
		return err
	}

	if msg.Kind == notify.KindPrompt && sent != nil {
		b.promptMu.Lock()
		b.prompts[sent.ID] = msg.SessionID
		b.promptMu.Unlock()
	}
	return nil
}

// handleMessage processes incoming messages
func (b *Bot) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	b.handle(context.Background(), m.Message)
}

func (b *Bot) handle(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || b.inbound == nil {
		return
	}
	if b.guildID != "" && m.GuildID != b.guildID {
		return
	}

	text := strings.TrimSpace(m.Content)
	if strings.HasPrefix(text, "!pitstop") || strings.HasPrefix(text, "/pitstop") {
		b.handleCommand(ctx, m.ChannelID, strings.Fields(text)[1:])
		return
	}

	owner, ok := b.contacts.OwnerOf(contacts.Discord, m.ChannelID)
	if !ok {
		return
	}
	r := notify.Reply{Owner: owner, Text: m.Content}
	if ref := m.MessageReference; ref != nil {
		b.promptMu.Lock()
		r.SessionHint = b.prompts[ref.MessageID]
		b.promptMu.Unlock()
	}
	res := b.inbound.HandleReply(ctx, r)
	if res.Status == notify.ReplyRejected {
		b.say(m.ChannelID, "⚠️ "+res.Err.Error())
		return
	}
	b.say(m.ChannelID, format.ReplyAck(string(res.Status), res.SessionID, res.Candidates))
}

// handleCommand processes bot commands
func (b *Bot) handleCommand(ctx context.Context, channelID string, args []string) {
	if len(args) == 0 {
		b.say(channelID, help)
		return
	}

	if args[0] == "link" {
		if len(args) < 2 {
			b.say(channelID, "Usage: `!pitstop link <owner>`")
			return
		}
		if err := b.contacts.Bind(args[1], contacts.Discord, channelID); err != nil {
			b.log.Error().Err(err).Msg("bind channel")
			b.say(channelID, "⚠️ Could not link this channel.")
			return
		}
		b.say(channelID, fmt.Sprintf("📍 This channel now receives prompts for **%s**.", args[1]))
		return
	}

	owner, ok := b.contacts.OwnerOf(contacts.Discord, channelID)
	if !ok {
		b.say(channelID, "Link this channel first: `!pitstop link <owner>`")
		return
	}

	switch args[0] {
	case "status":
		list, err := b.inbound.ListByOwner(ctx, owner)
		if err != nil {
			b.say(channelID, "⚠️ "+err.Error())
			return
		}
		if len(list) == 0 {
			b.say(channelID, "📭 No sessions yet")
			return
		}
		lines := make([]string, len(list))
		for i, s := range list {
			lines[i] = format.StatusLine(s)
		}
		b.say(channelID, strings.Join(lines, "\n"))

	case "cancel":
		if len(args) < 2 {
			b.say(channelID, "Usage: `!pitstop cancel <id>`")
			return
		}
		s, err := notify.FindOwned(ctx, b.inbound, owner, args[1])
		if err == nil {
			err = notify.CancelOwned(ctx, b.inbound, owner, s.ID)
		}
		switch {
		case errors.Is(err, session.ErrNotFound):
			b.say(channelID, "No such session.")
		case err != nil:
			b.say(channelID, "⚠️ "+err.Error())
		default:
			b.say(channelID, "🛑 Cancelling "+format.StatusLine(s))
		}

	case "submit":
		if len(args) < 2 {
			b.say(channelID, "Usage: `!pitstop submit <flow> [credentials]`")
			return
		}
		ref := ""
		if len(args) > 2 {
			ref = args[2]
		}
		s, err := b.inbound.Submit(ctx, owner, args[1], ref)
		if err != nil {
			b.say(channelID, "⚠️ "+err.Error())
			return
		}
		b.say(channelID, "🚀 Started "+format.StatusLine(s))

	default:
		b.say(channelID, "Unknown command. Try `!pitstop` for help.")
	}
}

func (b *Bot) say(channelID, text string) {
	if _, err := b.api.ChannelMessageSend(channelID, format.ToDiscordMarkdown(text)); err != nil {
		b.log.Error().Err(err).Str("channel_id", channelID).Msg("send message")
	}
}
