package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/igoryan-dao/pitstop/internal/format"
)

// Telegram is the relay's chat, backed by one bot.
type Telegram struct {
	bot   *bot.Bot
	relay *Relay
}

// NewTelegram creates the bot and makes it the relay's chat.
func NewTelegram(token string, relay *Relay) (*Telegram, error) {
	t := &Telegram{relay: relay}
	b, err := bot.New(token, bot.WithDefaultHandler(t.defaultHandler))
	if err != nil {
		return nil, fmt.Errorf("failed to create tg bot: %w", err)
	}
	t.bot = b
	relay.SetChat(t)
	return t, nil
}

// Start runs long polling, or webhook processing when webhook is true.
func (t *Telegram) Start(ctx context.Context, webhook bool) {
	if webhook {
		t.bot.StartWebhook(ctx)
		return
	}
	t.bot.Start(ctx)
}

// RegisterWebhook points Telegram at url for update delivery.
func (t *Telegram) RegisterWebhook(ctx context.Context, url string) error {
	_, err := t.bot.SetWebhook(ctx, &bot.SetWebhookParams{URL: url})
	return err
}

// WebhookHandler receives Telegram updates in webhook mode.
func (t *Telegram) WebhookHandler() http.HandlerFunc { return t.bot.WebhookHandler() }

func (t *Telegram) defaultHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	m := update.Message
	if m == nil {
		return
	}
	replyTo := ""
	if m.ReplyToMessage != nil {
		replyTo = strconv.Itoa(m.ReplyToMessage.ID)
	}
	t.relay.HandleChat(ctx, strconv.FormatInt(m.Chat.ID, 10), m.Text, replyTo)
}

func (t *Telegram) Post(ctx context.Context, chatID, text string, image []byte, imageName string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("chat id %q: %w", chatID, err)
	}
	var sent *models.Message
	if len(image) > 0 {
		sent, err = t.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:    id,
			Photo:     &models.InputFileUpload{Filename: imageName, Data: bytes.NewReader(image)},
			Caption:   format.ToTelegramHTML(text),
			ParseMode: models.ParseModeHTML,
		})
	} else {
		sent, err = t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    id,
			Text:      format.ToTelegramHTML(text),
			ParseMode: models.ParseModeHTML,
		})
	}
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.ID), nil
}
