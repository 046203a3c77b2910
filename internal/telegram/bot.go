// Package telegram is the Telegram transport: it delivers prompts and outcomes
// to bound chats and turns chat messages into replies and commands.
package telegram

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/igoryan-dao/pitstop/internal/contacts"
	"github.com/igoryan-dao/pitstop/internal/format"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/session"
	"github.com/igoryan-dao/pitstop/internal/whisper"
)

// Callback data prefixes
const (
	CallbackCancel = "cancel:"
)

// api is the part of *bot.Bot the transport uses.
type api interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
}

// Transcriber turns a downloaded voice message into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

type promptKey struct {
	chatID    int64
	messageID int
}

// Bot wraps Telegram bot with message handling
type Bot struct {
	tg             *bot.Bot
	api            api
	token          string
	allowedUserIDs map[int64]bool
	contacts       *contacts.Manager
	inbound        notify.Inbound
	lockDir        string
	log            zerolog.Logger

	transcriber Transcriber
	fileBase    string
	http        *http.Client

	// Prompt messages sent per chat, so a Telegram reply to one resolves its
	// session.
	promptMu sync.Mutex
	prompts  map[promptKey]string
}

var _ notify.Sink = (*Bot)(nil)

// New creates a new Telegram bot. lockDir holds the poller lock file.
func New(token string, allowedIDs []int64, c *contacts.Manager, lockDir string, logger zerolog.Logger) (*Bot, error) {
	allowed := make(map[int64]bool)
	for _, id := range allowedIDs {
		allowed[id] = true
	}

	b := &Bot{
		token:          token,
		allowedUserIDs: allowed,
		contacts:       c,
		lockDir:        lockDir,
		log:            logger.With().Str("component", "telegram").Logger(),
		fileBase:       "https://api.telegram.org/file/bot" + token + "/",
		http:           &http.Client{Timeout: time.Minute},
		prompts:        make(map[promptKey]string),
	}
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}

	tgBot, err := bot.New(token, bot.WithDefaultHandler(b.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	b.tg, b.api = tgBot, tgBot
	return b, nil
}

// SetInbound connects replies and commands to the orchestrator.
func (b *Bot) SetInbound(in notify.Inbound) { b.inbound = in }

// SetTranscriber enables voice replies.
func (b *Bot) SetTranscriber(t Transcriber) { b.transcriber = t }

// Start begins long polling. Only one process may poll a token at a time;
// a process that cannot take the lock keeps sending but never polls.
func (b *Bot) Start(ctx context.Context) {
	sum := sha256.Sum256([]byte(b.token))
	lockPath := filepath.Join(b.lockDir, "telegram-"+hex.EncodeToString(sum[:6])+".lock")
	fileLock := flock.New(lockPath)

	locked, err := fileLock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil || !locked {
		b.log.Warn().Err(err).Str("lock", lockPath).Msg("another process is polling this bot, running send-only")
		<-ctx.Done()
		return
	}
	defer fileLock.Unlock()

	b.log.Info().Msg("starting telegram poller")
	b.tg.Start(ctx)
}

func (b *Bot) Channel() contacts.Channel { return contacts.Telegram }

// Send delivers msg to the chat at address. Prompts carry a cancel button and
// are remembered for reply correlation.
func (b *Bot) Send(ctx context.Context, address string, msg notify.Message) error {
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram address %q: %w", address, err)
	}

	var markup models.ReplyMarkup
	if msg.Kind == notify.KindPrompt {
		markup = &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: "🛑 Cancel session", CallbackData: CallbackCancel + msg.SessionID}},
			},
		}
	}

	text := format.ToTelegramHTML(msg.Text)
	var sent *models.Message
	if len(msg.Image) > 0 {
		name := msg.ImageName
		if name == "" {
			name = "image.png"
		}
		sent, err = b.api.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:      chatID,
			Photo:       &models.InputFileUpload{Filename: name, Data: bytes.NewReader(msg.Image)},
			Caption:     text,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: markup,
		})
	} else {
		sent, err = b.api.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:      chatID,
			Text:        text,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: markup,
		})
	}
	if err != nil {
		return err
	}

	if msg.Kind == notify.KindPrompt && sent != nil {
		b.promptMu.Lock()
		b.prompts[promptKey{chatID, sent.ID}] = msg.SessionID
		b.promptMu.Unlock()
	}
	return nil
}

// handleUpdate processes all incoming updates
func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message != nil && update.Message.From != nil {
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) allowed(userID int64) bool {
	return len(b.allowedUserIDs) == 0 || b.allowedUserIDs[userID]
}

// handleCallback processes button clicks
func (b *Bot) handleCallback(ctx context.Context, cb *models.CallbackQuery) {
	if !b.allowed(cb.From.ID) {
		b.log.Warn().Int64("user_id", cb.From.ID).Msg("unauthorized callback")
		return
	}
	if _, err := b.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cb.ID}); err != nil {
		b.log.Debug().Err(err).Msg("answer callback")
	}
	if cb.Message.Message == nil {
		return
	}
	chatID := cb.Message.Message.Chat.ID

	if id, ok := strings.CutPrefix(cb.Data, CallbackCancel); ok {
		b.reply(ctx, chatID, b.cancel(ctx, chatID, id))
	}
}

// handleMessage processes incoming messages
func (b *Bot) handleMessage(ctx context.Context, m *models.Message) {
	chatID, userID := m.Chat.ID, m.From.ID
	if !b.allowed(userID) {
		b.log.Warn().Int64("user_id", userID).Msg("unauthorized access attempt")
		return
	}
	if b.inbound == nil {
		return
	}

	if m.Voice != nil {
		b.handleVoice(ctx, m)
		return
	}

	text := strings.TrimSpace(m.Text)
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/start":
		owner := arg
		if owner == "" {
			owner = "tg-" + strconv.FormatInt(userID, 10)
		}
		if err := b.contacts.Bind(owner, contacts.Telegram, strconv.FormatInt(chatID, 10)); err != nil {
			b.log.Error().Err(err).Msg("bind chat")
			b.reply(ctx, chatID, "⚠️ Could not link this chat.")
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("👋 This chat now receives prompts for **%s**.\nCommands: /submit <flow> [credentials], /status, /cancel <id>", owner))
		return
	}

	owner, ok := b.contacts.OwnerOf(contacts.Telegram, strconv.FormatInt(chatID, 10))
	if !ok {
		b.reply(ctx, chatID, "Send /start first to link this chat.")
		return
	}

	switch cmd {
	case "/status":
		b.reply(ctx, chatID, b.status(ctx, owner))
	case "/cancel":
		b.reply(ctx, chatID, b.cancel(ctx, chatID, arg))
	case "/submit":
		flow, ref, _ := strings.Cut(arg, " ")
		if flow == "" {
			b.reply(ctx, chatID, "Usage: /submit <flow> [credentials]")
			return
		}
		s, err := b.inbound.Submit(ctx, owner, flow, strings.TrimSpace(ref))
		if err != nil {
			b.reply(ctx, chatID, "⚠️ "+err.Error())
			return
		}
		b.reply(ctx, chatID, "🚀 Started "+format.StatusLine(s))
	default:
		b.answer(ctx, owner, m, m.Text)
	}
}

// answer routes text as the owner's reply. A Telegram reply to a prompt pins
// the session.
func (b *Bot) answer(ctx context.Context, owner string, m *models.Message, text string) {
	chatID := m.Chat.ID
	r := notify.Reply{Owner: owner, Text: text}
	if m.ReplyToMessage != nil {
		b.promptMu.Lock()
		r.SessionHint = b.prompts[promptKey{chatID, m.ReplyToMessage.ID}]
		b.promptMu.Unlock()
	}
	res := b.inbound.HandleReply(ctx, r)
	if res.Status == notify.ReplyRejected {
		b.reply(ctx, chatID, "⚠️ "+res.Err.Error())
		return
	}
	b.reply(ctx, chatID, format.ReplyAck(string(res.Status), res.SessionID, res.Candidates))
}

// handleVoice transcribes a voice message and routes it as a reply.
func (b *Bot) handleVoice(ctx context.Context, m *models.Message) {
	chatID := m.Chat.ID
	owner, ok := b.contacts.OwnerOf(contacts.Telegram, strconv.FormatInt(chatID, 10))
	if !ok {
		b.reply(ctx, chatID, "Send /start first to link this chat.")
		return
	}
	if b.transcriber == nil {
		b.reply(ctx, chatID, "⚠️ Voice replies are not enabled, please type your answer.")
		return
	}

	file, err := b.api.GetFile(ctx, &bot.GetFileParams{FileID: m.Voice.FileID})
	if err != nil {
		b.log.Error().Err(err).Msg("get voice file")
		b.reply(ctx, chatID, "⚠️ Could not fetch the voice message.")
		return
	}
	path, err := b.download(ctx, file.FilePath)
	if err != nil {
		b.log.Error().Err(err).Msg("download voice file")
		b.reply(ctx, chatID, "⚠️ Could not fetch the voice message.")
		return
	}
	defer os.Remove(path)

	text, err := b.transcriber.Transcribe(ctx, path)
	if err != nil {
		b.log.Error().Err(err).Msg("transcribe voice")
		b.reply(ctx, chatID, "⚠️ Could not transcribe the voice message, please type your answer.")
		return
	}
	text = whisper.CompactDigits(text)
	if text == "" {
		b.reply(ctx, chatID, "🤔 Could not make out any words, please type your answer.")
		return
	}
	b.reply(ctx, chatID, "📝 Heard: "+text)
	b.answer(ctx, owner, m, text)
}

// download fetches a Telegram file into a temp file and returns its path.
func (b *Bot) download(ctx context.Context, tgPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.fileBase+tgPath, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %s", tgPath, resp.Status)
	}

	f, err := os.CreateTemp("", "pitstop-voice-*"+filepath.Ext(tgPath))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (b *Bot) status(ctx context.Context, owner string) string {
	list, err := b.inbound.ListByOwner(ctx, owner)
	if err != nil {
		return "⚠️ " + err.Error()
	}
	if len(list) == 0 {
		return "No sessions yet."
	}
	lines := make([]string, 0, len(list))
	for _, s := range list {
		lines = append(lines, format.StatusLine(s))
	}
	return strings.Join(lines, "\n")
}

// cancel resolves id (or a prefix of it) among the chat owner's sessions.
func (b *Bot) cancel(ctx context.Context, chatID int64, id string) string {
	owner, ok := b.contacts.OwnerOf(contacts.Telegram, strconv.FormatInt(chatID, 10))
	if !ok {
		return "Send /start first to link this chat."
	}
	if id == "" {
		return "Usage: /cancel <session id>"
	}
	s, err := notify.FindOwned(ctx, b.inbound, owner, id)
	if errors.Is(err, session.ErrNotFound) {
		return "No such session."
	}
	if err == nil {
		err = notify.CancelOwned(ctx, b.inbound, owner, s.ID)
	}
	if err != nil {
		return "⚠️ " + err.Error()
	}
	return "🛑 Cancelling " + format.StatusLine(s)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	_, err := b.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      format.ToTelegramHTML(text),
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send reply")
	}
}
