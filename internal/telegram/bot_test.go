package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/contacts"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/notify/notifytest"
	"github.com/igoryan-dao/pitstop/internal/session"
)

type fakeAPI struct {
	mu       sync.Mutex
	messages []*bot.SendMessageParams
	photos   []*bot.SendPhotoParams
	answered int
	nextID   int
}

func (f *fakeAPI) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, p)
	f.nextID++
	return &models.Message{ID: f.nextID}, nil
}

func (f *fakeAPI) SendPhoto(_ context.Context, p *bot.SendPhotoParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, p)
	f.nextID++
	return &models.Message{ID: f.nextID}, nil
}

func (f *fakeAPI) AnswerCallbackQuery(context.Context, *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered++
	return true, nil
}

func (f *fakeAPI) GetFile(_ context.Context, p *bot.GetFileParams) (*models.File, error) {
	if p.FileID == "missing" {
		return nil, errors.New("file not found")
	}
	return &models.File{FileID: p.FileID, FilePath: "voice/" + p.FileID + ".oga"}, nil
}

func (f *fakeAPI) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1].Text
}

const chat int64 = 777

func newTestBot(t *testing.T, allowed []int64, in *notifytest.Inbound) (*Bot, *fakeAPI) {
	t.Helper()
	c, err := contacts.NewManager(filepath.Join(t.TempDir(), "contacts.json"))
	require.NoError(t, err)
	api := &fakeAPI{}
	set := make(map[int64]bool)
	for _, id := range allowed {
		set[id] = true
	}
	b := &Bot{
		api:            api,
		allowedUserIDs: set,
		contacts:       c,
		inbound:        in,
		log:            zerolog.Nop(),
		http:           http.DefaultClient,
		prompts:        make(map[promptKey]string),
	}
	return b, api
}

func text(userID int64, s string) *models.Update {
	return &models.Update{Message: &models.Message{
		Chat: models.Chat{ID: chat},
		From: &models.User{ID: userID},
		Text: s,
	}}
}

func TestStartBindsChat(t *testing.T) {
	b, api := newTestBot(t, nil, notifytest.New())

	b.handleUpdate(context.Background(), nil, text(1, "/start alice"))

	owner, ok := b.contacts.OwnerOf(contacts.Telegram, "777")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	assert.Contains(t, api.lastText(), "alice")
}

func TestUnboundChatIsAskedToStart(t *testing.T) {
	in := notifytest.New()
	b, api := newTestBot(t, nil, in)

	b.handleUpdate(context.Background(), nil, text(1, "1234"))

	assert.Contains(t, api.lastText(), "/start")
	replies, _ := in.Snapshot()
	assert.Empty(t, replies)
}

func TestUnauthorizedUserIgnored(t *testing.T) {
	b, api := newTestBot(t, []int64{42}, notifytest.New())

	b.handleUpdate(context.Background(), nil, text(1, "/start alice"))

	assert.Empty(t, api.messages)
	_, ok := b.contacts.OwnerOf(contacts.Telegram, "777")
	assert.False(t, ok)
}

func TestPromptReplyCarriesSessionHint(t *testing.T) {
	in := notifytest.New()
	in.Result = notify.ReplyResult{Status: notify.ReplyDelivered, SessionID: "sess-1234abcd"}
	b, api := newTestBot(t, nil, in)
	ctx := context.Background()
	require.NoError(t, b.contacts.Bind("alice", contacts.Telegram, "777"))

	err := b.Send(ctx, "777", notify.Message{
		SessionID: "sess-1234abcd",
		Kind:      notify.KindPrompt,
		Text:      "Solve **this**",
		Image:     []byte("png"),
		ImageName: "captcha.png",
	})
	require.NoError(t, err)
	require.Len(t, api.photos, 1)
	photo := api.photos[0]
	assert.Equal(t, chat, photo.ChatID)
	assert.Equal(t, "Solve <b>this</b>", photo.Caption)
	upload, ok := photo.Photo.(*models.InputFileUpload)
	require.True(t, ok)
	data, _ := io.ReadAll(upload.Data)
	assert.Equal(t, "png", string(data))
	markup, ok := photo.ReplyMarkup.(*models.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Equal(t, CallbackCancel+"sess-1234abcd", markup.InlineKeyboard[0][0].CallbackData)

	u := text(1, " XK7P ")
	u.Message.ReplyToMessage = &models.Message{ID: 1}
	b.handleUpdate(ctx, nil, u)

	replies, _ := in.Snapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, notify.Reply{Owner: "alice", SessionHint: "sess-1234abcd", Text: " XK7P "}, replies[0])
	assert.Contains(t, api.lastText(), "resuming session")
}

func TestRejectedReplyShowsReason(t *testing.T) {
	in := notifytest.New()
	in.Result = notify.ReplyResult{Status: notify.ReplyRejected, Err: notify.ErrNotOwner}
	b, api := newTestBot(t, nil, in)
	require.NoError(t, b.contacts.Bind("alice", contacts.Telegram, "777"))

	b.handleUpdate(context.Background(), nil, text(1, "abc"))

	assert.Contains(t, api.lastText(), notify.ErrNotOwner.Error())
}

func TestCommands(t *testing.T) {
	mine := &session.Session{ID: "abcdef0123", Owner: "alice", Flow: "booking", State: session.State{Kind: session.KindPaused, InputKind: "otp"}}
	theirs := &session.Session{ID: "ffff000011", Owner: "bob", Flow: "booking", State: session.State{Kind: session.KindRunning}}
	in := notifytest.New(mine, theirs)
	b, api := newTestBot(t, nil, in)
	ctx := context.Background()
	require.NoError(t, b.contacts.Bind("alice", contacts.Telegram, "777"))

	b.handleUpdate(ctx, nil, text(1, "/status"))
	assert.Contains(t, api.lastText(), "abcdef01")
	assert.NotContains(t, api.lastText(), "ffff0000")

	b.handleUpdate(ctx, nil, text(1, "/cancel ffff"))
	assert.Equal(t, "No such session.", api.lastText())

	b.handleUpdate(ctx, nil, text(1, "/cancel abcd"))
	_, cancelled := in.Snapshot()
	assert.Equal(t, []string{"abcdef0123"}, cancelled)

	b.handleUpdate(ctx, nil, text(1, "/submit booking vault:alice"))
	assert.Contains(t, api.lastText(), "Started")
	list, err := in.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCancelButton(t *testing.T) {
	s := &session.Session{ID: "abcdef0123", Owner: "alice", Flow: "booking"}
	in := notifytest.New(s)
	b, api := newTestBot(t, nil, in)
	require.NoError(t, b.contacts.Bind("alice", contacts.Telegram, "777"))

	b.handleUpdate(context.Background(), nil, &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:      "cb1",
		From:    models.User{ID: 1},
		Data:    CallbackCancel + s.ID,
		Message: models.MaybeInaccessibleMessage{Message: &models.Message{Chat: models.Chat{ID: chat}}},
	}})

	_, cancelled := in.Snapshot()
	assert.Equal(t, []string{s.ID}, cancelled)
	assert.Equal(t, 1, api.answered)
}

type fakeTranscriber struct {
	got  []byte
	text string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.got = data
	return f.text, nil
}

func voice(fileID string) *models.Update {
	return &models.Update{Message: &models.Message{
		Chat:  models.Chat{ID: chat},
		From:  &models.User{ID: 1},
		Voice: &models.Voice{FileID: fileID},
	}}
}

func TestVoiceReplyIsTranscribed(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice/abc.oga" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("OGGDATA"))
	}))
	defer files.Close()

	in := notifytest.New()
	in.SetResult(notify.ReplyResult{Status: notify.ReplyDelivered, SessionID: "sess-1"})
	b, api := newTestBot(t, nil, in)
	b.fileBase = files.URL + "/"
	tr := &fakeTranscriber{text: "4 8 1, 5 1 6."}
	b.SetTranscriber(tr)
	require.NoError(t, b.contacts.Bind("alice", contacts.Telegram, "777"))

	b.handleUpdate(context.Background(), nil, voice("abc"))

	assert.Equal(t, []byte("OGGDATA"), tr.got)
	replies, _ := in.Snapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, "481516", replies[0].Text)
	assert.Equal(t, "alice", replies[0].Owner)
	require.GreaterOrEqual(t, len(api.messages), 2)
	assert.Contains(t, api.messages[len(api.messages)-2].Text, "Heard: 481516")
}

func TestVoiceWithoutTranscriber(t *testing.T) {
	in := notifytest.New()
	b, api := newTestBot(t, nil, in)
	require.NoError(t, b.contacts.Bind("alice", contacts.Telegram, "777"))

	b.handleUpdate(context.Background(), nil, voice("abc"))

	assert.Contains(t, api.lastText(), "not enabled")
	replies, _ := in.Snapshot()
	assert.Empty(t, replies)
}

func TestVoiceFetchFailure(t *testing.T) {
	in := notifytest.New()
	b, api := newTestBot(t, nil, in)
	b.SetTranscriber(&fakeTranscriber{text: "1"})
	require.NoError(t, b.contacts.Bind("alice", contacts.Telegram, "777"))

	b.handleUpdate(context.Background(), nil, voice("missing"))

	assert.Contains(t, api.lastText(), "Could not fetch")
}
