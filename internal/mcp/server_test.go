package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/api"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/session"
)

type fakeBackend struct {
	mu        sync.Mutex
	sessions  map[string]*session.Session
	replies   []api.ReplyRequest
	cancelled []string
	reply     api.ReplyResponse
	gets      int
}

func newFake(sessions ...*session.Session) *fakeBackend {
	f := &fakeBackend{sessions: make(map[string]*session.Session)}
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeBackend) Submit(_ context.Context, req api.SubmitRequest) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &session.Session{ID: "s-new", Owner: req.Owner, Flow: req.Flow, State: session.Queued()}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeBackend) Get(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeBackend) List(_ context.Context, owner string) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Session
	for _, s := range f.sessions {
		if s.Owner == owner {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (f *fakeBackend) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeBackend) Reply(_ context.Context, id string, req api.ReplyRequest) (api.ReplyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, req)
	if f.reply.Status == notify.ReplyRejected {
		return f.reply, &api.StatusError{Code: 403, Message: f.reply.Error}
	}
	return f.reply, nil
}

func (f *fakeBackend) Logs(_ context.Context, _ string) ([]session.LogEntry, error) {
	return []session.LogEntry{{At: time.Unix(0, 0).UTC(), Level: session.LogWarn, Text: "driver retry 1"}}, nil
}

func (f *fakeBackend) set(id string, st session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].State = st
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "want text content, got %T", res.Content[0])
	return tc.Text
}

func TestSubmitAndGet(t *testing.T) {
	s := NewServer(newFake(), "test", zerolog.Nop())
	ctx := context.Background()

	res, err := s.handleSubmit(ctx, call(map[string]any{"owner": "alice", "flow": "booking"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"id": "s-new"`)

	res, err = s.handleSubmit(ctx, call(map[string]any{"owner": "alice"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleGet(ctx, call(map[string]any{"session_id": "s-new"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "booking (queued)")

	res, err = s.handleGet(ctx, call(map[string]any{"session_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")
}

func TestListCancelLogs(t *testing.T) {
	f := newFake(&session.Session{ID: "s1", Owner: "alice", Flow: "f", State: session.Paused("otp")})
	s := NewServer(f, "test", zerolog.Nop())
	ctx := context.Background()

	res, err := s.handleList(ctx, call(map[string]any{"owner": "alice"}))
	require.NoError(t, err)
	assert.Equal(t, "s1 f paused(otp)", text(t, res))

	res, err = s.handleList(ctx, call(map[string]any{"owner": "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "No sessions for bob.", text(t, res))

	res, err = s.handleCancel(ctx, call(map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"s1"}, f.cancelled)

	res, err = s.handleLogs(ctx, call(map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "[warn] driver retry 1")
}

func TestReply(t *testing.T) {
	f := newFake(&session.Session{ID: "s1", Owner: "alice", Flow: "f", State: session.Paused("otp")})
	s := NewServer(f, "test", zerolog.Nop())
	ctx := context.Background()

	f.reply = api.ReplyResponse{Status: notify.ReplyDelivered, SessionID: "s1"}
	res, err := s.handleReply(ctx, call(map[string]any{"session_id": "s1", "text": "4242"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), "resuming session")
	require.Len(t, f.replies, 1)
	assert.Equal(t, "4242", f.replies[0].Text)

	f.reply = api.ReplyResponse{Status: notify.ReplyRejected, Error: "not your session"}
	res, err = s.handleReply(ctx, call(map[string]any{"session_id": "s1", "text": "4242", "owner": "mallory"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not your session")

	res, err = s.handleReply(ctx, call(map[string]any{"session_id": "s1", "text": "  "}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestWaitReturnsOnPause(t *testing.T) {
	f := newFake(&session.Session{ID: "s1", Owner: "alice", Flow: "f", State: session.Running()})
	s := NewServer(f, "test", zerolog.Nop())
	s.poll = 5 * time.Millisecond

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.set("s1", session.Paused("captcha"))
	}()

	res, err := s.handleWait(context.Background(), call(map[string]any{"session_id": "s1", "timeout_seconds": 5.0}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), "paused(captcha)")
}

func TestWaitTimesOut(t *testing.T) {
	f := newFake(&session.Session{ID: "s1", Owner: "alice", Flow: "f", State: session.Running()})
	s := NewServer(f, "test", zerolog.Nop())
	s.poll = 5 * time.Millisecond

	res, err := s.handleWait(context.Background(), call(map[string]any{"session_id": "s1", "timeout_seconds": 0.05}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "timed out")
}

func TestReadSessionResource(t *testing.T) {
	f := newFake(&session.Session{ID: "s1", Owner: "alice", Flow: "f", State: session.Succeeded()})
	s := NewServer(f, "test", zerolog.Nop())

	var req mcp.ReadResourceRequest
	req.Params.URI = "pitstop://sessions/s1"
	contents, err := s.handleReadSession(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", tc.MIMEType)
	assert.Contains(t, tc.Text, `"owner": "alice"`)

	req.Params.URI = "pitstop://sessions/missing"
	_, err = s.handleReadSession(context.Background(), req)
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestInstructionsPrompt(t *testing.T) {
	s := NewServer(newFake(), "test", zerolog.Nop())
	res, err := s.handleGetInstructions(context.Background(), mcp.GetPromptRequest{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	tc, ok := res.Messages[0].Content.(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, "wait_session")
}
