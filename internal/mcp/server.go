// Package mcp exposes a pitstop server to MCP clients over stdio. Every tool
// is a thin call into the HTTP API, so the MCP process never touches the
// store or the browser.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/igoryan-dao/pitstop/internal/api"
	"github.com/igoryan-dao/pitstop/internal/format"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/session"
)

const sessionURIPrefix = "pitstop://sessions/"

// Backend is the subset of *api.Client the tools use.
type Backend interface {
	Submit(ctx context.Context, req api.SubmitRequest) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, owner string) ([]*session.Session, error)
	Cancel(ctx context.Context, id string) error
	Reply(ctx context.Context, id string, req api.ReplyRequest) (api.ReplyResponse, error)
	Logs(ctx context.Context, id string) ([]session.LogEntry, error)
}

// Server wraps an MCP server bound to one pitstop backend.
type Server struct {
	mcpServer *server.MCPServer
	backend   Backend
	log       zerolog.Logger
	poll      time.Duration
}

// NewServer creates the MCP server and registers its tools, resources and
// prompts.
func NewServer(backend Backend, version string, logger zerolog.Logger) *Server {
	s := &Server{
		backend: backend,
		log:     logger.With().Str("component", "mcp").Logger(),
		poll:    time.Second,
	}

	mcpServer := server.NewMCPServer(
		"pitstop",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)
	s.registerPrompts(mcpServer)

	s.mcpServer = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	submitTool := mcp.NewTool("submit_session",
		mcp.WithDescription("Start a new automated browser session for an owner. Returns the queued session."),
		mcp.WithString("owner",
			mcp.Required(),
			mcp.Description("Owner id the session runs for; prompts go to the owner's linked chats"),
		),
		mcp.WithString("flow",
			mcp.Required(),
			mcp.Description("Name of the flow to run"),
		),
		mcp.WithString("credentials_ref",
			mcp.Description("Optional key into the secrets vault"),
		),
	)
	mcpServer.AddTool(submitTool, s.handleSubmit)

	getTool := mcp.NewTool("get_session",
		mcp.WithDescription("Get the current state, history and artifacts of a session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(getTool, s.handleGet)

	listTool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List an owner's sessions, oldest first"),
		mcp.WithString("owner",
			mcp.Required(),
			mcp.Description("Owner id"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(listTool, s.handleList)

	cancelTool := mcp.NewTool("cancel_session",
		mcp.WithDescription("Cancel a session. It ends as failed(cancelled)."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
		mcp.WithDestructiveHintAnnotation(true),
	)
	mcpServer.AddTool(cancelTool, s.handleCancel)

	replyTool := mcp.NewTool("reply",
		mcp.WithDescription("Answer a paused session's request for input (captcha text, one-time code)"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The paused session id"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The answer"),
		),
		mcp.WithString("owner",
			mcp.Description("Owner answering; defaults to the session's owner"),
		),
	)
	mcpServer.AddTool(replyTool, s.handleReply)

	logsTool := mcp.NewTool("session_logs",
		mcp.WithDescription("Read a session's log lines"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(logsTool, s.handleLogs)

	waitTool := mcp.NewTool("wait_session",
		mcp.WithDescription("Block until a session needs input or finishes, then return it"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait"),
			mcp.DefaultNumber(300),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	mcpServer.AddTool(waitTool, s.handleWait)
}

func (s *Server) registerResources(mcpServer *server.MCPServer) {
	tmpl := mcp.NewResourceTemplate(sessionURIPrefix+"{id}", "Session",
		mcp.WithTemplateDescription("A session as JSON"),
		mcp.WithTemplateMIMEType("application/json"),
	)
	mcpServer.AddResourceTemplate(tmpl, s.handleReadSession)
}

func (s *Server) registerPrompts(mcpServer *server.MCPServer) {
	instrPrompt := mcp.NewPrompt("pitstop/instructions",
		mcp.WithPromptDescription("How to drive pitstop sessions"),
	)
	mcpServer.AddPrompt(instrPrompt, s.handleGetInstructions)
}

func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := strings.TrimSpace(request.GetString("owner", ""))
	flow := strings.TrimSpace(request.GetString("flow", ""))
	if owner == "" || flow == "" {
		return mcp.NewToolResultError("owner and flow are required"), nil
	}
	sess, err := s.backend.Submit(ctx, api.SubmitRequest{
		Owner:          owner,
		Flow:           flow,
		CredentialsRef: request.GetString("credentials_ref", ""),
	})
	if err != nil {
		return mcp.NewToolResultErrorf("failed to submit: %v", err), nil
	}
	s.log.Info().Str("session_id", sess.ID).Str("owner", owner).Str("flow", flow).Msg("session submitted")
	return sessionResult(sess)
}

func (s *Server) handleGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.backend.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to get session: %v", err), nil
	}
	return sessionResult(sess)
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := request.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.backend.List(ctx, owner)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to list sessions: %v", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No sessions for " + owner + "."), nil
	}
	lines := make([]string, len(list))
	for i, sess := range list {
		lines[i] = sess.ID + " " + sess.Flow + " " + sess.State.String()
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.backend.Cancel(ctx, id); err != nil {
		return mcp.NewToolResultErrorf("failed to cancel: %v", err), nil
	}
	return mcp.NewToolResultText("Cancellation requested for " + id), nil
}

func (s *Server) handleReply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text := request.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	resp, err := s.backend.Reply(ctx, id, api.ReplyRequest{Owner: request.GetString("owner", ""), Text: text})
	if err != nil && resp.Status == "" {
		return mcp.NewToolResultErrorf("failed to reply: %v", err), nil
	}
	switch resp.Status {
	case notify.ReplyRejected:
		return mcp.NewToolResultError("reply rejected: " + resp.Error), nil
	case notify.ReplyNoWaiter:
		return mcp.NewToolResultError("session " + id + " is not waiting for input"), nil
	}
	return mcp.NewToolResultText(format.ReplyAck(string(resp.Status), resp.SessionID, resp.Candidates)), nil
}

func (s *Server) handleLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	logs, err := s.backend.Logs(ctx, id)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to read logs: %v", err), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No log lines."), nil
	}
	var b strings.Builder
	for _, l := range logs {
		fmt.Fprintf(&b, "%s [%s] %s\n", l.At.Format(time.RFC3339), l.Level, l.Text)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// handleWait polls until the session is paused or terminal.
func (s *Server) handleWait(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := time.Duration(request.GetFloat("timeout_seconds", 300) * float64(time.Second))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		sess, err := s.backend.Get(ctx, id)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
			return mcp.NewToolResultError("timed out waiting for session " + id), nil
		case err != nil:
			return mcp.NewToolResultErrorf("failed to get session: %v", err), nil
		case sess.State.Kind == session.KindPaused || sess.State.Terminal():
			return sessionResult(sess)
		}
		select {
		case <-ctx.Done():
			return mcp.NewToolResultError("timed out waiting for session " + id), nil
		case <-ticker.C:
		}
	}
}

func (s *Server) handleReadSession(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(request.Params.URI, sessionURIPrefix)
	if id == "" || id == request.Params.URI {
		return nil, fmt.Errorf("bad session uri %q", request.Params.URI)
	}
	sess, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGetInstructions(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	instructions := `### PITSTOP SESSIONS
Pitstop runs browser flows that sometimes need a human (a captcha, a one-time code).

1. Start work with 'submit_session'. An owner may have only one active session.
2. Call 'wait_session' to block until the session needs input or ends.
3. When the state is paused, the owner has been sent the prompt in chat. Only use 'reply' when the user gave you the answer directly.
4. Failed sessions carry a reason: timeout, cancelled or the flow's own message. Read 'session_logs' before retrying.`

	return mcp.NewGetPromptResult(
		"Pitstop instructions",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(instructions)),
		},
	), nil
}

func sessionResult(sess *session.Session) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return mcp.NewToolResultErrorf("encode session: %v", err), nil
	}
	return mcp.NewToolResultText(format.StatusLine(sess) + "\n" + string(data)), nil
}

// Run serves MCP over in and out until ctx ends.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info().Msg("starting mcp server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}
