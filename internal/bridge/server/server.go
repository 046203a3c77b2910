// Package server is the public relay (pitstop-bridge). It owns the chat bot,
// accepts agent connections over websockets and routes chat messages to the
// agent each chat is linked to.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/igoryan-dao/pitstop/internal/bridge"
)

// Chat posts messages to humans. The relay uses Telegram; tests use a fake.
type Chat interface {
	// Post sends text (and image when set) to chatID and returns the chat's
	// message id.
	Post(ctx context.Context, chatID, text string, image []byte, imageName string) (string, error)
}

type agent struct {
	name   string
	stream *bridge.Stream
}

// Relay is the central server component
type Relay struct {
	secret   string
	chat     Chat
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	agents  map[string]*agent
	links   map[string]string // chatID -> agent
	prompts map[string]string // chatID/messageID -> session id
}

var _ bridge.RelayServer = (*Relay)(nil)

func New(secret string, logger zerolog.Logger) *Relay {
	return &Relay{
		secret:   secret,
		log:      logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		agents:   make(map[string]*agent),
		links:    make(map[string]string),
		prompts:  make(map[string]string),
	}
}

// SetChat sets the outbound chat.
func (s *Relay) SetChat(c Chat) { s.chat = c }

// Handler serves agent websockets on /ws. Extra routes (a webhook) can be
// mounted by the caller.
func (s *Relay) Handler() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.RLock()
		n := len(s.agents)
		s.mu.RUnlock()
		fmt.Fprintf(w, "ok agents=%d\n", n)
	})
	return r
}

func (s *Relay) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	mux, err := yamux.Server(bridge.NewConn(ws), nil)
	if err != nil {
		s.log.Error().Err(err).Msg("yamux server")
		ws.Close()
		return
	}
	defer mux.Close()

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&bridge.ServiceDesc, s)
	go func() {
		<-r.Context().Done()
		grpcServer.Stop()
	}()
	if err := grpcServer.Serve(mux); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.log.Debug().Err(err).Msg("grpc serve ended")
	}
}

// Connect runs one agent stream.
func (s *Relay) Connect(gs grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(gs.Context())
	if s.secret != "" {
		got := md.Get(bridge.SecretHeader)
		if len(got) != 1 || subtle.ConstantTimeCompare([]byte(got[0]), []byte(s.secret)) != 1 {
			return status.Error(codes.Unauthenticated, "bad bridge secret")
		}
	}

	stream := bridge.NewStream(gs)
	hello, err := stream.Recv()
	if err != nil {
		return err
	}
	if hello.Type != bridge.EventHello || hello.Agent == "" {
		return status.Error(codes.InvalidArgument, "expected hello with agent name")
	}

	a := &agent{name: hello.Agent, stream: stream}
	s.mu.Lock()
	s.agents[a.name] = a
	s.mu.Unlock()
	log := s.log.With().Str("agent", a.name).Logger()
	log.Info().Msg("agent connected")
	if err := stream.Send(bridge.Event{Type: bridge.EventHello, Agent: a.name}); err != nil {
		return err
	}

	defer func() {
		s.mu.Lock()
		if s.agents[a.name] == a {
			delete(s.agents, a.name)
		}
		s.mu.Unlock()
		log.Info().Msg("agent disconnected")
	}()

	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}
		if ev.Type != bridge.EventSend {
			continue
		}
		if err := s.post(gs.Context(), ev); err != nil {
			log.Error().Err(err).Str("chat_id", ev.ChatID).Msg("post to chat")
		}
	}
}

func (s *Relay) post(ctx context.Context, ev bridge.Event) error {
	if s.chat == nil {
		return errors.New("no chat configured")
	}
	id, err := s.chat.Post(ctx, ev.ChatID, ev.Text, ev.Image, ev.ImageName)
	if err != nil {
		return err
	}
	if ev.Prompt && id != "" {
		s.mu.Lock()
		s.prompts[ev.ChatID+"/"+id] = ev.SessionID
		s.mu.Unlock()
	}
	return nil
}

// HandleChat routes one human chat message. replyTo is the id of the message
// being replied to, if any.
func (s *Relay) HandleChat(ctx context.Context, chatID, text, replyTo string) {
	say := func(msg string) {
		if s.chat == nil {
			return
		}
		if _, err := s.chat.Post(ctx, chatID, msg, nil, ""); err != nil {
			s.log.Error().Err(err).Msg("post to chat")
		}
	}

	if rest, ok := strings.CutPrefix(strings.TrimSpace(text), "/link"); ok {
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			say("Usage: /link <agent> <owner>")
			return
		}
		s.mu.Lock()
		a, ok := s.agents[fields[0]]
		if ok {
			s.links[chatID] = a.name
		}
		s.mu.Unlock()
		if !ok {
			say("❌ **Agent not connected.** Make sure your pitstop server is running with the bridge enabled.")
			return
		}
		if err := a.stream.Send(bridge.Event{Type: bridge.EventLink, ChatID: chatID, Owner: fields[1]}); err != nil {
			say("⚠️ Could not reach the agent.")
		}
		return
	}

	s.mu.RLock()
	name, linked := s.links[chatID]
	a := s.agents[name]
	hint := ""
	if replyTo != "" {
		hint = s.prompts[chatID+"/"+replyTo]
	}
	s.mu.RUnlock()

	switch {
	case !linked:
		say("⚠️ **Chat not linked.** Use /link <agent> <owner> to connect your pitstop server.")
	case a == nil:
		say("⚠️ Your pitstop server is offline, try again later.")
	default:
		if err := a.stream.Send(bridge.Event{Type: bridge.EventMessage, ChatID: chatID, Text: text, SessionID: hint}); err != nil {
			s.log.Error().Err(err).Str("agent", name).Msg("forward to agent")
			say("⚠️ Could not reach the agent.")
		}
	}
}

// Agents lists connected agent names.
func (s *Relay) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.agents))
	for n := range s.agents {
		out = append(out, n)
	}
	return out
}
