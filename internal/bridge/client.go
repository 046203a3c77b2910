package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/igoryan-dao/pitstop/internal/contacts"
	"github.com/igoryan-dao/pitstop/internal/format"
	"github.com/igoryan-dao/pitstop/internal/notify"
)

// ErrNotConnected is returned by Send while the relay link is down.
var ErrNotConnected = errors.New("bridge: not connected to relay")

// Client is the agent side of the relay. It is a notify.Sink for the Bridge
// channel and feeds chat messages from the relay into the orchestrator.
type Client struct {
	url      string
	agent    string
	secret   string
	contacts *contacts.Manager
	inbound  notify.Inbound
	log      zerolog.Logger

	mu     sync.Mutex
	stream *Stream
	ready  chan struct{}
}

var _ notify.Sink = (*Client)(nil)

// NewClient creates an agent named agent that dials the relay at url
// (ws:// or wss://).
func NewClient(url, agent, secret string, c *contacts.Manager, logger zerolog.Logger) *Client {
	return &Client{
		url:      url,
		agent:    agent,
		secret:   secret,
		contacts: c,
		log:      logger.With().Str("component", "bridge").Str("agent", agent).Logger(),
		ready:    make(chan struct{}),
	}
}

func (c *Client) SetInbound(in notify.Inbound) { c.inbound = in }

func (c *Client) Channel() contacts.Channel { return contacts.Bridge }

// Send asks the relay to post msg in chat address.
func (c *Client) Send(_ context.Context, address string, msg notify.Message) error {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(Event{
		Type:      EventSend,
		ChatID:    address,
		SessionID: msg.SessionID,
		Text:      msg.Text,
		Prompt:    msg.Kind == notify.KindPrompt,
		Image:     msg.Image,
		ImageName: msg.ImageName,
	})
}

// Ready is closed once the first connection is up.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Run keeps a connection to the relay until ctx ends, reconnecting with
// backoff when the link drops.
func (c *Client) Run(ctx context.Context) error {
	var once sync.Once
	wait := time.Second
	for {
		started := time.Now()
		err := c.session(ctx, func() { once.Do(func() { close(c.ready) }) })
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			wait = time.Second
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("relay connection lost")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, 30*time.Second)
	}
}

// session runs one connection: websocket, yamux, a gRPC stream, then the
// receive loop.
func (c *Client) session(ctx context.Context, up func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	mux, err := yamux.Client(NewConn(ws), nil)
	if err != nil {
		ws.Close()
		return fmt.Errorf("yamux client: %w", err)
	}
	defer mux.Close()

	conn, err := grpc.NewClient("passthrough:///relay",
		grpc.WithContextDialer(dialer(mux.Open)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("grpc client: %w", err)
	}
	defer conn.Close()

	ctx = metadata.AppendToOutgoingContext(ctx, SecretHeader, c.secret)
	cs, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], connectPath)
	if err != nil {
		return fmt.Errorf("relay stream: %w", err)
	}
	stream := NewStream(cs)
	if err := stream.Send(Event{Type: EventHello, Agent: c.agent}); err != nil {
		return fmt.Errorf("relay hello: %w", err)
	}
	// The relay answers hello once the agent is registered.
	ack, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("relay hello: %w", err)
	}
	if ack.Type != EventHello {
		return fmt.Errorf("relay hello: unexpected %s event", ack.Type)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()
	}()

	c.log.Info().Str("url", c.url).Msg("connected to relay")
	up()

	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}
		c.handle(ctx, stream, ev)
	}
}

func (c *Client) handle(ctx context.Context, s *Stream, ev Event) {
	say := func(text string) {
		if err := s.Send(Event{Type: EventSend, ChatID: ev.ChatID, Text: text}); err != nil {
			c.log.Error().Err(err).Msg("send to relay")
		}
	}

	switch ev.Type {
	case EventLink:
		if err := c.contacts.Bind(ev.Owner, contacts.Bridge, ev.ChatID); err != nil {
			c.log.Error().Err(err).Msg("bind chat")
			say("⚠️ Could not link this chat.")
			return
		}
		say(fmt.Sprintf("📍 This chat now receives prompts for **%s**.", ev.Owner))

	case EventMessage:
		if c.inbound == nil {
			return
		}
		owner, ok := c.contacts.OwnerOf(contacts.Bridge, ev.ChatID)
		if !ok {
			say("Link this chat first: /link " + c.agent + " <owner>")
			return
		}
		if strings.TrimSpace(ev.Text) == "/status" {
			list, err := c.inbound.ListByOwner(ctx, owner)
			if err != nil {
				say("⚠️ " + err.Error())
				return
			}
			lines := []string{"No sessions yet."}
			if len(list) > 0 {
				lines = lines[:0]
			}
			for _, sess := range list {
				lines = append(lines, format.StatusLine(sess))
			}
			say(strings.Join(lines, "\n"))
			return
		}
		res := c.inbound.HandleReply(ctx, notify.Reply{Owner: owner, SessionHint: ev.SessionID, Text: ev.Text})
		if res.Status == notify.ReplyRejected {
			say("⚠️ " + res.Err.Error())
			return
		}
		say(format.ReplyAck(string(res.Status), res.SessionID, res.Candidates))

	case EventHeartbeat:
	default:
		c.log.Debug().Str("type", string(ev.Type)).Msg("ignoring relay event")
	}
}
