// Package notify is the boundary between the orchestrator and the humans it
// talks to: outbound prompts and outcomes, inbound replies and commands.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/igoryan-dao/pitstop/internal/contacts"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// Kind classifies an outbound message.
type Kind string

const (
	KindPrompt    Kind = "prompt"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindInfo      Kind = "info"
)

// Message is one outbound notification.
type Message struct {
	SessionID string
	Kind      Kind
	// InputKind is set for prompts ("captcha", "otp").
	InputKind   string
	Text        string
	ArtifactRef string
	// Image is filled by the Router from ArtifactRef before reaching a Sink.
	Image     []byte
	ImageName string
}

// Gateway delivers messages to an owner.
type Gateway interface {
	Notify(ctx context.Context, owner string, msg Message) error
}

// Sink is one transport. Address comes from the owner's contact binding.
type Sink interface {
	Channel() contacts.Channel
	Send(ctx context.Context, address string, msg Message) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, owner string, msg Message) error

func (f GatewayFunc) Notify(ctx context.Context, owner string, msg Message) error {
	return f(ctx, owner, msg)
}

// Reply is an inbound human message meant for a paused session.
type Reply struct {
	Owner string
	// SessionHint is set when the transport can correlate the reply to a
	// session (a reply to the prompt message, an explicit id).
	SessionHint string
	Text        string
}

// ReplyStatus is how an inbound reply was routed.
type ReplyStatus string

const (
	ReplyDelivered ReplyStatus = "delivered"
	ReplyBuffered  ReplyStatus = "buffered"
	ReplyNoWaiter  ReplyStatus = "no_waiter"
	ReplyAmbiguous ReplyStatus = "ambiguous"
	ReplyRejected  ReplyStatus = "rejected"
)

// ReplyResult tells the transport what to say back to the human.
type ReplyResult struct {
	Status    ReplyStatus
	SessionID string
	// Candidates lists paused sessions when Status is ReplyAmbiguous.
	Candidates []string
	Err        error
}

var (
	ErrNotOwner = errors.New("session belongs to another owner")
	ErrEmpty    = errors.New("empty reply")
)

// Inbound is what transports call into. The orchestrator implements it.
type Inbound interface {
	HandleReply(ctx context.Context, r Reply) ReplyResult
	Submit(ctx context.Context, owner, flow, credentialsRef string) (*session.Session, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*session.Session, error)
	ListByOwner(ctx context.Context, owner string) ([]*session.Session, error)
}

// CancelOwned cancels id only if it belongs to owner.
func CancelOwned(ctx context.Context, in Inbound, owner, id string) error {
	s, err := in.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Owner != owner {
		return ErrNotOwner
	}
	return in.Cancel(ctx, id)
}

// FindOwned returns the owner's session whose id starts with prefix. Chat
// users usually type the short id shown in status lines.
func FindOwned(ctx context.Context, in Inbound, owner, prefix string) (*session.Session, error) {
	if prefix == "" {
		return nil, session.ErrNotFound
	}
	list, err := in.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	var found *session.Session
	for _, s := range list {
		if strings.HasPrefix(s.ID, prefix) {
			if found != nil {
				return nil, fmt.Errorf("id prefix %q matches several sessions", prefix)
			}
			found = s
		}
	}
	if found == nil {
		return nil, session.ErrNotFound
	}
	return found, nil
}
