// Package notifytest has an in-memory notify.Inbound for transport tests.
package notifytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// Inbound records what transports ask for and answers from a fixed session
// table.
type Inbound struct {
	mu        sync.Mutex
	Sessions  map[string]*session.Session
	Replies   []notify.Reply
	Cancelled []string
	// Result is returned from HandleReply.
	Result notify.ReplyResult
	next   int
}

func New(sessions ...*session.Session) *Inbound {
	in := &Inbound{Sessions: make(map[string]*session.Session)}
	for _, s := range sessions {
		in.Sessions[s.ID] = s
	}
	return in
}

func (in *Inbound) HandleReply(_ context.Context, r notify.Reply) notify.ReplyResult {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.Replies = append(in.Replies, r)
	return in.Result
}

func (in *Inbound) Submit(_ context.Context, owner, flow, credentialsRef string) (*session.Session, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.next++
	s := &session.Session{
		ID:             fmt.Sprintf("sub-%04d", in.next),
		Owner:          owner,
		Flow:           flow,
		CredentialsRef: credentialsRef,
		State:          session.State{Kind: session.KindQueued},
	}
	in.Sessions[s.ID] = s
	return s.Clone(), nil
}

func (in *Inbound) Cancel(_ context.Context, id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.Sessions[id]; !ok {
		return session.ErrNotFound
	}
	in.Cancelled = append(in.Cancelled, id)
	return nil
}

func (in *Inbound) Get(_ context.Context, id string) (*session.Session, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.Sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (in *Inbound) ListByOwner(_ context.Context, owner string) ([]*session.Session, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []*session.Session
	for _, s := range in.Sessions {
		if s.Owner == owner {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// SetResult changes what HandleReply returns.
func (in *Inbound) SetResult(r notify.ReplyResult) {
	in.mu.Lock()
	in.Result = r
	in.mu.Unlock()
}

// Snapshot returns copies of the recorded replies and cancellations.
func (in *Inbound) Snapshot() ([]notify.Reply, []string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]notify.Reply(nil), in.Replies...), append([]string(nil), in.Cancelled...)
}
