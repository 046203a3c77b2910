// Package rendezvous pairs a session parked on human input with the one reply
// meant for it.
//
// A slot is created by Register and removed by exactly one of: Deliver,
// Cancel/Interrupt, or the receiver's own Wait giving up. Replies that arrive
// while no slot exists can be held for a short grace window so a reply that
// races ahead of Register is not lost.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrAlreadyRegistered = errors.New("rendezvous already registered")
	// ErrNoWaiter means nothing is parked under the session id. It is a benign
	// race (late or duplicate reply), never fatal.
	ErrNoWaiter = errors.New("no waiter for session")
	// ErrBuffered accompanies ErrNoWaiter when the payload was kept for the
	// grace window.
	ErrBuffered = errors.New("reply buffered")

	ErrTimeout   = errors.New("timed out waiting for input")
	ErrCancelled = errors.New("wait cancelled")
)

type result struct {
	payload string
	err     error
}

type held struct {
	payload string
	expires time.Time
}

// Registry is safe for concurrent use by workers and inbound message handlers.
type Registry struct {
	mu        sync.Mutex
	slots     map[string]*Receiver
	buffered  map[string]held
	delivered map[string]time.Time
	grace     time.Duration
	now       func() time.Time
}

// Receiver is the parked side of one rendezvous.
type Receiver struct {
	sessionID string
	ch        chan result
	reg       *Registry
}

// New returns a Registry. grace <= 0 disables buffering of early replies.
func New(grace time.Duration) *Registry {
	return &Registry{
		slots:     make(map[string]*Receiver),
		buffered:  make(map[string]held),
		delivered: make(map[string]time.Time),
		grace:     grace,
		now:       time.Now,
	}
}

// Register creates a fresh slot for sessionID. A reply buffered within the
// grace window is handed to the new receiver immediately.
func (r *Registry) Register(sessionID string) (*Receiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	if _, ok := r.slots[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, sessionID)
	}
	rc := &Receiver{sessionID: sessionID, ch: make(chan result, 1), reg: r}
	if h, ok := r.buffered[sessionID]; ok {
		delete(r.buffered, sessionID)
		r.delivered[sessionID] = r.now()
		rc.ch <- result{payload: h.payload}
		return rc, nil
	}
	r.slots[sessionID] = rc
	return rc, nil
}

// Deliver wakes the receiver parked under sessionID with payload. Without a
// receiver it returns ErrNoWaiter, joined with ErrBuffered when the payload was
// kept for a receiver that registers within the grace window.
func (r *Registry) Deliver(sessionID, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	if rc, ok := r.slots[sessionID]; ok {
		delete(r.slots, sessionID)
		r.delivered[sessionID] = r.now()
		rc.ch <- result{payload: payload}
		return nil
	}
	if r.grace <= 0 {
		return fmt.Errorf("%w: %s", ErrNoWaiter, sessionID)
	}
	// A reply shortly after a successful delivery is a duplicate, and one
	// already held is kept in place of the newer one.
	if _, dup := r.delivered[sessionID]; dup {
		return fmt.Errorf("%w: %s (duplicate reply)", ErrNoWaiter, sessionID)
	}
	if _, ok := r.buffered[sessionID]; ok {
		return fmt.Errorf("%w: %s (reply already held)", ErrNoWaiter, sessionID)
	}
	r.buffered[sessionID] = held{payload: payload, expires: r.now().Add(r.grace)}
	return fmt.Errorf("%w: %s: %w", ErrNoWaiter, sessionID, ErrBuffered)
}

// Cancel releases the slot for sessionID without a payload; the receiver wakes
// with ErrCancelled. Any held reply is dropped. It reports whether a receiver
// was parked.
func (r *Registry) Cancel(sessionID string) bool {
	return r.Interrupt(sessionID, ErrCancelled)
}

// Interrupt is Cancel with a caller-chosen wake-up error.
func (r *Registry) Interrupt(sessionID string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.buffered, sessionID)
	rc, ok := r.slots[sessionID]
	if !ok {
		return false
	}
	delete(r.slots, sessionID)
	rc.ch <- result{err: err}
	return true
}

// Pending lists the session ids currently parked, sorted.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Waiting reports whether a receiver is parked under sessionID.
func (r *Registry) Waiting(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[sessionID]
	return ok
}

func (r *Registry) release(rc *Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.slots[rc.sessionID]; ok && cur == rc {
		delete(r.slots, rc.sessionID)
	}
}

func (r *Registry) expireLocked() {
	now := r.now()
	for id, h := range r.buffered {
		if now.After(h.expires) {
			delete(r.buffered, id)
		}
	}
	for id, at := range r.delivered {
		if now.Sub(at) > r.grace {
			delete(r.delivered, id)
		}
	}
}

// SessionID returns the session this receiver is parked for.
func (rc *Receiver) SessionID() string { return rc.sessionID }

// Wait blocks until a payload is delivered, the slot is cancelled, timeout
// elapses, or ctx is done. The slot is gone from the registry on every return.
func (rc *Receiver) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	var cause error
	if timeout <= 0 {
		cause = ErrTimeout
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res := <-rc.ch:
			return res.payload, res.err
		case <-timer.C:
			cause = ErrTimeout
		case <-ctx.Done():
			cause = ctx.Err()
		}
	}

	rc.reg.release(rc)
	// Deliver sends under the registry lock, so after release any racing
	// delivery is already in the channel.
	select {
	case res := <-rc.ch:
		return res.payload, res.err
	default:
		return "", cause
	}
}
