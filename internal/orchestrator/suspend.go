package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/igoryan-dao/pitstop/internal/driver"
	"github.com/igoryan-dao/pitstop/internal/format"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/rendezvous"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// park registers a rendezvous slot for a persisted paused session, sends the
// prompt, and leaves a goroutine waiting for the answer. The worker that
// called park is free as soon as it returns.
func (o *Orchestrator) park(ctx context.Context, s *session.Session, prompt notify.Message, timeout time.Duration) {
	rc, err := o.registry.Register(s.ID)
	if err != nil {
		o.invariant(&InvariantError{SessionID: s.ID, State: s.State, Msg: "could not park session", Err: err})
		return
	}
	o.notify(ctx, s.Owner, prompt)

	o.waiters.Add(1)
	go func() {
		defer o.waiters.Done()
		o.await(ctx, s, rc, timeout)
	}()
}

func (o *Orchestrator) await(ctx context.Context, s *session.Session, rc *rendezvous.Receiver, timeout time.Duration) {
	log := o.log.With().Str("session_id", s.ID).Str("input_kind", s.State.InputKind).Logger()
	log.Debug().Dur("timeout", timeout).Msg("waiting for human input")

	payload, err := rc.Wait(ctx, timeout)
	switch {
	case err == nil:
		o.stashInput(s.ID, driver.Input{Kind: s.State.InputKind, Value: payload})
		o.appendLog(ctx, s.ID, session.LogInfo, fmt.Sprintf("received %s input", s.State.InputKind))
		// Resumed sessions re-enter at the back of the queue.
		if err := o.queue.Submit(ctx, s.ID); err != nil {
			log.Warn().Err(err).Msg("could not enqueue resumed session, it stays paused")
		}
	case errors.Is(err, rendezvous.ErrTimeout):
		o.registry.Cancel(s.ID)
		log.Info().Msg("input timed out")
		o.settleDetached(ctx, s.ID, driver.Failure{Reason: session.ReasonTimeout})
	case errors.Is(err, errOperatorCancel), errors.Is(err, rendezvous.ErrCancelled):
		log.Info().Msg("paused session cancelled")
		o.settleDetached(ctx, s.ID, driver.Failure{Reason: session.ReasonCancelled})
	case ctx.Err() != nil:
		log.Info().Msg("shutting down, session left paused")
	default:
		log.Error().Err(err).Msg("unexpected wait result")
	}
}

// settleDetached resolves a paused session outside a worker. If a worker holds
// the session, the outcome is queued for it instead.
func (o *Orchestrator) settleDetached(ctx context.Context, id string, out driver.Outcome) {
	p := pendingOutcome{outcome: out}
	if !o.claim(id) {
		o.deferStep(ctx, id, &p, errors.New("session busy"))
		return
	}
	defer o.unclaim(id)

	s, err := o.store.Get(ctx, id)
	if err != nil {
		o.deferStep(ctx, id, &p, err)
		return
	}
	if s.State.Terminal() {
		o.forget(id)
		return
	}
	o.settle(ctx, s, p)
}

// Cancel ends a live session with failed(cancelled). A parked session is
// woken and failed right away; a queued or running one is failed at its next
// step boundary, discarding whatever the in-flight driver step returns.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	s, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, s.State)
	}
	o.markCancelled(id)
	o.appendLog(ctx, id, session.LogWarn, "cancellation requested")
	o.log.Info().Str("session_id", id).Str("state", s.State.String()).Msg("cancel requested")

	if s.State.Kind != session.KindPaused {
		return nil
	}
	if o.registry.Interrupt(id, errOperatorCancel) {
		return nil
	}
	// Paused with no receiver: either the answer is already queued, in which
	// case the worker sees the mark, or nothing waits at all.
	if !o.hasInput(id) {
		o.settleDetached(ctx, id, driver.Failure{Reason: session.ReasonCancelled})
	}
	return nil
}

// HandleReply routes a human reply. An explicit session hint (full id or an
// unambiguous prefix among the owner's sessions) wins; otherwise the owner's
// only paused session, or their only running one for a reply that arrives
// just before the prompt.
func (o *Orchestrator) HandleReply(ctx context.Context, r notify.Reply) notify.ReplyResult {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return notify.ReplyResult{Status: notify.ReplyRejected, Err: notify.ErrEmpty}
	}

	var id string
	if r.SessionHint != "" {
		s, err := o.resolveHint(ctx, r.Owner, r.SessionHint)
		if err != nil {
			return notify.ReplyResult{Status: notify.ReplyRejected, Err: err}
		}
		id = s.ID
	} else {
		list, err := o.store.ListByOwner(ctx, r.Owner)
		if err != nil {
			return notify.ReplyResult{Status: notify.ReplyRejected, Err: err}
		}
		var paused, running []string
		for _, s := range list {
			switch s.State.Kind {
			case session.KindPaused:
				paused = append(paused, s.ID)
			case session.KindRunning, session.KindQueued:
				running = append(running, s.ID)
			}
		}
		switch {
		case len(paused) == 1:
			id = paused[0]
		case len(paused) > 1:
			return notify.ReplyResult{Status: notify.ReplyAmbiguous, Candidates: paused}
		case len(running) == 1:
			id = running[0]
		default:
			return notify.ReplyResult{Status: notify.ReplyNoWaiter, Err: rendezvous.ErrNoWaiter}
		}
	}

	return o.Deliver(ctx, id, text)
}

// DeliverForOwner routes payload to the owner's only paused session.
func (o *Orchestrator) DeliverForOwner(ctx context.Context, owner, payload string) notify.ReplyResult {
	return o.HandleReply(ctx, notify.Reply{Owner: owner, Text: payload})
}

// Deliver hands payload to the receiver parked for id. With nobody parked the
// registry may hold it for a live session; a finished or unknown session gets
// NoWaiter straight away.
func (o *Orchestrator) Deliver(ctx context.Context, id, payload string) notify.ReplyResult {
	if !o.registry.Waiting(id) {
		s, err := o.store.Get(ctx, id)
		switch {
		case errors.Is(err, session.ErrNotFound):
			return notify.ReplyResult{Status: notify.ReplyNoWaiter, SessionID: id, Err: rendezvous.ErrNoWaiter}
		case err == nil && s.State.Terminal():
			o.log.Debug().Str("session_id", id).Str("state", s.State.String()).Msg("late reply for finished session")
			return notify.ReplyResult{
				Status:    notify.ReplyNoWaiter,
				SessionID: id,
				Err:       fmt.Errorf("%w: session is %s", rendezvous.ErrNoWaiter, s.State),
			}
		}
	}

	err := o.registry.Deliver(id, payload)
	switch {
	case err == nil:
		o.log.Info().Str("session_id", id).Int("length", len(payload)).Msg("reply delivered")
		return notify.ReplyResult{Status: notify.ReplyDelivered, SessionID: id}
	case errors.Is(err, rendezvous.ErrBuffered):
		o.log.Info().Str("session_id", id).Msg("reply held for a session about to pause")
		return notify.ReplyResult{Status: notify.ReplyBuffered, SessionID: id}
	default:
		o.log.Debug().Err(err).Str("session_id", id).Msg("reply not delivered")
		return notify.ReplyResult{Status: notify.ReplyNoWaiter, SessionID: id, Err: err}
	}
}

func (o *Orchestrator) resolveHint(ctx context.Context, owner, hint string) (*session.Session, error) {
	s, err := o.store.Get(ctx, hint)
	if err == nil {
		if owner != "" && s.Owner != owner {
			return nil, notify.ErrNotOwner
		}
		return s, nil
	}
	if !errors.Is(err, session.ErrNotFound) || owner == "" {
		return nil, err
	}

	list, lerr := o.store.ListByOwner(ctx, owner)
	if lerr != nil {
		return nil, lerr
	}
	var match *session.Session
	for _, c := range list {
		if strings.HasPrefix(c.ID, hint) {
			if match != nil {
				return nil, fmt.Errorf("session prefix %q is ambiguous", hint)
			}
			match = c
		}
	}
	if match == nil {
		return nil, err
	}
	return match, nil
}

// Recover picks up sessions a previous process left behind: queued and running
// ones are enqueued again, paused ones are parked for what remains of their
// input timeout and re-prompted, or failed with timeout if none remains.
func (o *Orchestrator) Recover(ctx context.Context) error {
	list, err := o.store.ListByKind(ctx, session.KindQueued, session.KindRunning, session.KindPaused)
	if err != nil {
		return fmt.Errorf("list live sessions: %w", err)
	}
	if len(list) == 0 {
		return nil
	}
	o.log.Info().Int("sessions", len(list)).Msg("recovering sessions")

	for _, s := range list {
		if s.State.Kind != session.KindPaused {
			if err := o.queue.Submit(ctx, s.ID); err != nil {
				return fmt.Errorf("re-enqueue %s: %w", s.ID, err)
			}
			continue
		}

		pausedAt := s.UpdatedAt
		ref := ""
		if t, ok := s.LastTransition(); ok {
			pausedAt, ref = t.At, t.ArtifactRef
		}
		remaining := o.opts.InputTimeout - o.now().Sub(pausedAt)
		if remaining <= 0 {
			o.settleDetached(ctx, s.ID, driver.Failure{Reason: session.ReasonTimeout})
			continue
		}
		o.park(ctx, s, notify.Message{
			SessionID:   s.ID,
			Kind:        notify.KindPrompt,
			InputKind:   s.State.InputKind,
			Text:        format.Restarted(s.State.InputKind),
			ArtifactRef: ref,
		}, remaining)
	}
	return nil
}
