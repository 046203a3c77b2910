package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/igoryan-dao/pitstop/internal/driver"
	"github.com/igoryan-dao/pitstop/internal/format"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// Handle processes one dequeued session id. It runs at most one driver step
// and returns as soon as the session is terminal, parked on a human, or handed
// back to the queue.
func (o *Orchestrator) Handle(ctx context.Context, id string) {
	log := o.log.With().Str("session_id", id).Logger()
	if !o.claim(id) {
		// The holder may still be unwinding after re-enqueueing this id.
		log.Warn().Msg("session busy, retrying later")
		o.requeue(ctx, id, o.backoff(1))
		return
	}
	defer o.unclaim(id)

	ctx, span := o.tracer.Start(ctx, "session.step", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Error().Err(err).Msg("dequeued unknown session")
			return
		}
		span.RecordError(err)
		o.deferStep(ctx, id, nil, err)
		return
	}
	span.SetAttributes(attribute.String("session.owner", s.Owner), attribute.String("session.state", s.State.String()))

	if s.State.Terminal() {
		log.Debug().Str("state", s.State.String()).Msg("session already terminal")
		o.forget(id)
		return
	}

	if p, ok := o.takePending(id); ok {
		o.settle(ctx, s, p)
		return
	}

	switch s.State.Kind {
	case session.KindPaused:
		if o.isCancelled(id) {
			o.settle(ctx, s, pendingOutcome{outcome: driver.Failure{Reason: session.ReasonCancelled}})
			return
		}
		if !o.hasInput(id) {
			o.invariant(&InvariantError{SessionID: id, State: s.State, Msg: "paused session dequeued without input"})
			return
		}
		if s, err = o.transition(ctx, s, session.Running()); err != nil {
			return
		}
	case session.KindQueued:
		if s, err = o.transition(ctx, s, session.Running()); err != nil {
			return
		}
	}

	if o.isCancelled(id) {
		o.settle(ctx, s, pendingOutcome{outcome: driver.Failure{Reason: session.ReasonCancelled}})
		return
	}

	input := o.takeInput(id)
	out, fault, err := o.drive(ctx, s, input)
	if err != nil {
		// Shutting down: the session stays running and is re-driven on
		// recovery. The human's answer is kept for a retry in this process.
		if input != nil {
			o.stashInput(id, *input)
		}
		log.Info().Err(err).Msg("step interrupted")
		return
	}
	span.SetAttributes(attribute.String("session.outcome", out.String()))

	if o.isCancelled(id) {
		log.Info().Str("discarded", out.String()).Msg("session cancelled during step")
		o.settle(ctx, s, pendingOutcome{outcome: driver.Failure{Reason: session.ReasonCancelled}})
		return
	}
	o.settle(ctx, s, pendingOutcome{outcome: out, systemFault: fault})
}

// transition persists a move with no side effects attached. On error the step
// has been deferred or aborted and the caller must return.
func (o *Orchestrator) transition(ctx context.Context, s *session.Session, next session.State) (*session.Session, error) {
	updated, err := o.store.UpdateState(ctx, s.ID, s.Version, next, nil)
	if err != nil {
		o.onPersistError(ctx, s, nil, next, err)
		return nil, err
	}
	o.resetAttempts(s.ID)
	return updated, nil
}

// drive runs the driver with retries. The returned error is non-nil only when
// ctx ended; otherwise the outcome is final for this step and systemFault
// tells whether retries were exhausted on infrastructure errors.
func (o *Orchestrator) drive(ctx context.Context, s *session.Session, input *driver.Input) (driver.Outcome, bool, error) {
	log := o.log.With().Str("session_id", s.ID).Logger()
	var (
		lastReason  string
		systemFault bool
	)
	for attempt := 1; attempt <= o.opts.DriverRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, o.backoff(attempt-1)); err != nil {
				return nil, false, err
			}
		}
		step := driver.Step{
			SessionID:      s.ID,
			Owner:          s.Owner,
			Flow:           s.Flow,
			CredentialsRef: s.CredentialsRef,
			Attempt:        attempt,
			Resume:         input,
		}
		out, err := o.callDriver(ctx, step)
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if err != nil {
			systemFault, lastReason = true, err.Error()
			log.Warn().Err(err).Int("attempt", attempt).Msg("driver error")
			o.appendLog(ctx, s.ID, session.LogWarn, fmt.Sprintf("attempt %d: driver error: %v", attempt, err))
			continue
		}
		if te, ok := out.(driver.TransientError); ok {
			systemFault, lastReason = false, te.Reason
			log.Warn().Str("reason", te.Reason).Int("attempt", attempt).Msg("transient driver failure")
			o.appendLog(ctx, s.ID, session.LogWarn, fmt.Sprintf("attempt %d: %s", attempt, te.Reason))
			continue
		}
		return out, false, nil
	}

	if systemFault {
		log.Error().Str("last_error", lastReason).Msg("driver retries exhausted")
		o.appendLog(ctx, s.ID, session.LogError, "driver retries exhausted: "+lastReason)
		return driver.Failure{Reason: session.ReasonInternalError}, true, nil
	}
	if lastReason == "" {
		lastReason = "transient failure"
	}
	return driver.Failure{Reason: lastReason}, false, nil
}

// callDriver bounds one RunStep by DriverTimeout. A driver that ignores its
// context is abandoned rather than waited for.
func (o *Orchestrator) callDriver(ctx context.Context, step driver.Step) (driver.Outcome, error) {
	dctx, cancel := context.WithTimeout(ctx, o.opts.DriverTimeout)
	defer cancel()

	ctx, span := o.tracer.Start(dctx, "driver.run_step", trace.WithAttributes(
		attribute.String("session.id", step.SessionID),
		attribute.Int("attempt", step.Attempt),
	))
	defer span.End()

	type result struct {
		out driver.Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error().Str("session_id", step.SessionID).Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("driver panicked")
				ch <- result{err: fmt.Errorf("driver panic: %v", r)}
			}
		}()
		out, err := o.driver.RunStep(ctx, step)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.out == nil {
			r.err = errors.New("driver returned no outcome")
		}
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
		}
		return r.out, r.err
	case <-dctx.Done():
		err := fmt.Errorf("driver step exceeded %s: %w", o.opts.DriverTimeout, dctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return nil, err
	}
}

// resolution is an outcome turned into what gets persisted and sent.
type resolution struct {
	next     session.State
	artifact *session.Artifact
	msg      notify.Message
	prompt   bool
}

func (o *Orchestrator) resolve(s *session.Session, p pendingOutcome) (resolution, error) {
	save := func(kind session.ArtifactKind, a *driver.Artifact) (*session.Artifact, error) {
		if a == nil || o.artifacts == nil {
			return nil, nil
		}
		return o.artifacts.Save(s.ID, kind, a)
	}

	var (
		res resolution
		err error
	)
	switch out := p.outcome.(type) {
	case driver.Paused:
		kind := out.Kind
		if kind == "" {
			kind = "input"
		}
		res.next, res.prompt = session.Paused(kind), true
		res.artifact, err = save(session.ArtifactPrompt, out.Prompt)
		res.msg = notify.Message{Kind: notify.KindPrompt, InputKind: kind, Text: format.Prompt(kind, out.Message)}
	case driver.Success:
		res.next = session.Succeeded()
		res.artifact, err = save(session.ArtifactResult, out.Result)
		res.msg = notify.Message{Kind: notify.KindSucceeded, Text: format.Succeeded(out.Message)}
	case driver.Failure:
		reason := out.Reason
		if reason == "" {
			reason = "unknown"
		}
		res.next = session.Failed(reason)
		res.artifact, err = save(session.ArtifactSnapshot, out.Evidence)
		res.msg = notify.Message{Kind: notify.KindFailed, Text: format.Failed(reason, p.systemFault)}
	default:
		return res, &InvariantError{SessionID: s.ID, State: s.State, Msg: fmt.Sprintf("unexpected outcome %v", p.outcome)}
	}
	if err != nil {
		return res, fmt.Errorf("save artifact: %w", err)
	}
	res.msg.SessionID = s.ID
	if res.artifact != nil {
		res.msg.ArtifactRef = res.artifact.Ref
	}
	return res, nil
}

// settle persists the outcome and only then acts on it: parking and prompting
// for a pause, notifying and releasing for a terminal state.
func (o *Orchestrator) settle(ctx context.Context, s *session.Session, p pendingOutcome) {
	log := o.log.With().Str("session_id", s.ID).Logger()

	res, err := o.resolve(s, p)
	if err != nil {
		var inv *InvariantError
		if errors.As(err, &inv) {
			o.invariant(inv)
			o.forceFail(ctx, s.ID, err)
			return
		}
		o.deferStep(ctx, s.ID, &p, err)
		return
	}

	updated, err := o.store.UpdateState(ctx, s.ID, s.Version, res.next, res.artifact)
	if err != nil {
		o.onPersistError(ctx, s, &p, res.next, err)
		return
	}
	o.resetAttempts(s.ID)
	log.Info().Str("from", s.State.String()).Str("to", res.next.String()).Msg("session transitioned")

	if res.prompt {
		o.appendLog(ctx, s.ID, session.LogInfo, "waiting for "+res.next.InputKind)
		o.park(ctx, updated, res.msg, o.opts.InputTimeout)
		return
	}

	level := session.LogInfo
	if res.next.Kind == session.KindFailed {
		level = session.LogError
	}
	o.appendLog(ctx, s.ID, level, "session "+res.next.String())
	o.forget(s.ID)
	o.notify(ctx, updated.Owner, res.msg)
}

// onPersistError routes a failed UpdateState. p is the outcome to re-apply on
// retry, nil for a bare transition.
func (o *Orchestrator) onPersistError(ctx context.Context, s *session.Session, p *pendingOutcome, next session.State, err error) {
	log := o.log.With().Str("session_id", s.ID).Str("from", s.State.String()).Str("to", next.String()).Logger()
	switch {
	case errors.Is(err, session.ErrIllegalTransition):
		o.invariant(&InvariantError{SessionID: s.ID, State: s.State, Msg: "illegal transition to " + next.String(), Err: err})
		o.forceFail(ctx, s.ID, err)
	case errors.Is(err, session.ErrNotFound):
		log.Error().Err(err).Msg("session vanished from store")
		o.forget(s.ID)
	case errors.Is(err, session.ErrConflict):
		// Another writer got there first; reload on the next attempt.
		log.Warn().Err(err).Msg("version conflict, step aborted")
		o.deferStep(ctx, s.ID, p, err)
	default:
		o.deferStep(ctx, s.ID, p, err)
	}
}

func (o *Orchestrator) resetAttempts(id string) {
	o.mu.Lock()
	delete(o.attempts, id)
	o.mu.Unlock()
}

// deferStep hands the session back to the queue after a backoff, keeping p
// for the retry. Past StepRetries the session is forced to failed.
func (o *Orchestrator) deferStep(ctx context.Context, id string, p *pendingOutcome, cause error) {
	o.mu.Lock()
	o.attempts[id]++
	n := o.attempts[id]
	if p != nil {
		o.pending[id] = *p
	}
	o.mu.Unlock()

	log := o.log.With().Str("session_id", id).Int("attempt", n).Logger()
	if n > o.opts.StepRetries {
		log.Error().Err(cause).Msg("step retries exhausted")
		o.forceFail(ctx, id, cause)
		return
	}

	delay := o.backoff(n)
	log.Warn().Err(cause).Dur("retry_in", delay).Msg("step deferred")
	o.requeue(ctx, id, delay)
}

// requeue puts id back on the queue after delay.
func (o *Orchestrator) requeue(ctx context.Context, id string, delay time.Duration) {
	o.waiters.Add(1)
	go func() {
		defer o.waiters.Done()
		if err := sleep(ctx, delay); err != nil {
			return
		}
		if err := o.queue.Submit(ctx, id); err != nil {
			o.log.Error().Err(err).Str("session_id", id).Msg("could not re-enqueue session")
		}
	}()
}

// forceFail ends a session the engine can no longer drive. If even this write
// fails the session is left as is for recovery.
func (o *Orchestrator) forceFail(ctx context.Context, id string, cause error) {
	log := o.log.With().Str("session_id", id).Logger()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("cannot force failure, session left for recovery")
		o.dropVolatile(id)
		return
	}
	if s.State.Terminal() {
		o.forget(id)
		return
	}
	next := session.Failed(session.ReasonInternalError)
	if _, err := o.store.UpdateState(ctx, id, s.Version, next, nil); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("cannot force failure, session left for recovery")
		o.dropVolatile(id)
		return
	}
	log.Error().AnErr("cause", cause).Msg("session forced to failed")
	o.appendLog(ctx, id, session.LogError, "system failure: "+errString(cause))
	o.forget(id)
	o.notify(ctx, s.Owner, notify.Message{
		SessionID: id,
		Kind:      notify.KindFailed,
		Text:      format.Failed(session.ReasonInternalError, true),
	})
}

// dropVolatile clears retry bookkeeping but keeps the driver's resources and
// the cancel mark, since the session is still live in the store.
func (o *Orchestrator) dropVolatile(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	delete(o.attempts, id)
	o.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
