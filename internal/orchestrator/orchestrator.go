// Package orchestrator drives sessions through the state machine: it takes ids
// off the queue, runs the driver, persists every transition before acting on
// it, and parks sessions that need a human until a reply, a timeout, or a
// cancellation resolves them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/igoryan-dao/pitstop/internal/driver"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/queue"
	"github.com/igoryan-dao/pitstop/internal/rendezvous"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// ArtifactSaver persists driver artifacts and returns their session records.
type ArtifactSaver interface {
	Save(sessionID string, kind session.ArtifactKind, a *driver.Artifact) (*session.Artifact, error)
}

// Options tunes timeouts and retry budgets. Zero values take the defaults.
type Options struct {
	Workers int
	// InputTimeout bounds how long a paused session waits for a human.
	InputTimeout time.Duration
	// DriverTimeout bounds a single RunStep call.
	DriverTimeout time.Duration
	// DriverRetries is how many times a transient driver failure is retried
	// before the step is demoted to a failure. Negative disables retries.
	DriverRetries int
	// StepRetries is how many times a step is re-run after a store failure
	// before the session is forced to failed(internal_error).
	StepRetries   int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	NotifyTimeout time.Duration
	// SingleActivePerOwner rejects Submit while the owner has a live session.
	SingleActivePerOwner bool
	// RejectWhenFull makes Submit fail fast instead of waiting for queue room.
	RejectWhenFull bool
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.InputTimeout <= 0 {
		o.InputTimeout = 5 * time.Minute
	}
	if o.DriverTimeout <= 0 {
		o.DriverTimeout = 2 * time.Minute
	}
	if o.DriverRetries < 0 {
		o.DriverRetries = 0
	} else if o.DriverRetries == 0 {
		o.DriverRetries = 5
	}
	if o.StepRetries <= 0 {
		o.StepRetries = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 30 * time.Second
	}
	return o
}

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Store     session.Store
	Registry  *rendezvous.Registry
	Queue     *queue.Queue
	Driver    driver.Driver
	Gateway   notify.Gateway
	Artifacts ArtifactSaver
	Logger    zerolog.Logger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Orchestrator owns the session lifecycle. It implements notify.Inbound.
type Orchestrator struct {
	store     session.Store
	registry  *rendezvous.Registry
	queue     *queue.Queue
	driver    driver.Driver
	gateway   notify.Gateway
	artifacts ArtifactSaver
	log       zerolog.Logger
	tracer    trace.Tracer
	opts      Options

	// claims holds the ids a goroutine is currently writing; one writer per
	// session at a time.
	claims sync.Map
	// owners serializes Submit per owner so the single-active check and the
	// create happen together.
	owners sync.Map

	mu        sync.Mutex
	inputs    map[string]driver.Input
	pending   map[string]pendingOutcome
	attempts  map[string]int
	cancelled map[string]bool

	waiters    sync.WaitGroup
	pool       atomic.Pointer[queue.Pool]
	violations atomic.Int64
	now        func() time.Time
}

// pendingOutcome is a resolved step whose transition has not been persisted
// yet.
type pendingOutcome struct {
	outcome     driver.Outcome
	systemFault bool
}

var _ notify.Inbound = (*Orchestrator)(nil)

// New wires an Orchestrator. Store, Registry, Queue and Driver are required.
func New(d Deps, opts Options) (*Orchestrator, error) {
	if d.Store == nil || d.Registry == nil || d.Queue == nil || d.Driver == nil {
		return nil, errors.New("orchestrator: store, registry, queue and driver are required")
	}
	if d.Gateway == nil {
		d.Gateway = notify.GatewayFunc(func(context.Context, string, notify.Message) error { return nil })
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("github.com/igoryan-dao/pitstop/internal/orchestrator")
	}
	return &Orchestrator{
		store:     d.Store,
		registry:  d.Registry,
		queue:     d.Queue,
		driver:    d.Driver,
		gateway:   d.Gateway,
		artifacts: d.Artifacts,
		log:       d.Logger.With().Str("component", "orchestrator").Logger(),
		tracer:    d.Tracer,
		opts:      opts.withDefaults(),
		inputs:    make(map[string]driver.Input),
		pending:   make(map[string]pendingOutcome),
		attempts:  make(map[string]int),
		cancelled: make(map[string]bool),
		now:       time.Now,
	}, nil
}

// Run starts the worker pool, recovers sessions left over from a previous
// process, and blocks until ctx is done and every worker and waiter returned.
// Paused sessions stay paused in the store across shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	pool := queue.NewPool(o.queue, o.opts.Workers, o.Handle, o.log)
	o.pool.Store(pool)

	o.waiters.Add(1)
	go func() {
		defer o.waiters.Done()
		if err := o.Recover(ctx); err != nil && ctx.Err() == nil {
			o.log.Error().Err(err).Msg("recovery failed")
		}
	}()

	pool.Run(ctx)
	o.waiters.Wait()
	o.log.Info().Msg("orchestrator stopped")
}

// Submit creates a queued session and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, owner, flow, credentialsRef string) (*session.Session, error) {
	if owner == "" || flow == "" {
		return nil, errors.New("owner and flow are required")
	}
	id, err := o.create(ctx, owner, flow, credentialsRef)
	if err != nil {
		return nil, err
	}
	log := o.log.With().Str("session_id", id).Str("owner", owner).Logger()

	if o.opts.RejectWhenFull {
		err = o.queue.TrySubmit(id)
	} else {
		err = o.queue.Submit(ctx, id)
	}
	if err != nil {
		// The session exists but will never be picked up; end it visibly.
		log.Warn().Err(err).Msg("enqueue failed, abandoning session")
		o.abandon(id, "queue_full")
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, fmt.Errorf("%w: %s", ErrQueueFull, id)
		}
		return nil, fmt.Errorf("enqueue %s: %w", id, err)
	}

	o.appendLog(ctx, id, session.LogInfo, "session submitted for flow "+flow)
	log.Info().Str("flow", flow).Msg("session submitted")
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) create(ctx context.Context, owner, flow, credentialsRef string) (string, error) {
	if o.opts.SingleActivePerOwner {
		mu := o.ownerLock(owner)
		mu.Lock()
		defer mu.Unlock()

		list, err := o.store.ListByOwner(ctx, owner)
		if err != nil {
			return "", err
		}
		for _, s := range list {
			if !s.State.Terminal() {
				return "", fmt.Errorf("%w: %s is %s", ErrActiveSession, s.ID, s.State)
			}
		}
	}
	return o.store.Create(ctx, &session.Session{Owner: owner, Flow: flow, CredentialsRef: credentialsRef})
}

func (o *Orchestrator) ownerLock(owner string) *sync.Mutex {
	mu, _ := o.owners.LoadOrStore(owner, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// abandon walks a never-enqueued session to failed through the only legal
// path.
func (o *Orchestrator) abandon(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.NotifyTimeout)
	defer cancel()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		return
	}
	if s, err = o.store.UpdateState(ctx, id, s.Version, session.Running(), nil); err != nil {
		o.log.Error().Err(err).Str("session_id", id).Msg("could not abandon session")
		return
	}
	if _, err := o.store.UpdateState(ctx, id, s.Version, session.Failed(reason), nil); err != nil {
		o.log.Error().Err(err).Str("session_id", id).Msg("could not abandon session")
	}
}

// Get returns a session snapshot.
func (o *Orchestrator) Get(ctx context.Context, id string) (*session.Session, error) {
	return o.store.Get(ctx, id)
}

// ListByOwner returns the owner's sessions, oldest first.
func (o *Orchestrator) ListByOwner(ctx context.Context, owner string) ([]*session.Session, error) {
	return o.store.ListByOwner(ctx, owner)
}

// Logs returns the session's log entries.
func (o *Orchestrator) Logs(ctx context.Context, id string) ([]session.LogEntry, error) {
	return o.store.Logs(ctx, id)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Queued              int      `json:"queued"`
	Capacity            int      `json:"capacity"`
	Workers             int      `json:"workers"`
	Active              int      `json:"active"`
	Parked              []string `json:"parked"`
	InvariantViolations int64    `json:"invariant_violations"`
}

func (o *Orchestrator) Stats() Stats {
	st := Stats{
		Queued:              o.queue.Len(),
		Capacity:            o.queue.Cap(),
		Workers:             o.opts.Workers,
		Parked:              o.registry.Pending(),
		InvariantViolations: o.violations.Load(),
	}
	if p := o.pool.Load(); p != nil {
		st.Active = p.Active()
	}
	return st
}

// InvariantViolations counts InvariantErrors observed since start.
func (o *Orchestrator) InvariantViolations() int64 { return o.violations.Load() }

func (o *Orchestrator) claim(id string) bool {
	_, loaded := o.claims.LoadOrStore(id, struct{}{})
	return !loaded
}

func (o *Orchestrator) unclaim(id string) { o.claims.Delete(id) }

func (o *Orchestrator) stashInput(id string, in driver.Input) {
	o.mu.Lock()
	o.inputs[id] = in
	o.mu.Unlock()
}

func (o *Orchestrator) hasInput(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inputs[id]
	return ok
}

func (o *Orchestrator) takeInput(id string) *driver.Input {
	o.mu.Lock()
	defer o.mu.Unlock()
	in, ok := o.inputs[id]
	if !ok {
		return nil
	}
	delete(o.inputs, id)
	return &in
}

func (o *Orchestrator) takePending(id string) (pendingOutcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[id]
	delete(o.pending, id)
	return p, ok
}

func (o *Orchestrator) markCancelled(id string) {
	o.mu.Lock()
	o.cancelled[id] = true
	o.mu.Unlock()
}

func (o *Orchestrator) isCancelled(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[id]
}

// forget drops all in-memory state of a terminal session.
func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.inputs, id)
	delete(o.pending, id)
	delete(o.attempts, id)
	delete(o.cancelled, id)
	o.mu.Unlock()

	o.registry.Cancel(id)
	if r, ok := o.driver.(driver.Releaser); ok {
		r.Release(id)
	}
}

func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.opts.Backoff
	for i := 1; i < n && d < o.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > o.opts.MaxBackoff {
		d = o.opts.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) notify(ctx context.Context, owner string, msg notify.Message) {
	nctx, cancel := context.WithTimeout(ctx, o.opts.NotifyTimeout)
	defer cancel()
	if err := o.gateway.Notify(nctx, owner, msg); err != nil {
		o.log.Warn().Err(err).Str("session_id", msg.SessionID).Str("owner", owner).Str("kind", string(msg.Kind)).Msg("notification failed")
	}
}

// appendLog records a session log line; failures only reach the process log.
func (o *Orchestrator) appendLog(ctx context.Context, id string, level session.LogLevel, text string) {
	if err := o.store.AppendLog(ctx, id, level, text); err != nil {
		o.log.Debug().Err(err).Str("session_id", id).Msg("append session log")
	}
}

func (o *Orchestrator) invariant(e *InvariantError) {
	o.violations.Add(1)
	o.log.Error().
		Bool("invariant", true).
		Str("session_id", e.SessionID).
		Str("state", e.State.String()).
		Err(e.Err).
		Msg(e.Msg)
}
