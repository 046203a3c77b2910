package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/artifact"
	"github.com/igoryan-dao/pitstop/internal/driver"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/queue"
	"github.com/igoryan-dao/pitstop/internal/rendezvous"
	"github.com/igoryan-dao/pitstop/internal/session"
	"github.com/igoryan-dao/pitstop/internal/store/memory"
)

type harness struct {
	store session.Store
	reg   *rendezvous.Registry
	rec   *notify.Recorder
	orch  *Orchestrator

	cancel context.CancelFunc
	done   chan struct{}
}

type harnessConfig struct {
	opts  Options
	grace time.Duration
	store session.Store
	queue int
}

func fastOptions() Options {
	return Options{
		Workers:       2,
		InputTimeout:  2 * time.Second,
		DriverTimeout: time.Second,
		Backoff:       time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		NotifyTimeout: time.Second,
	}
}

func newHarness(t *testing.T, drv driver.Driver, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.store == nil {
		cfg.store = memory.New()
	}
	if cfg.queue == 0 {
		cfg.queue = 16
	}
	h := &harness{
		store: cfg.store,
		reg:   rendezvous.New(cfg.grace),
		rec:   &notify.Recorder{},
	}
	o, err := New(Deps{
		Store:     h.store,
		Registry:  h.reg,
		Queue:     queue.New(cfg.queue),
		Driver:    drv,
		Gateway:   h.rec,
		Artifacts: artifact.New(t.TempDir()),
		Logger:    zerolog.Nop(),
	}, cfg.opts)
	require.NoError(t, err)
	h.orch = o
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.orch.Run(ctx)
	}()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) waitKind(t *testing.T, id string, kind session.Kind) *session.Session {
	t.Helper()
	var last *session.Session
	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = s
		return s.State.Kind == kind
	}, 5*time.Second, 5*time.Millisecond, "session %s never reached %s", id, kind)
	return last
}

func (h *harness) waitParked(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.reg.Waiting(id) }, 5*time.Second, 5*time.Millisecond)
}

func path(s *session.Session) []string {
	out := make([]string, 0, len(s.History))
	for _, tr := range s.History {
		out = append(out, tr.From.String()+">"+tr.To.String())
	}
	return out
}

func png(name string) *driver.Artifact {
	return &driver.Artifact{Name: name, ContentType: "image/png", Data: []byte("\x89PNG" + name)}
}

func TestCaptchaResumeToSuccess(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(
		driver.Paused{Kind: "captcha", Message: "Solve it", Prompt: png("img1")},
		driver.Success{Message: "Booked", Result: png("result1")},
	)...)
	h := newHarness(t, drv, harnessConfig{opts: fastOptions()})
	h.start(t)
	ctx := context.Background()

	s, err := h.orch.Submit(ctx, "alice", "booking", "vault:alice")
	require.NoError(t, err)

	h.waitKind(t, s.ID, session.KindPaused)
	h.waitParked(t, s.ID)

	res := h.orch.HandleReply(ctx, notify.Reply{Owner: "alice", Text: "  XYZ  "})
	require.Equal(t, notify.ReplyDelivered, res.Status, "%v", res.Err)
	assert.Equal(t, s.ID, res.SessionID)

	final := h.waitKind(t, s.ID, session.KindSucceeded)
	assert.Equal(t, []string{
		"queued>running",
		"running>paused(captcha)",
		"paused(captcha)>running",
		"running>succeeded",
	}, path(final))
	assert.Equal(t, int64(5), final.Version)
	require.NoError(t, session.ValidatePath(final.History))

	require.Len(t, final.Artifacts, 2)
	assert.Equal(t, "img1", final.Artifacts[0].Name)
	assert.Equal(t, session.ArtifactPrompt, final.Artifacts[0].Kind)
	assert.Equal(t, "result1", final.Artifacts[1].Name)
	assert.Equal(t, final.Artifacts[0].Ref, final.History[1].ArtifactRef)

	calls := drv.Calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].Resume)
	assert.Equal(t, &driver.Input{Kind: "captcha", Value: "XYZ"}, calls[1].Resume)
	assert.Equal(t, "vault:alice", calls[0].CredentialsRef)

	require.Eventually(t, func() bool { return len(h.rec.ForSession(s.ID)) == 2 }, time.Second, 5*time.Millisecond)
	msgs := h.rec.ForSession(s.ID)
	assert.Equal(t, notify.KindPrompt, msgs[0].Kind)
	assert.Equal(t, "captcha", msgs[0].InputKind)
	assert.Equal(t, final.Artifacts[0].Ref, msgs[0].ArtifactRef)
	assert.Contains(t, msgs[0].Text, "Solve it")
	assert.Equal(t, notify.KindSucceeded, msgs[1].Kind)
	assert.Equal(t, final.Artifacts[1].Ref, msgs[1].ArtifactRef)

	assert.Equal(t, []string{s.ID}, drv.Released())
	assert.Empty(t, h.reg.Pending())
}

func TestInputTimeout(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(driver.Paused{Kind: "otp"})...)
	opts := fastOptions()
	opts.InputTimeout = 50 * time.Millisecond
	h := newHarness(t, drv, harnessConfig{opts: opts})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "bob", "login", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindFailed)
	assert.Equal(t, session.ReasonTimeout, final.State.Reason)
	assert.Equal(t, []string{
		"queued>running",
		"running>paused(otp)",
		"paused(otp)>failed(timeout)",
	}, path(final))
	assert.Empty(t, h.reg.Pending())

	require.Eventually(t, func() bool { return len(h.rec.ForSession(s.ID)) == 2 }, time.Second, 5*time.Millisecond)
	last := h.rec.ForSession(s.ID)[1]
	assert.Equal(t, notify.KindFailed, last.Kind)
	assert.Contains(t, last.Text, "took too long")

	// A late reply finds nobody.
	res := h.orch.Deliver(context.Background(), s.ID, "123456")
	assert.Equal(t, notify.ReplyNoWaiter, res.Status)
}

func TestLateReplyIsNotBufferedForFinishedSession(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(driver.Paused{Kind: "otp"})...)
	opts := fastOptions()
	opts.InputTimeout = 50 * time.Millisecond
	h := newHarness(t, drv, harnessConfig{opts: opts, grace: 30 * time.Second})
	h.start(t)
	ctx := context.Background()

	s, err := h.orch.Submit(ctx, "bob", "login", "")
	require.NoError(t, err)
	h.waitKind(t, s.ID, session.KindFailed)

	res := h.orch.HandleReply(ctx, notify.Reply{Owner: "bob", SessionHint: s.ID, Text: "123456"})
	assert.Equal(t, notify.ReplyNoWaiter, res.Status)
	assert.ErrorIs(t, res.Err, rendezvous.ErrNoWaiter)

	// Nothing was held for a later receiver.
	rc, err := h.reg.Register(s.ID)
	require.NoError(t, err)
	_, err = rc.Wait(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, rendezvous.ErrTimeout)

	res = h.orch.Deliver(ctx, "no-such-session", "1")
	assert.Equal(t, notify.ReplyNoWaiter, res.Status)
}

func TestTransientRetriesThenSuccess(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(
		driver.TransientError{Reason: "502"},
		driver.TransientError{Reason: "502"},
		driver.TransientError{Reason: "502"},
		driver.Success{},
	)...)
	h := newHarness(t, drv, harnessConfig{opts: fastOptions()})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "carol", "booking", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindSucceeded)
	assert.Equal(t, []string{"queued>running", "running>succeeded"}, path(final))

	calls := drv.Calls()
	require.Len(t, calls, 4)
	for i, c := range calls {
		assert.Equal(t, i+1, c.Attempt)
	}

	logs, err := h.orch.Logs(context.Background(), s.ID)
	require.NoError(t, err)
	warns := 0
	for _, l := range logs {
		if l.Level == session.LogWarn {
			warns++
		}
	}
	assert.Equal(t, 3, warns)
}

func TestTransientExhaustedBecomesFailure(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(
		driver.TransientError{Reason: "site down"},
		driver.TransientError{Reason: "site down"},
		driver.TransientError{Reason: "site down"},
	)...)
	opts := fastOptions()
	opts.DriverRetries = 2
	h := newHarness(t, drv, harnessConfig{opts: opts})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "dan", "booking", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindFailed)
	assert.Equal(t, "site down", final.State.Reason)
	assert.Len(t, drv.Calls(), 3)
}

func TestDriverErrorsEscalateToInternalError(t *testing.T) {
	boom := errors.New("browser crashed")
	drv := driver.NewScripted(
		driver.Result{Err: boom},
		driver.Result{Err: boom},
	)
	opts := fastOptions()
	opts.DriverRetries = 1
	h := newHarness(t, drv, harnessConfig{opts: opts})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "erin", "booking", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindFailed)
	assert.Equal(t, session.ReasonInternalError, final.State.Reason)

	require.Eventually(t, func() bool { return len(h.rec.ForSession(s.ID)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.rec.ForSession(s.ID)[0].Text, "not caused by your input")
}

func TestDriverTimeoutIsBounded(t *testing.T) {
	drv := driver.NewScripted(driver.Result{Outcome: driver.Success{}, Delay: 10 * time.Second})
	opts := fastOptions()
	opts.DriverTimeout = 20 * time.Millisecond
	opts.DriverRetries = -1
	h := newHarness(t, drv, harnessConfig{opts: opts})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "fay", "booking", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindFailed)
	assert.Equal(t, session.ReasonInternalError, final.State.Reason)
}

func TestFailureCarriesEvidence(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(
		driver.Failure{Reason: "invalid credentials", Evidence: png("login-error")},
	)...)
	h := newHarness(t, drv, harnessConfig{opts: fastOptions()})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "gus", "login", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindFailed)
	assert.Equal(t, "invalid credentials", final.State.Reason)
	require.Len(t, final.Artifacts, 1)
	assert.Equal(t, session.ArtifactSnapshot, final.Artifacts[0].Kind)

	require.Eventually(t, func() bool { return len(h.rec.ForSession(s.ID)) == 1 }, time.Second, 5*time.Millisecond)
	msg := h.rec.ForSession(s.ID)[0]
	assert.Equal(t, final.Artifacts[0].Ref, msg.ArtifactRef)
	assert.Contains(t, msg.Text, "invalid credentials")
}

func TestReplyRouting(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(
		driver.Paused{Kind: "captcha"},
		driver.Paused{Kind: "captcha"},
		driver.Success{},
	)...)
	opts := fastOptions()
	opts.Workers = 1
	h := newHarness(t, drv, harnessConfig{opts: opts})
	h.start(t)
	ctx := context.Background()

	res := h.orch.HandleReply(ctx, notify.Reply{Owner: "hana", Text: "abc"})
	assert.Equal(t, notify.ReplyNoWaiter, res.Status)

	res = h.orch.HandleReply(ctx, notify.Reply{Owner: "hana", Text: "   "})
	assert.Equal(t, notify.ReplyRejected, res.Status)
	assert.ErrorIs(t, res.Err, notify.ErrEmpty)

	a, err := h.orch.Submit(ctx, "hana", "booking", "")
	require.NoError(t, err)
	h.waitParked(t, a.ID)
	b, err := h.orch.Submit(ctx, "hana", "booking", "")
	require.NoError(t, err)
	h.waitParked(t, b.ID)

	res = h.orch.HandleReply(ctx, notify.Reply{Owner: "hana", Text: "abc"})
	assert.Equal(t, notify.ReplyAmbiguous, res.Status)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Candidates)

	res = h.orch.HandleReply(ctx, notify.Reply{Owner: "ivan", SessionHint: a.ID, Text: "abc"})
	assert.Equal(t, notify.ReplyRejected, res.Status)
	assert.ErrorIs(t, res.Err, notify.ErrNotOwner)

	res = h.orch.HandleReply(ctx, notify.Reply{Owner: "hana", SessionHint: b.ID[:8], Text: "abc"})
	require.Equal(t, notify.ReplyDelivered, res.Status, "%v", res.Err)
	assert.Equal(t, b.ID, res.SessionID)

	h.waitKind(t, b.ID, session.KindSucceeded)
	s, err := h.orch.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, session.KindPaused, s.State.Kind)
}

func TestEarlyReplyIsBufferedWithinGrace(t *testing.T) {
	drv := driver.NewScripted(
		driver.Result{Outcome: driver.Paused{Kind: "otp"}, Delay: 100 * time.Millisecond},
		driver.Result{Outcome: driver.Success{}},
	)
	h := newHarness(t, drv, harnessConfig{opts: fastOptions(), grace: time.Second})
	h.start(t)
	ctx := context.Background()

	s, err := h.orch.Submit(ctx, "jo", "login", "")
	require.NoError(t, err)
	h.waitKind(t, s.ID, session.KindRunning)

	res := h.orch.HandleReply(ctx, notify.Reply{Owner: "jo", Text: "424242"})
	require.Equal(t, notify.ReplyBuffered, res.Status, "%v", res.Err)

	h.waitKind(t, s.ID, session.KindSucceeded)
	calls := drv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "424242", calls[1].Resume.Value)
}

func TestSingleActivePerOwner(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(driver.Paused{Kind: "captcha"})...)
	opts := fastOptions()
	opts.SingleActivePerOwner = true
	h := newHarness(t, drv, harnessConfig{opts: opts})
	h.start(t)
	ctx := context.Background()

	s, err := h.orch.Submit(ctx, "kim", "booking", "")
	require.NoError(t, err)
	h.waitParked(t, s.ID)

	_, err = h.orch.Submit(ctx, "kim", "booking", "")
	assert.ErrorIs(t, err, ErrActiveSession)

	_, err = h.orch.Submit(ctx, "lee", "booking", "")
	assert.NoError(t, err)

	t.Run("concurrent submits", func(t *testing.T) {
		st := &slowListStore{Store: memory.New(), delay: 5 * time.Millisecond}
		h := newHarness(t, driver.NewScripted(driver.Outcomes(driver.Paused{Kind: "captcha"})...), harnessConfig{opts: opts, store: st})

		var (
			wg       sync.WaitGroup
			accepted atomic.Int32
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.orch.Submit(ctx, "zed", "booking", "")
				if err == nil {
					accepted.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrActiveSession)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), accepted.Load())

		list, err := st.ListByOwner(ctx, "zed")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

// slowListStore widens the gap between listing an owner's sessions and
// creating a new one.
type slowListStore struct {
	session.Store
	delay time.Duration
}

func (s *slowListStore) ListByOwner(ctx context.Context, owner string) ([]*session.Session, error) {
	list, err := s.Store.ListByOwner(ctx, owner)
	time.Sleep(s.delay)
	return list, err
}

func TestCancel(t *testing.T) {
	t.Run("paused", func(t *testing.T) {
		drv := driver.NewScripted(driver.Outcomes(driver.Paused{Kind: "captcha"})...)
		h := newHarness(t, drv, harnessConfig{opts: fastOptions()})
		h.start(t)
		ctx := context.Background()

		s, err := h.orch.Submit(ctx, "max", "booking", "")
		require.NoError(t, err)
		h.waitParked(t, s.ID)

		require.NoError(t, h.orch.Cancel(ctx, s.ID))
		final := h.waitKind(t, s.ID, session.KindFailed)
		assert.Equal(t, session.ReasonCancelled, final.State.Reason)
		assert.Equal(t, "paused(captcha)>failed(cancelled)", path(final)[2])
		assert.Empty(t, h.reg.Pending())

		err = h.orch.Cancel(ctx, s.ID)
		assert.ErrorIs(t, err, ErrTerminal)
	})

	t.Run("running step result is discarded", func(t *testing.T) {
		drv := driver.NewScripted(driver.Result{Outcome: driver.Success{}, Delay: 200 * time.Millisecond})
		h := newHarness(t, drv, harnessConfig{opts: fastOptions()})
		h.start(t)
		ctx := context.Background()

		s, err := h.orch.Submit(ctx, "ned", "booking", "")
		require.NoError(t, err)
		h.waitKind(t, s.ID, session.KindRunning)

		require.NoError(t, h.orch.Cancel(ctx, s.ID))
		final := h.waitKind(t, s.ID, session.KindFailed)
		assert.Equal(t, session.ReasonCancelled, final.State.Reason)
		assert.Equal(t, []string{"queued>running", "running>failed(cancelled)"}, path(final))
		require.Eventually(t, func() bool { return len(drv.Released()) == 1 }, time.Second, 5*time.Millisecond)
	})
}

// flakyStore fails UpdateState into selected states.
type flakyStore struct {
	session.Store
	failInto session.Kind
	// remaining failures; negative fails forever.
	remaining atomic.Int64
}

func (f *flakyStore) UpdateState(ctx context.Context, id string, v int64, next session.State, a *session.Artifact) (*session.Session, error) {
	if next.Kind == f.failInto && f.remaining.Load() != 0 {
		f.remaining.Add(-1)
		return nil, fmt.Errorf("%w: disk full", session.ErrStoreUnavailable)
	}
	return f.Store.UpdateState(ctx, id, v, next, a)
}

func TestStoreFailureIsRetried(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failInto: session.KindSucceeded}
	st.remaining.Store(2)
	drv := driver.NewScripted(driver.Outcomes(driver.Success{Result: png("done")})...)
	h := newHarness(t, drv, harnessConfig{opts: fastOptions(), store: st})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "olga", "booking", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindSucceeded)
	assert.Equal(t, []string{"queued>running", "running>succeeded"}, path(final))
	// The outcome was kept, the driver ran once.
	assert.Len(t, drv.Calls(), 1)
	require.Eventually(t, func() bool { return len(h.rec.ForSession(s.ID)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStoreFailureExhaustedForcesInternalError(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failInto: session.KindSucceeded}
	st.remaining.Store(-1)
	drv := driver.NewScripted(driver.Outcomes(driver.Success{})...)
	opts := fastOptions()
	opts.StepRetries = 2
	h := newHarness(t, drv, harnessConfig{opts: opts, store: st})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "pia", "booking", "")
	require.NoError(t, err)

	final := h.waitKind(t, s.ID, session.KindFailed)
	assert.Equal(t, session.ReasonInternalError, final.State.Reason)
	require.Eventually(t, func() bool { return len(h.rec.ForSession(s.ID)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, notify.KindFailed, h.rec.ForSession(s.ID)[0].Kind)
}

func TestPausedDequeuedWithoutInputIsInvariant(t *testing.T) {
	mem := memory.New()
	h := newHarness(t, driver.NewScripted(), harnessConfig{opts: fastOptions(), store: mem})
	ctx := context.Background()

	s := seed(t, mem, "quinn", session.Running(), session.Paused("captcha"))
	h.orch.Handle(ctx, s.ID)

	assert.Equal(t, int64(1), h.orch.InvariantViolations())
	got, err := mem.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.KindPaused, got.State.Kind)
}

func TestClaimIsExclusive(t *testing.T) {
	h := newHarness(t, driver.NewScripted(), harnessConfig{opts: fastOptions()})
	require.True(t, h.orch.claim("x"))
	assert.False(t, h.orch.claim("x"))
	h.orch.unclaim("x")
	assert.True(t, h.orch.claim("x"))
}

func TestBusySessionIsRequeued(t *testing.T) {
	h := newHarness(t, driver.NewScripted(), harnessConfig{opts: fastOptions()})
	ctx := context.Background()

	id, err := h.store.Create(ctx, &session.Session{Owner: "amy", Flow: "booking"})
	require.NoError(t, err)

	require.True(t, h.orch.claim(id))
	h.orch.Handle(ctx, id)
	h.orch.unclaim(id)

	require.Eventually(t, func() bool { return h.orch.queue.Len() == 1 }, time.Second, time.Millisecond)
	s, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.KindQueued, s.State.Kind)
}

func TestDrainsManySessions(t *testing.T) {
	var running, peak atomic.Int32
	drv := driver.Func(func(ctx context.Context, step driver.Step) (driver.Outcome, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return driver.Success{}, nil
	})
	opts := fastOptions()
	opts.Workers = 4
	h := newHarness(t, drv, harnessConfig{opts: opts, queue: 8})
	h.start(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.orch.Submit(ctx, fmt.Sprintf("owner-%d", i), "booking", "")
			if assert.NoError(t, err) {
				mu.Lock()
				ids = append(ids, s.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, ids, 50)

	for _, id := range ids {
		final := h.waitKind(t, id, session.KindSucceeded)
		assert.NoError(t, session.ValidatePath(final.History))
	}
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Zero(t, h.orch.InvariantViolations())
}

func TestShutdownLeavesPausedSessions(t *testing.T) {
	drv := driver.NewScripted(driver.Outcomes(driver.Paused{Kind: "otp"})...)
	h := newHarness(t, drv, harnessConfig{opts: fastOptions()})
	h.start(t)

	s, err := h.orch.Submit(context.Background(), "rae", "login", "")
	require.NoError(t, err)
	h.waitParked(t, s.ID)

	h.stop()
	got, err := h.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Paused("otp"), got.State)
}

func TestRecover(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	queued := seed(t, mem, "sam")
	running := seed(t, mem, "sam", session.Running())
	stale := seed(t, mem, "sam", session.Running(), session.Paused("captcha"))
	time.Sleep(1100 * time.Millisecond)
	fresh := seed(t, mem, "tia", session.Running(), session.Paused("otp"))

	drv := driver.NewScripted(driver.Outcomes(driver.Success{}, driver.Success{}, driver.Success{})...)
	opts := fastOptions()
	opts.InputTimeout = time.Second
	opts.Workers = 1
	h := newHarness(t, drv, harnessConfig{opts: opts, store: mem})
	h.start(t)

	h.waitKind(t, queued.ID, session.KindSucceeded)
	h.waitKind(t, running.ID, session.KindSucceeded)

	final := h.waitKind(t, stale.ID, session.KindFailed)
	assert.Equal(t, session.ReasonTimeout, final.State.Reason)

	h.waitParked(t, fresh.ID)
	msgs := h.rec.ForSession(fresh.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindPrompt, msgs[0].Kind)
	assert.True(t, strings.Contains(msgs[0].Text, "restarted"))

	res := h.orch.HandleReply(ctx, notify.Reply{Owner: "tia", Text: "9999"})
	require.Equal(t, notify.ReplyDelivered, res.Status, "%v", res.Err)
	h.waitKind(t, fresh.ID, session.KindSucceeded)
}

// seed creates a session for owner and walks it through states.
func seed(t *testing.T, st session.Store, owner string, states ...session.State) *session.Session {
	t.Helper()
	ctx := context.Background()
	id, err := st.Create(ctx, &session.Session{Owner: owner, Flow: "booking"})
	require.NoError(t, err)
	s, err := st.Get(ctx, id)
	require.NoError(t, err)
	for _, next := range states {
		s, err = st.UpdateState(ctx, id, s.Version, next, nil)
		require.NoError(t, err)
	}
	return s
}
