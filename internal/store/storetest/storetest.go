// Package storetest is the behavioural contract every session.Store backend
// must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/session"
)

// Factory returns a fresh, empty store. Cleanup is registered on t by the factory.
type Factory func(t *testing.T) session.Store

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, newStore(t)) })
	t.Run("UpdateStateHistory", func(t *testing.T) { testUpdateStateHistory(t, newStore(t)) })
	t.Run("IllegalTransition", func(t *testing.T) { testIllegalTransition(t, newStore(t)) })
	t.Run("StaleVersion", func(t *testing.T) { testStaleVersion(t, newStore(t)) })
	t.Run("ConcurrentUpdateExactlyOneWins", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("TerminalIsStable", func(t *testing.T) { testTerminalStable(t, newStore(t)) })
	t.Run("LateArtifact", func(t *testing.T) { testLateArtifact(t, newStore(t)) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, newStore(t)) })
	t.Run("ListByOwnerOrdered", func(t *testing.T) { testListByOwner(t, newStore(t)) })
	t.Run("ListByKind", func(t *testing.T) { testListByKind(t, newStore(t)) })
}

func create(t *testing.T, st session.Store, owner string) *session.Session {
	t.Helper()
	id, err := st.Create(context.Background(), &session.Session{Owner: owner, Flow: "renewal", CredentialsRef: "vault:" + owner})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	s, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func testCreateGet(t *testing.T, st session.Store) {
	s := create(t, st, "alice")

	assert.Equal(t, "alice", s.Owner)
	assert.Equal(t, "renewal", s.Flow)
	assert.Equal(t, "vault:alice", s.CredentialsRef)
	assert.Equal(t, session.Queued(), s.State)
	assert.Equal(t, int64(1), s.Version)
	assert.Empty(t, s.History)
	assert.False(t, s.CreatedAt.IsZero())
	assert.False(t, s.UpdatedAt.Before(s.CreatedAt))

	_, err := st.Create(context.Background(), &session.Session{})
	assert.Error(t, err, "owner is required")
}

func testNotFound(t *testing.T, st session.Store) {
	ctx := context.Background()
	_, err := st.Get(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = st.UpdateState(ctx, "missing", 1, session.Running(), nil)
	assert.ErrorIs(t, err, session.ErrNotFound)

	assert.ErrorIs(t, st.AttachArtifact(ctx, "missing", session.Artifact{Ref: "x"}), session.ErrNotFound)
	assert.ErrorIs(t, st.AppendLog(ctx, "missing", session.LogInfo, "x"), session.ErrNotFound)
}

func testDuplicateID(t *testing.T, st session.Store) {
	ctx := context.Background()
	_, err := st.Create(ctx, &session.Session{ID: "fixed", Owner: "bob"})
	require.NoError(t, err)
	_, err = st.Create(ctx, &session.Session{ID: "fixed", Owner: "bob"})
	assert.ErrorIs(t, err, session.ErrAlreadyExists)
}

func testUpdateStateHistory(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := create(t, st, "alice")

	s, err := st.UpdateState(ctx, s.ID, s.Version, session.Running(), nil)
	require.NoError(t, err)
	prompt := &session.Artifact{Ref: "blob/img1", Name: "captcha.png", Kind: session.ArtifactPrompt, ContentType: "image/png"}
	s, err = st.UpdateState(ctx, s.ID, s.Version, session.Paused("captcha"), prompt)
	require.NoError(t, err)
	s, err = st.UpdateState(ctx, s.ID, s.Version, session.Running(), nil)
	require.NoError(t, err)
	result := &session.Artifact{Ref: "blob/result1", Name: "final.png", Kind: session.ArtifactResult}
	_, err = st.UpdateState(ctx, s.ID, s.Version, session.Succeeded(), result)
	require.NoError(t, err)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Succeeded(), got.State)
	assert.Equal(t, int64(5), got.Version)
	require.Len(t, got.History, 4)
	require.NoError(t, session.ValidatePath(got.History))
	assert.Equal(t, session.Paused("captcha"), got.History[1].To)
	assert.Equal(t, "blob/img1", got.History[1].ArtifactRef)
	assert.Equal(t, "blob/result1", got.History[3].ArtifactRef)

	require.Len(t, got.Artifacts, 2)
	assert.Equal(t, "blob/img1", got.Artifacts[0].Ref)
	assert.Equal(t, session.ArtifactPrompt, got.Artifacts[0].Kind)
	assert.Equal(t, "image/png", got.Artifacts[0].ContentType)
	assert.Equal(t, "blob/result1", got.Artifacts[1].Ref)

	for i := 1; i < len(got.History); i++ {
		assert.False(t, got.History[i].At.Before(got.History[i-1].At), "history timestamps must not decrease")
	}
	assert.False(t, got.UpdatedAt.Before(got.History[3].At))
}

func testIllegalTransition(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := create(t, st, "alice")

	_, err := st.UpdateState(ctx, s.ID, s.Version, session.Succeeded(), nil)
	assert.ErrorIs(t, err, session.ErrIllegalTransition)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Queued(), got.State)
	assert.Equal(t, s.Version, got.Version)
	assert.Empty(t, got.History)
}

func testStaleVersion(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := create(t, st, "alice")

	_, err := st.UpdateState(ctx, s.ID, s.Version, session.Running(), nil)
	require.NoError(t, err)
	_, err = st.UpdateState(ctx, s.ID, s.Version, session.Failed(session.ReasonCancelled), nil)
	assert.ErrorIs(t, err, session.ErrConflict)
}

func testConcurrentUpdate(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := create(t, st, "alice")

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := st.UpdateState(ctx, s.ID, s.Version, session.Running(), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, session.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, racers-1, conflicts)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
}

func testTerminalStable(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := create(t, st, "alice")
	s, err := st.UpdateState(ctx, s.ID, s.Version, session.Running(), nil)
	require.NoError(t, err)
	s, err = st.UpdateState(ctx, s.ID, s.Version, session.Failed("rejected"), nil)
	require.NoError(t, err)

	for _, next := range []session.State{session.Running(), session.Succeeded(), session.Failed(session.ReasonTimeout), session.Paused("otp")} {
		_, err := st.UpdateState(ctx, s.ID, s.Version, next, nil)
		assert.ErrorIs(t, err, session.ErrIllegalTransition, "from failed to %s", next)
	}
	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Failed("rejected"), got.State)
}

func testLateArtifact(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := create(t, st, "alice")
	s, err := st.UpdateState(ctx, s.ID, s.Version, session.Running(), nil)
	require.NoError(t, err)
	s, err = st.UpdateState(ctx, s.ID, s.Version, session.Succeeded(), nil)
	require.NoError(t, err)

	require.NoError(t, st.AttachArtifact(ctx, s.ID, session.Artifact{Ref: "blob/log", Name: "run.log", Kind: session.ArtifactLog}))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Succeeded(), got.State)
	assert.Equal(t, s.Version, got.Version)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, session.ArtifactLog, got.Artifacts[0].Kind)
	assert.Len(t, got.History, 2)
}

func testLogs(t *testing.T, st session.Store) {
	ctx := context.Background()
	s := create(t, st, "alice")

	require.NoError(t, st.AppendLog(ctx, s.ID, session.LogInfo, "navigated"))
	require.NoError(t, st.AppendLog(ctx, s.ID, session.LogWarn, "captcha rejected"))

	logs, err := st.Logs(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "navigated", logs[0].Text)
	assert.Equal(t, session.LogInfo, logs[0].Level)
	assert.Equal(t, session.LogWarn, logs[1].Level)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.History, "logs are not transitions")
}

func testListByOwner(t *testing.T, st session.Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, owner := range []string{"alice", "bob", "alice", "alice"} {
		_, err := st.Create(ctx, &session.Session{Owner: owner, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	list, err := st.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i-1].CreatedAt.Before(list[i].CreatedAt))
	}

	none, err := st.ListByOwner(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListByKind(t *testing.T, st session.Store) {
	ctx := context.Background()
	a := create(t, st, "alice")
	b := create(t, st, "bob")
	create(t, st, "carol")

	_, err := st.UpdateState(ctx, a.ID, a.Version, session.Running(), nil)
	require.NoError(t, err)
	b, err = st.UpdateState(ctx, b.ID, b.Version, session.Running(), nil)
	require.NoError(t, err)
	_, err = st.UpdateState(ctx, b.ID, b.Version, session.Paused("otp"), nil)
	require.NoError(t, err)

	running, err := st.ListByKind(ctx, session.KindRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	active, err := st.ListByKind(ctx, session.KindQueued, session.KindRunning, session.KindPaused)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}
