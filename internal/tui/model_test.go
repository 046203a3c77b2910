package tui

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/pitstop/internal/orchestrator"
	"github.com/igoryan-dao/pitstop/internal/session"
)

type fakeSource struct {
	list      []*session.Session
	err       error
	cancelled []string
}

func (f *fakeSource) List(context.Context, string) ([]*session.Session, error) { return f.list, f.err }

func (f *fakeSource) Health(context.Context) (orchestrator.Stats, error) {
	return orchestrator.Stats{Queued: 1, Capacity: 8, Workers: 2, Active: 1, Parked: 1}, nil
}

func (f *fakeSource) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func sessions(now time.Time) []*session.Session {
	return []*session.Session{
		{ID: "aaaaaaaa-1111", Flow: "booking", State: session.Succeeded(), UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "bbbbbbbb-2222", Flow: "renewal", State: session.Paused("otp"), UpdatedAt: now.Add(-30 * time.Second),
			Artifacts: []session.Artifact{{Ref: "x"}}},
	}
}

func TestRowsNewestFirst(t *testing.T) {
	now := time.Now()
	rows := Rows(sessions(now), now)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"bbbbbbbb", "renewal", "paused(otp)", "30s", "1"}, []string(rows[0]))
	assert.Equal(t, "2h", rows[1][3])
}

func TestRefreshFillsTable(t *testing.T) {
	src := &fakeSource{list: sessions(time.Now())}
	m := NewModel(context.Background(), src, "alice", time.Second)

	msg := m.Init()()
	next, cmd := m.Update(msg)
	m = next.(Model)
	assert.NotNil(t, cmd, "refresh schedules the next tick")
	assert.Len(t, m.table.Rows(), 2)

	view := m.View()
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "queue 1/8")
	assert.Contains(t, view, "renewal")
}

func TestRefreshErrorKeepsRows(t *testing.T) {
	src := &fakeSource{list: sessions(time.Now())}
	m := NewModel(context.Background(), src, "alice", time.Second)
	next, _ := m.Update(m.Init()())
	m = next.(Model)

	next, _ = m.Update(refreshMsg{err: errors.New("connection refused")})
	m = next.(Model)
	assert.Len(t, m.table.Rows(), 2)
	assert.Contains(t, m.View(), "connection refused")
}

func TestCancelSelected(t *testing.T) {
	src := &fakeSource{list: sessions(time.Now())}
	m := NewModel(context.Background(), src, "alice", time.Second)
	next, _ := m.Update(m.Init()())
	m = next.(Model)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	m = next.(Model)
	require.NotNil(t, cmd)
	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.Equal(t, []string{"bbbbbbbb-2222"}, src.cancelled)
	assert.Contains(t, m.View(), "cancellation requested for bbbbbbbb")
}

func TestQuit(t *testing.T) {
	m := NewModel(context.Background(), &fakeSource{}, "alice", 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestSnapshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Snapshot(context.Background(), &fakeSource{list: sessions(time.Now())}, "alice", &buf))
	out := buf.String()
	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, "paused(otp)")
	assert.Contains(t, out, "booking")
}
