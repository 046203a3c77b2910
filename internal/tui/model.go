// Package tui is the `pitstop watch` dashboard: a live table of one owner's
// sessions, refreshed from the HTTP API.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/igoryan-dao/pitstop/internal/orchestrator"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// Source is what the dashboard polls. *api.Client implements it.
type Source interface {
	List(ctx context.Context, owner string) ([]*session.Session, error)
	Health(ctx context.Context) (orchestrator.Stats, error)
	Cancel(ctx context.Context, id string) error
}

// -- Messages --

type tickMsg time.Time

type refreshMsg struct {
	sessions []*session.Session
	stats    orchestrator.Stats
	err      error
}

type cancelledMsg struct {
	id  string
	err error
}

var columns = []table.Column{
	{Title: "ID", Width: 10},
	{Title: "FLOW", Width: 18},
	{Title: "STATE", Width: 20},
	{Title: "UPDATED", Width: 10},
	{Title: "ARTIFACTS", Width: 9},
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	ctx      context.Context
	src      Source
	owner    string
	interval time.Duration

	table    table.Model
	sessions []*session.Session
	stats    orchestrator.Stats
	err      error
	notice   string
	updated  time.Time
	width    int
}

func NewModel(ctx context.Context, src Source, owner string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(MutedGray).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(White).
		Background(BurntOrange).
		Bold(false)
	t.SetStyles(s)

	return Model{ctx: ctx, src: src, owner: owner, interval: interval, table: t}
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		list, err := m.src.List(ctx, m.owner)
		if err != nil {
			return refreshMsg{err: err}
		}
		stats, err := m.src.Health(ctx)
		return refreshMsg{sessions: list, stats: stats, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "c":
			id := m.selectedID()
			if id == "" {
				return m, nil
			}
			src, ctx := m.src, m.ctx
			return m, func() tea.Msg {
				return cancelledMsg{id: id, err: src.Cancel(ctx, id)}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		// header box, stats line, footer
		m.table.SetHeight(max(msg.Height-8, 3))
		return m, nil

	case tickMsg:
		return m, m.refresh()

	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.sessions = msg.sessions
			m.stats = msg.stats
			m.updated = time.Now()
			m.table.SetRows(Rows(msg.sessions, m.updated))
		}
		return m, m.tick()

	case cancelledMsg:
		if msg.err != nil {
			m.notice = ErrorStyle.Render("cancel " + short(msg.id) + ": " + msg.err.Error())
		} else {
			m.notice = "cancellation requested for " + short(msg.id)
		}
		return m, m.refresh()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) selectedID() string {
	row := m.table.SelectedRow()
	if row == nil {
		return ""
	}
	for _, s := range m.sessions {
		if short(s.ID) == row[0] {
			return s.ID
		}
	}
	return ""
}

func (m Model) View() string {
	var b strings.Builder

	header := HeaderLabelStyle.Render("pitstop") + " " + m.owner
	b.WriteString(HeaderStyle.Render(header))
	b.WriteString("\n")

	st := m.stats
	b.WriteString(MetaStyle.Render(fmt.Sprintf("queue %d/%d · workers %d · active %d · waiting for input %d",
		st.Queued, st.Capacity, st.Workers, st.Active, st.Parked)))
	if st.InvariantViolations > 0 {
		b.WriteString(" " + ErrorStyle.Render(fmt.Sprintf("· %d invariant violations", st.InvariantViolations)))
	}
	b.WriteString("\n")

	b.WriteString(m.table.View())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(ErrorStyle.Render("⚠ " + m.err.Error()))
		b.WriteString("\n")
	} else if m.notice != "" {
		b.WriteString(m.notice)
		b.WriteString("\n")
	}
	b.WriteString(FooterStyle.Render("↑/↓ select · c cancel · r refresh · q quit"))
	return b.String()
}

// Rows converts sessions to table rows, newest first.
func Rows(list []*session.Session, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		s := list[i]
		rows = append(rows, table.Row{
			short(s.ID),
			s.Flow,
			stateStyle(s.State.Kind).Render(s.State.String()),
			ago(now, s.UpdatedAt),
			fmt.Sprint(len(s.Artifacts)),
		})
	}
	return rows
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
