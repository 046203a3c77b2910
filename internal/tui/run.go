package tui

import (
	"context"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Run shows the dashboard on a terminal. When out is not a terminal it prints
// one plain snapshot instead.
func Run(ctx context.Context, src Source, owner string, interval time.Duration, out *os.File) error {
	if !isatty.IsTerminal(out.Fd()) && !isatty.IsCygwinTerminal(out.Fd()) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return Snapshot(ctx, src, owner, out)
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())

	p := tea.NewProgram(NewModel(ctx, src, owner, interval),
		tea.WithContext(ctx),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Snapshot writes the owner's sessions once as a borderless table.
func Snapshot(ctx context.Context, src Source, owner string, w io.Writer) error {
	list, err := src.List(ctx, owner)
	if err != nil {
		return err
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderHeader(false).
		Headers("ID", "FLOW", "STATE", "UPDATED", "ARTIFACTS")
	for _, r := range Rows(list, time.Now()) {
		t.Row(r...)
	}
	_, err = io.WriteString(w, t.Render()+"\n")
	return err
}
