package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/igoryan-dao/pitstop/internal/session"
)

// Colors
var (
	BurntOrange = lipgloss.Color("#DA702C")
	MutedGray   = lipgloss.Color("245")
	White       = lipgloss.Color("#FFFFFF")
	Cyan        = lipgloss.Color("86")
	Red         = lipgloss.Color("196")
	Green       = lipgloss.Color("#2E8B57")
	Yellow      = lipgloss.Color("#F1C40F")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BurntOrange).
			Padding(0, 1).
			Foreground(White)

	HeaderLabelStyle = lipgloss.NewStyle().
				Foreground(BurntOrange).
				Bold(true)

	FooterStyle = lipgloss.NewStyle().Foreground(MutedGray)
	ErrorStyle  = lipgloss.NewStyle().Foreground(Red)
	MetaStyle   = lipgloss.NewStyle().Foreground(MutedGray)
)

// stateStyle colors a state cell.
func stateStyle(k session.Kind) lipgloss.Style {
	switch k {
	case session.KindPaused:
		return lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	case session.KindRunning:
		return lipgloss.NewStyle().Foreground(Cyan)
	case session.KindSucceeded:
		return lipgloss.NewStyle().Foreground(Green)
	case session.KindFailed:
		return lipgloss.NewStyle().Foreground(Red)
	default:
		return lipgloss.NewStyle().Foreground(MutedGray)
	}
}
