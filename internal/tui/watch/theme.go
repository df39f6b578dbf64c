// Package watch implements the `system watch` TUI: a live view of mode,
// queue, blocked executions and the event stream of a running service.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every style in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style

	ModeLocal   lipgloss.Style
	ModeNetwork lipgloss.Style
	ModeRemote  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		ModeLocal:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#98C379")),
		ModeNetwork: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E5C07B")),
		ModeRemote:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C678DD")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// modeStyle picks the style for a mode name.
func (t Theme) modeStyle(mode string) lipgloss.Style {
	switch mode {
	case "network":
		return t.ModeNetwork
	case "remote":
		return t.ModeRemote
	default:
		return t.ModeLocal
	}
}

// statusStyle picks the style for a task status.
func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return t.StatusOK
	case "executing":
		return t.StatusRunning
	case "failed":
		return t.StatusFailed
	default:
		return t.StatusQueued
	}
}
