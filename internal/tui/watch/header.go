package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
)

// HealthState is what the header shows, refreshed from /status.
type HealthState struct {
	Status    coordinator.ServiceStatus
	Connected bool
	LastCheck time.Time
}

func renderHeader(h HealthState, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	conn := theme.StatusOK.Render("CONNECTED")
	if !h.Connected {
		conn = theme.StatusFailed.Render("CONNECTING")
	}

	mode := string(h.Status.Mode)
	if mode == "" {
		mode = "?"
	}
	modeStr := theme.modeStyle(mode).Render(strings.ToUpper(mode))

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := " PIXELDISPATCH WATCH"
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	d := h.Status.QueueDepth
	statsLine := fmt.Sprintf(" %s  mode %s  waiting %d  executing %d  completed %d  failed %d",
		conn, modeStr, d.Waiting, d.Executing, d.Completed, d.Failed)

	blocked := theme.Dim.Render("none")
	if h.Status.Pending > 0 {
		blocked = theme.Highlight.Render(fmt.Sprintf("%d blocked", h.Status.Pending))
	}
	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(pulse.LastEvent()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" calls: %s  origins blocked: %d  last event: %s %s",
		blocked, len(h.Status.BlockedOrigins), lastEvent, pulse.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
