package watch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pixeldispatch/internal/events"
)

const (
	eventLogSize  = 50
	eventLogShown = 10
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("EVENT STREAM")

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  Waiting for events...")),
		)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventLogShown {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var style lipgloss.Style
	switch e.Type {
	case events.TaskCompleted, events.ExecutionResumed:
		style = theme.StatusOK
	case events.TaskFailed:
		style = theme.StatusFailed
	case events.TaskStarted, events.TaskRetrying, events.ExecutionBlocked:
		style = theme.StatusRunning
	case events.ModeChanged, events.ExecutionTransferred:
		style = theme.Highlight
	default:
		style = theme.Dim
	}
	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-22s", e.Type)), describeEvent(e))
}

// describeEvent pulls the few fields worth showing out of an event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"task_id", "id", "execution_id"} {
		if id, ok := data[key].(string); ok && id != "" {
			parts = append(parts, "["+shortID(id)+"]")
			break
		}
	}
	for _, key := range []string{"operation", "operation_name", "kind", "status", "error"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if to, ok := data["to"].(string); ok {
		parts = append(parts, "→ "+to)
	}
	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 && i < len(id)-1 {
		id = id[i+1:]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func itoa(n int) string { return strconv.Itoa(n) }
