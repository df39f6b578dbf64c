package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pixeldispatch/internal/events"
)

// BlockedCall is a network-mode call waiting on its execution id.
type BlockedCall struct {
	ExecutionID string
	Operation   string
	Since       time.Time
}

type blockedPayload struct {
	ExecutionID   string    `json:"execution_id"`
	OperationName string    `json:"operation_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// updateBlocked tracks execution.blocked / execution.resumed pairs. A mode
// change to local clears everything since it releases every waiter.
func updateBlocked(blocked map[string]*BlockedCall, e events.Event) {
	switch e.Type {
	case events.ExecutionBlocked:
		var p blockedPayload
		if err := e.Decode(&p); err != nil || p.ExecutionID == "" {
			return
		}
		since := p.Timestamp
		if since.IsZero() {
			since = e.At
		}
		blocked[p.ExecutionID] = &BlockedCall{ExecutionID: p.ExecutionID, Operation: p.OperationName, Since: since}
	case events.ExecutionResumed:
		var p blockedPayload
		if err := e.Decode(&p); err == nil {
			delete(blocked, p.ExecutionID)
		}
	case events.ModeChanged:
		var p struct {
			To string `json:"to"`
		}
		if err := e.Decode(&p); err == nil && p.To == "local" {
			clear(blocked)
		}
	}
}

func renderBlocked(blocked map[string]*BlockedCall, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4
	title := theme.Title.Render("BLOCKED CALLS")
	if len(blocked) == 0 {
		return theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  none")),
		)
	}

	calls := make([]*BlockedCall, 0, len(blocked))
	for _, c := range blocked {
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Since.Before(calls[j].Since) })

	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		lines = append(lines, fmt.Sprintf(" %s %-24s %s",
			theme.Highlight.Render("⏸"),
			c.Operation,
			theme.Dim.Render(c.ExecutionID+"  "+formatDuration(now.Sub(c.Since))),
		))
	}
	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n")),
	)
}
