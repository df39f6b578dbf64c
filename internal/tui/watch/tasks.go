package watch

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pixeldispatch/internal/api"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

const maxTaskRows = 12

func newTaskTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 8},
			{Title: "Status", Width: 10},
			{Title: "Prio", Width: 7},
			{Title: "Kind", Width: 8},
			{Title: "Origin", Width: 12},
			{Title: "Tries", Width: 5},
			{Title: "Device", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(maxTaskRows),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// taskRows lists executing, then waiting in serve order, then the most
// recent finished tasks.
func taskRows(tl api.TaskListResponse) []table.Row {
	var rows []table.Row
	add := func(list []*queue.Task) {
		for _, t := range list {
			if len(rows) >= maxTaskRows {
				return
			}
			rows = append(rows, taskRow(t))
		}
	}
	add(tl.Executing)
	add(tl.Waiting)
	add(newestFirst(tl.Failed))
	add(newestFirst(tl.Completed))
	return rows
}

func taskRow(t *queue.Task) table.Row {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	origin := t.Origin
	if origin == "" {
		origin = "-"
	}
	dev := t.Device
	if dev == "" {
		dev = "-"
	}
	return table.Row{
		id,
		string(t.Status),
		t.Priority.String(),
		string(t.Payload.Type),
		origin,
		itoa(t.RetryCount) + "/" + itoa(t.MaxRetries),
		dev,
	}
}

func newestFirst(list []*queue.Task) []*queue.Task {
	out := make([]*queue.Task, len(list))
	for i, t := range list {
		out[len(list)-1-i] = t
	}
	return out
}

func renderTasks(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("TASKS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}
