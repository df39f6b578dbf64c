package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pixeldispatch/internal/api"
	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/events"
)

const (
	statusPoll = 2 * time.Second
	retryDelay = 5 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health   HealthState
	tasks    table.Model
	blocked  map[string]*BlockedCall
	eventLog []events.Event

	pulse Pulse
	theme Theme
	now   func() time.Time

	hubEvents chan events.Event

	lastError  string
	lastAction string
}

func New(apiURL string) *Model {
	return &Model{
		client:    NewClient(apiURL),
		tasks:     newTaskTable(),
		blocked:   make(map[string]*BlockedCall),
		hubEvents: make(chan events.Event, 100),
		pulse:     NewPulse(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchStatus(m.client),
		fetchTasks(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "l":
			return m, switchMode(m.client, "local")
		case "n":
			return m, switchMode(m.client, "network")
		case "r":
			return m, switchMode(m.client, "remote")
		case "R":
			return m, resumeAll(m.client)
		}
		var cmd tea.Cmd
		m.tasks, cmd = m.tasks.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.pulse.Decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.pulse.OnEvent(m.now())
		updateBlocked(m.blocked, e)
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.health.Status = coordinator.ServiceStatus(msg)
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(statusPoll, func(time.Time) tea.Msg { return fetchStatus(m.client)() })

	case tasksMsg:
		m.tasks.SetRows(taskRows(api.TaskListResponse(msg)))
		return m, tea.Tick(statusPoll, func(time.Time) tea.Msg { return fetchTasks(m.client)() })

	case statusRefreshMsg:
		m.health.Status = coordinator.ServiceStatus(msg)
		m.health.LastCheck = m.now()

	case actionMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
			return m, nil
		}
		m.lastAction = msg.text
		m.lastError = ""
		return m, refreshStatus(m.client)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.hubEvents)

	case pollErrMsg:
		m.health.Connected = false
		m.lastError = msg.err.Error()
		return m, tea.Tick(retryDelay, func(time.Time) tea.Msg { return msg.retry() })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.pulse, m.theme, m.width, now),
		renderTasks(m.tasks, m.theme, m.width),
		renderBlocked(m.blocked, m.theme, m.width, now),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.lastAction != "" {
		parts = append(parts, m.theme.StatusOK.Render(" ✓ "+m.lastAction))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit • [l/n/r] mode local/network/remote • [R] release blocked • [↑/↓] tasks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
