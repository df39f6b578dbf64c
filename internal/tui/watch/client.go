package watch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/pixeldispatch/internal/api"
	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/events"
)

type eventMsg events.Event

type statusMsg coordinator.ServiceStatus

// statusRefreshMsg is a one-off status read that does not reschedule polling.
type statusRefreshMsg coordinator.ServiceStatus

type tasksMsg api.TaskListResponse

type actionMsg struct {
	text string
	err  error
}

type tickMsg time.Time

// pollErrMsg reports a failed poll; retry restarts that poll.
type pollErrMsg struct {
	err   error
	retry tea.Cmd
}

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to the admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) postJSON(ctx context.Context, path string, body, v any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, e.Error)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (coordinator.ServiceStatus, error) {
	var st coordinator.ServiceStatus
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

// Tasks fetches GET /tasks.
func (c *Client) Tasks(ctx context.Context) (api.TaskListResponse, error) {
	var tl api.TaskListResponse
	err := c.getJSON(ctx, "/tasks", &tl)
	return tl, err
}

// SetMode posts to /mode.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.postJSON(ctx, "/mode", api.ModeRequest{Mode: mode}, nil)
}

// ResumeAll releases every blocked execution.
func (c *Client) ResumeAll(ctx context.Context) (int, error) {
	var resp api.ResumeResponse
	err := c.postJSON(ctx, "/executions/resume", api.ResumeRequest{All: true}, &resp)
	return resp.Released, err
}

// Stream reads /events and sends each event on ch until the connection ends.
func (c *Client) Stream(ctx context.Context, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	// The stream is long-lived; the client timeout would cut it.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readSSE(resp.Body, ch)
}

func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(line[6:])
		}
	}
	return scanner.Err()
}

// --- Commands ---

func subscribeToEvents(c *Client, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(context.Background(), ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchStatus(c *Client) tea.Cmd {
	return func() tea.Msg {
		st, err := c.Status(context.Background())
		if err != nil {
			return pollErrMsg{err: err, retry: fetchStatus(c)}
		}
		return statusMsg(st)
	}
}

func refreshStatus(c *Client) tea.Cmd {
	return func() tea.Msg {
		st, err := c.Status(context.Background())
		if err != nil {
			return actionMsg{err: err}
		}
		return statusRefreshMsg(st)
	}
}

func fetchTasks(c *Client) tea.Cmd {
	return func() tea.Msg {
		tl, err := c.Tasks(context.Background())
		if err != nil {
			return pollErrMsg{err: err, retry: fetchTasks(c)}
		}
		return tasksMsg(tl)
	}
}

func switchMode(c *Client, mode string) tea.Cmd {
	return func() tea.Msg {
		if err := c.SetMode(context.Background(), mode); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: "mode → " + mode}
	}
}

func resumeAll(c *Client) tea.Cmd {
	return func() tea.Msg {
		n, err := c.ResumeAll(context.Background())
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: fmt.Sprintf("released %d blocked call(s)", n)}
	}
}
