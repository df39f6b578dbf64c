package api

import (
	"encoding/json"

	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

// AddTaskRequest is the JSON body for POST /tasks.
type AddTaskRequest struct {
	Payload queue.Payload `json:"payload"`
	Origin  string        `json:"origin,omitempty"`
	// Priority is a name (low, normal, high, urgent) or 1-4.
	Priority   json.RawMessage `json:"priority,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// AddTaskResponse is returned when a task is admitted.
type AddTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Waiting   []*queue.Task `json:"waiting"`
	Executing []*queue.Task `json:"executing"`
	Completed []*queue.Task `json:"completed"`
	Failed    []*queue.Task `json:"failed"`
	Depth     queue.Depth   `json:"depth"`
}

// CallRequest is the JSON body for POST /calls/{operation}.
type CallRequest struct {
	Args   map[string]any `json:"args,omitempty"`
	Origin string         `json:"origin,omitempty"`
}

// CallResponse carries whatever the guarded call returned: the inline result
// under local mode, a queue acknowledgement under network mode, or the
// transfer marker under remote mode.
type CallResponse struct {
	Operation string         `json:"operation"`
	Mode      intercept.Mode `json:"mode"`
	Result    any            `json:"result"`
}

// ModeRequest is the JSON body for POST /mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// ResumeRequest is the JSON body for POST /executions/resume. With All set
// every blocked call is released.
type ResumeRequest struct {
	ExecutionID string `json:"execution_id,omitempty"`
	All         bool   `json:"all,omitempty"`
	Result      any    `json:"result,omitempty"`
}

// ResumeResponse reports how many blocked calls were released.
type ResumeResponse struct {
	Released int `json:"released"`
}

// ExecutionsResponse is returned by GET /executions.
type ExecutionsResponse struct {
	Pending []string             `json:"pending"`
	Journal []coordinator.Record `json:"journal"`
}

// RemoteResponse is returned by GET /remote.
type RemoteResponse struct {
	Drained    bool                         `json:"drained"`
	Executions []intercept.ExecutionContext `json:"executions"`
}

// OriginsResponse lists blocked origins.
type OriginsResponse struct {
	Blocked []string `json:"blocked"`
}

// EnabledRequest is the JSON body for PUT /devices/{id}/enabled.
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Mode          intercept.Mode `json:"mode"`
	QueueDepth    int            `json:"queue_depth"`
}
