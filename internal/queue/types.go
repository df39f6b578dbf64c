package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority orders admission. Higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePriority accepts a name (low, normal, high, urgent) or its numeric value.
// The empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return Priority(n), nil
}

// Kind tags the payload so executors can be resolved without string matching
// on operation names.
type Kind string

const (
	KindDisplay Kind = "display"
	KindTimer   Kind = "timer"
	KindGeneric Kind = "generic"
)

// NormalizeKind maps anything unrecognized to KindGeneric.
func NormalizeKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDisplay:
		return KindDisplay
	case KindTimer:
		return KindTimer
	default:
		return KindGeneric
	}
}

// Payload describes the work a task performs.
type Payload struct {
	Type   Kind           `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

type Task struct {
	ID          string    `json:"id"`
	Origin      string    `json:"origin"`
	Payload     Payload   `json:"payload"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	Seq         uint64    `json:"seq"`
	LastError   string    `json:"last_error,omitempty"`
	Result      any       `json:"result,omitempty"`
	Device      string    `json:"device,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	if t.Payload.Params != nil {
		c.Payload.Params = make(map[string]any, len(t.Payload.Params))
		for k, v := range t.Payload.Params {
			c.Payload.Params[k] = v
		}
	}
	return &c
}

type AddRequest struct {
	Payload  Payload
	Origin   string
	Priority Priority
	// MaxRetries overrides the queue default when positive.
	MaxRetries  int
	ExecutionID string
}

// Depth is a point-in-time count per index.
type Depth struct {
	Waiting   int `json:"waiting"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrOriginBlocked   = errors.New("origin is blocked")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrInvalidPayload  = errors.New("invalid payload")
)
