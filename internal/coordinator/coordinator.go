// Package coordinator turns captured executions into queued tasks.
//
// It is the intercept.Handler behind network and remote mode. A blocking
// (network) call is classified, admitted and then resumed with an Ack; the
// wait covers admission only, not execution. A fire-and-forget (remote) call
// is admitted and also appended to a durable log for out-of-band pickup.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/pixeldispatch/internal/events"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/log"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

// RemoteLogKey is the store log holding fire-and-forget executions.
const RemoteLogKey = "remote_executions"

const (
	AckQueued   = "queued"
	AckRejected = "rejected"

	defaultJournalSize = 100
)

// Ack is what a blocked network-mode call resumes with.
type Ack struct {
	Status      string `json:"status"`
	TaskID      string `json:"task_id,omitempty"`
	ExecutionID string `json:"execution_id"`
	Kind        string `json:"kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Record is one journal entry.
type Record struct {
	ExecutionID string         `json:"execution_id"`
	Operation   string         `json:"operation"`
	Mode        intercept.Mode `json:"mode"`
	Origin      string         `json:"origin,omitempty"`
	Kind        queue.Kind     `json:"kind"`
	Priority    string         `json:"priority"`
	TaskID      string         `json:"task_id,omitempty"`
	Status      string         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	CallSite    string         `json:"call_site,omitempty"`
	At          time.Time      `json:"at"`
}

type Options struct {
	// Routes maps operation names to task kinds, on top of the built-in ones.
	Routes      map[string]string
	JournalSize int
	Logger      *slog.Logger
	Events      *events.Hub
}

type Coordinator struct {
	admitter TaskAdmitter
	resumer  Resumer
	store    storage.Store
	logger   *slog.Logger
	hub      *events.Hub

	routes map[string]queue.Kind

	mu         sync.Mutex
	journal    []Record
	journalCap int
}

var builtinRoutes = map[string]queue.Kind{
	"show_emoji":            queue.KindDisplay,
	"send_image_to_display": queue.KindDisplay,
	"set_timer":             queue.KindTimer,
}

// New builds a Coordinator. store may be nil, in which case remote executions
// are admitted but not logged.
func New(admitter TaskAdmitter, resumer Resumer, store storage.Store, opts Options) *Coordinator {
	c := &Coordinator{
		admitter:   admitter,
		resumer:    resumer,
		store:      store,
		logger:     opts.Logger,
		hub:        opts.Events,
		routes:     make(map[string]queue.Kind, len(builtinRoutes)+len(opts.Routes)),
		journalCap: opts.JournalSize,
	}
	if c.logger == nil {
		c.logger = log.WithComponent("coordinator")
	}
	if c.journalCap <= 0 {
		c.journalCap = defaultJournalSize
	}
	for name, kind := range builtinRoutes {
		c.routes[name] = kind
	}
	for name, kind := range opts.Routes {
		c.routes[strings.TrimSpace(name)] = queue.NormalizeKind(kind)
	}
	return c
}

// Classify maps an execution onto a task payload and priority. An explicit
// kind on the call wins over the route table; unknown operations are generic.
// Timers run at high priority and an "urgent" argument raises any task to
// urgent.
func (c *Coordinator) Classify(ec intercept.ExecutionContext) (queue.Payload, queue.Priority) {
	kind := c.KindOf(ec.OperationName)
	if ec.Kind != "" {
		kind = queue.NormalizeKind(ec.Kind)
	}

	params := make(map[string]any, len(ec.Arguments)+1)
	for k, v := range ec.Arguments {
		params[k] = v
	}
	if _, set := params["operation"]; !set && ec.OperationName != "" {
		params["operation"] = ec.OperationName
	}
	delete(params, "urgent")

	prio := queue.PriorityNormal
	if kind == queue.KindTimer {
		prio = queue.PriorityHigh
	}
	if isUrgent(ec.Arguments["urgent"]) {
		prio = queue.PriorityUrgent
	}
	return queue.Payload{Type: kind, Params: params}, prio
}

// KindOf resolves an operation name through the route table.
func (c *Coordinator) KindOf(operation string) queue.Kind {
	if kind, ok := c.routes[operation]; ok {
		return kind
	}
	return queue.KindGeneric
}

func isUrgent(v any) bool {
	switch u := v.(type) {
	case bool:
		return u
	case string:
		switch strings.ToLower(strings.TrimSpace(u)) {
		case "1", "true", "yes":
			return true
		}
	}
	return false
}

// HandleWaiting admits the execution and resumes the blocked caller with the
// resulting Ack.
func (c *Coordinator) HandleWaiting(ctx context.Context, ec intercept.ExecutionContext) any {
	logger := log.WithExecution(ec.ExecutionID).With("component", "coordinator", "operation", ec.OperationName)
	rec, err := c.admit(ctx, ec)

	ack := Ack{Status: AckQueued, TaskID: rec.TaskID, ExecutionID: ec.ExecutionID, Kind: string(rec.Kind)}
	if err != nil {
		ack = Ack{Status: AckRejected, ExecutionID: ec.ExecutionID, Reason: err.Error()}
		logger.Warn("execution rejected", "error", err)
	} else {
		logger.Info("execution queued", "task_id", rec.TaskID, "kind", string(rec.Kind), "priority", rec.Priority)
	}
	c.publish(events.ExecutionCaptured, rec)

	if c.resumer != nil && !c.resumer.Resume(ec.ExecutionID, ack) {
		logger.Warn("no blocked call to resume")
	}
	return ack
}

// HandleFireAndForget admits the execution and appends it to the remote log.
// Nothing is resumed.
func (c *Coordinator) HandleFireAndForget(ctx context.Context, ec intercept.ExecutionContext) {
	logger := log.WithExecution(ec.ExecutionID).With("component", "coordinator", "operation", ec.OperationName)

	if c.store != nil {
		if entry, err := json.Marshal(ec); err != nil {
			logger.Error("failed to encode remote execution", "error", err)
		} else if err := c.store.Append(context.WithoutCancel(ctx), RemoteLogKey, entry); err != nil {
			logger.Error("failed to record remote execution", "error", err)
		}
	}

	rec, err := c.admit(ctx, ec)
	if err != nil {
		logger.Warn("remote execution not queued", "error", err)
	} else {
		logger.Info("remote execution queued", "task_id", rec.TaskID, "kind", string(rec.Kind))
	}
	c.publish(events.ExecutionTransferred, rec)
}

func (c *Coordinator) admit(ctx context.Context, ec intercept.ExecutionContext) (Record, error) {
	payload, prio := c.Classify(ec)
	rec := Record{
		ExecutionID: ec.ExecutionID,
		Operation:   ec.OperationName,
		Mode:        ec.Mode,
		Origin:      ec.Origin,
		Kind:        payload.Type,
		Priority:    prio.String(),
		CallSite:    ec.CallSite,
		At:          ec.Timestamp,
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	var err error
	if c.admitter == nil {
		err = errors.New("no task queue attached")
	} else {
		rec.TaskID, err = c.admitter.AddTask(ctx, queue.AddRequest{
			Payload:     payload,
			Origin:      ec.Origin,
			Priority:    prio,
			ExecutionID: ec.ExecutionID,
		})
	}
	switch {
	case err != nil:
		rec.Status = AckRejected
		rec.Reason = err.Error()
	case ec.Mode == intercept.ModeRemote:
		rec.Status = "transferred"
	default:
		rec.Status = AckQueued
	}
	c.remember(rec)
	return rec, err
}

func (c *Coordinator) remember(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = append(c.journal, rec)
	if over := len(c.journal) - c.journalCap; over > 0 {
		c.journal = append(c.journal[:0:0], c.journal[over:]...)
	}
}

// Journal returns recent execution records, oldest first.
func (c *Coordinator) Journal() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.journal...)
}

// RemoteLog reads the durable remote log. Entries that fail to decode are
// skipped.
func (c *Coordinator) RemoteLog(ctx context.Context) ([]intercept.ExecutionContext, error) {
	return ReadRemoteLog(ctx, c.store, c.logger)
}

// DrainRemoteLog reads the remote log and clears it.
func (c *Coordinator) DrainRemoteLog(ctx context.Context) ([]intercept.ExecutionContext, error) {
	return DrainRemoteLog(ctx, c.store, c.logger)
}

// ReadRemoteLog reads the remote log straight from a store, for offline use.
func ReadRemoteLog(ctx context.Context, store storage.Store, logger *slog.Logger) ([]intercept.ExecutionContext, error) {
	if store == nil {
		return nil, nil
	}
	entries, err := store.Entries(ctx, RemoteLogKey)
	if err != nil {
		return nil, fmt.Errorf("read remote log: %w", err)
	}
	return decodeRemoteLog(entries, logger), nil
}

// DrainRemoteLog takes every entry out of the remote log in one step, so an
// execution captured while draining is either returned or kept.
func DrainRemoteLog(ctx context.Context, store storage.Store, logger *slog.Logger) ([]intercept.ExecutionContext, error) {
	if store == nil {
		return nil, nil
	}
	entries, err := store.Drain(ctx, RemoteLogKey)
	if err != nil {
		return nil, fmt.Errorf("drain remote log: %w", err)
	}
	return decodeRemoteLog(entries, logger), nil
}

func decodeRemoteLog(entries [][]byte, logger *slog.Logger) []intercept.ExecutionContext {
	out := make([]intercept.ExecutionContext, 0, len(entries))
	for _, raw := range entries {
		var ec intercept.ExecutionContext
		if err := json.Unmarshal(raw, &ec); err != nil {
			if logger != nil {
				logger.Warn("skipping unreadable remote log entry", "error", err)
			}
			continue
		}
		out = append(out, ec)
	}
	return out
}

func (c *Coordinator) publish(eventType string, data any) {
	if c.hub != nil {
		c.hub.Publish(eventType, data)
	}
}
