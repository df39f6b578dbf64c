package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

// StoreKey is the record holding the queue snapshot.
const StoreKey = "queue"

var knownFields = map[string]bool{
	"tasks":           true,
	"waiting_order":   true,
	"completed_tasks": true,
	"failed_tasks":    true,
	"blocked_origins": true,
	"last_updated":    true,
}

// record is the persisted layout. tasks holds every waiting or executing
// task; waiting_order lists the waiting ids in serve order.
type record struct {
	Tasks          map[string]*Task `json:"tasks"`
	WaitingOrder   []string         `json:"waiting_order"`
	CompletedTasks []*Task          `json:"completed_tasks"`
	FailedTasks    []*Task          `json:"failed_tasks"`
	BlockedOrigins []string         `json:"blocked_origins"`
	LastUpdated    time.Time        `json:"last_updated"`
}

type snapshot struct {
	version uint64
	data    []byte
}

// snapshotLocked marshals the current state. Unknown top-level fields read at
// Load are written back unchanged.
func (q *Queue) snapshotLocked() *snapshot {
	rec := record{
		Tasks:          make(map[string]*Task, len(q.waiting)+len(q.executing)),
		WaitingOrder:   []string{},
		CompletedTasks: q.completed,
		FailedTasks:    q.failed,
		BlockedOrigins: q.blockedListLocked(),
		LastUpdated:    q.now(),
	}
	if rec.CompletedTasks == nil {
		rec.CompletedTasks = []*Task{}
	}
	if rec.FailedTasks == nil {
		rec.FailedTasks = []*Task{}
	}
	for id, t := range q.waiting {
		rec.Tasks[id] = t
	}
	for id, t := range q.executing {
		rec.Tasks[id] = t
	}
	for _, t := range q.waitingOrderLocked() {
		rec.WaitingOrder = append(rec.WaitingOrder, t.ID)
	}

	data, err := marshalRecord(rec, q.extra)
	if err != nil {
		q.logger.Error("failed to marshal queue snapshot", "error", err)
		return nil
	}
	q.version++
	return &snapshot{version: q.version, data: data}
}

func marshalRecord(rec record, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return json.Marshal(rec)
	}
	base, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(extra)+len(knownFields))
	for k, v := range extra {
		merged[k] = v
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(base, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// persist writes snap unless a newer snapshot has already been written.
// Failures are logged; in-memory state is authoritative.
func (q *Queue) persist(ctx context.Context, snap *snapshot) {
	if snap == nil || q.store == nil {
		return
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if snap.version <= q.written {
		return
	}
	if err := q.store.Put(context.WithoutCancel(ctx), StoreKey, snap.data); err != nil {
		q.logger.Error("failed to persist queue snapshot", "error", err)
		return
	}
	q.written = snap.version
}

// Load replaces in-memory state with the persisted snapshot. A missing or
// unreadable record yields an empty queue. Tasks persisted as executing were
// interrupted mid-run and go back to waiting at their original position.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	data, err := q.store.Get(ctx, StoreKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		q.logger.Warn("queue snapshot unreadable, starting empty", "error", err)
		return nil
	}

	rec, extra, err := decodeRecord(data)
	if err != nil {
		q.logger.Warn("queue snapshot unreadable, starting empty", "error", err)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.waiting = make(map[string]*Task)
	q.executing = make(map[string]*Task)
	q.blocked = make(map[string]struct{})
	q.idx = nil
	q.seq = 0
	q.extra = extra

	for _, o := range rec.BlockedOrigins {
		if o != "" {
			q.blocked[o] = struct{}{}
		}
	}

	recovered := 0
	admit := func(t *Task) {
		if t == nil || t.ID == "" || !t.Priority.Valid() {
			return
		}
		if _, dup := q.waiting[t.ID]; dup {
			return
		}
		if t.Status == StatusExecuting {
			recovered++
		}
		t.Status = StatusWaiting
		t.Payload.Type = NormalizeKind(string(t.Payload.Type))
		if t.MaxRetries <= 0 {
			t.MaxRetries = q.maxRetries
		}
		q.waiting[t.ID] = t
		q.idx.push(t)
		if t.Seq > q.seq {
			q.seq = t.Seq
		}
	}
	for _, id := range rec.WaitingOrder {
		if t, ok := rec.Tasks[id]; ok && t.Status == StatusWaiting {
			admit(t)
		}
	}
	for _, t := range rec.Tasks {
		if t != nil && t.Status == StatusExecuting {
			admit(t)
		}
	}

	q.completed = trimHistory(rec.CompletedTasks, q.historyCap)
	q.failed = trimHistory(rec.FailedTasks, q.historyCap)
	for _, t := range q.completed {
		if t.Seq > q.seq {
			q.seq = t.Seq
		}
	}
	for _, t := range q.failed {
		if t.Seq > q.seq {
			q.seq = t.Seq
		}
	}

	q.logger.Info("queue state loaded",
		"waiting", len(q.waiting),
		"recovered", recovered,
		"completed", len(q.completed),
		"failed", len(q.failed),
		"blocked_origins", len(q.blocked),
	)
	return nil
}

func decodeRecord(data []byte) (record, map[string]json.RawMessage, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return record{}, nil, err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownFields[k] {
			extra[k] = v
		}
	}
	return rec, extra, nil
}

func trimHistory(list []*Task, limit int) []*Task {
	out := make([]*Task, 0, len(list))
	for _, t := range list {
		if t != nil {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
