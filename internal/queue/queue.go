package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pixeldispatch/internal/log"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

const (
	defaultMaxRetries       = 3
	defaultCompletedHistory = 10
)

// Options tunes a Queue. Zero values fall back to defaults.
type Options struct {
	MaxRetries       int
	CompletedHistory int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Queue is an in-memory priority queue mirrored to a storage.Store snapshot.
//
// All indices live under mu. Snapshots are marshalled under mu and written
// after it is released; writeMu plus a version counter keep a slow write from
// overwriting a newer snapshot.
type Queue struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time

	maxRetries int
	historyCap int

	mu        sync.Mutex
	waiting   map[string]*Task
	executing map[string]*Task
	completed []*Task
	failed    []*Task
	blocked   map[string]struct{}
	idx       index
	seq       uint64
	extra     map[string]json.RawMessage
	wake      chan struct{}
	version   uint64

	writeMu sync.Mutex
	written uint64
}

func New(store storage.Store, opts Options) *Queue {
	q := &Queue{
		store:      store,
		logger:     opts.Logger,
		now:        opts.Now,
		maxRetries: opts.MaxRetries,
		historyCap: opts.CompletedHistory,
		waiting:    make(map[string]*Task),
		executing:  make(map[string]*Task),
		blocked:    make(map[string]struct{}),
		wake:       make(chan struct{}),
	}
	if q.logger == nil {
		q.logger = log.WithComponent("queue")
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if q.maxRetries <= 0 {
		q.maxRetries = defaultMaxRetries
	}
	if q.historyCap <= 0 {
		q.historyCap = defaultCompletedHistory
	}
	return q
}

// AddTask admits a task in the waiting state and returns its id.
func (q *Queue) AddTask(ctx context.Context, req AddRequest) (string, error) {
	prio := req.Priority
	if prio == 0 {
		prio = PriorityNormal
	}
	if !prio.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, int(req.Priority))
	}
	payload := Payload{Type: NormalizeKind(string(req.Payload.Type)), Params: req.Payload.Params}
	if _, err := json.Marshal(payload.Params); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	q.mu.Lock()
	if q.isBlockedLocked(req.Origin) {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrOriginBlocked, req.Origin)
	}
	now := q.now()
	q.seq++
	t := &Task{
		ID:          uuid.NewString(),
		Origin:      req.Origin,
		Payload:     payload,
		Priority:    prio,
		Status:      StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxRetries:  maxRetries,
		Seq:         q.seq,
		ExecutionID: req.ExecutionID,
	}
	q.waiting[t.ID] = t
	q.idx.push(t)
	q.signalLocked()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snap)
	q.logger.Debug("task admitted", "task_id", t.ID, "kind", payload.Type, "priority", prio.String(), "origin", req.Origin)
	return t.ID, nil
}

// RemoveTask cancels a waiting task or deletes a finished one from history.
// A task that is already executing is only marked cancelled; the worker's
// outcome still lands on it.
func (q *Queue) RemoveTask(ctx context.Context, id string) bool {
	q.mu.Lock()
	removed := false
	if t, ok := q.waiting[id]; ok && t.Status == StatusCancelled {
		// Already cancelled and not yet dropped by Pop.
		q.mu.Unlock()
		return true
	} else if ok && t.Status == StatusWaiting {
		t.Status = StatusCancelled
		t.UpdatedAt = q.now()
		removed = true
	} else if t, ok := q.executing[id]; ok {
		t.Status = StatusCancelled
		t.UpdatedAt = q.now()
		removed = true
	} else if i := findTask(q.completed, id); i >= 0 {
		q.completed = append(q.completed[:i], q.completed[i+1:]...)
		removed = true
	} else if i := findTask(q.failed, id); i >= 0 {
		q.failed = append(q.failed[:i], q.failed[i+1:]...)
		removed = true
	}
	if !removed {
		q.mu.Unlock()
		return false
	}
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snap)
	return true
}

// Pop returns the highest priority waiting task, marking it executing. It
// waits up to timeout for one to arrive and returns (nil, nil) when none does.
// Cancelled tasks and tasks whose origin has since been blocked are dropped.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		t, snap := q.popLocked()
		wake := q.wake
		q.mu.Unlock()

		if snap != nil {
			q.persist(ctx, snap)
		}
		if t != nil {
			return t, nil
		}
		if deadline == nil {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (q *Queue) popLocked() (*Task, *snapshot) {
	dropped := false
	for {
		e, ok := q.idx.pop()
		if !ok {
			break
		}
		t, ok := q.waiting[e.id]
		if !ok || t.Seq != e.seq {
			// Stale heap entry.
			continue
		}
		delete(q.waiting, e.id)

		if t.Status == StatusCancelled {
			q.logger.Debug("skipping cancelled task", "task_id", t.ID)
			dropped = true
			continue
		}
		if q.isBlockedLocked(t.Origin) {
			q.logger.Info("skipping task from blocked origin", "task_id", t.ID, "origin", t.Origin)
			dropped = true
			continue
		}

		t.Status = StatusExecuting
		t.UpdatedAt = q.now()
		q.executing[t.ID] = t
		return t.clone(), q.snapshotLocked()
	}
	if dropped {
		return nil, q.snapshotLocked()
	}
	return nil, nil
}

// Assign records the device an executing task runs on. It is persisted with
// the next snapshot.
func (q *Queue) Assign(id, device string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.executing[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Device = device
	return nil
}

// Complete moves an executing task into the completed history.
func (q *Queue) Complete(ctx context.Context, id string, result any) error {
	q.mu.Lock()
	t, ok := q.executing[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(q.executing, id)
	t.Status = StatusCompleted
	t.Result = result
	t.UpdatedAt = q.now()
	q.completed = appendCapped(q.completed, t, q.historyCap)
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snap)
	return nil
}

// Fail records an execution failure. The task goes back to waiting at its
// original priority while retry_count < max_retries and is otherwise left
// failed. A task cancelled while executing is never re-admitted.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (bool, error) {
	q.mu.Lock()
	t, ok := q.executing[id]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(q.executing, id)
	cancelled := t.Status == StatusCancelled

	t.RetryCount++
	if cause != nil {
		t.LastError = cause.Error()
	}
	t.UpdatedAt = q.now()

	requeued := false
	if !cancelled && t.RetryCount < t.MaxRetries && !q.isBlockedLocked(t.Origin) {
		q.seq++
		t.Seq = q.seq
		t.Status = StatusWaiting
		q.waiting[t.ID] = t
		q.idx.push(t)
		q.signalLocked()
		requeued = true
	} else {
		t.Status = StatusFailed
		q.failed = appendCapped(q.failed, t, q.historyCap)
	}
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snap)
	return requeued, nil
}

// BlockOrigin rejects future admissions from origin and drops its waiting
// tasks when they reach the head of the queue.
func (q *Queue) BlockOrigin(ctx context.Context, origin string) error {
	if origin == "" {
		return fmt.Errorf("origin is empty")
	}
	q.mu.Lock()
	q.blocked[origin] = struct{}{}
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snap)
	return nil
}

// UnblockOrigin reports whether origin was blocked.
func (q *Queue) UnblockOrigin(ctx context.Context, origin string) bool {
	q.mu.Lock()
	if _, ok := q.blocked[origin]; !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.blocked, origin)
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snap)
	return true
}

func (q *Queue) IsBlocked(origin string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isBlockedLocked(origin)
}

func (q *Queue) BlockedOrigins() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.blockedListLocked()
}

// Get finds a task in any index.
func (q *Queue) Get(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.waiting[id]; ok {
		return t.clone(), nil
	}
	if t, ok := q.executing[id]; ok {
		return t.clone(), nil
	}
	if i := findTask(q.completed, id); i >= 0 {
		return q.completed[i].clone(), nil
	}
	if i := findTask(q.failed, id); i >= 0 {
		return q.failed[i].clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Waiting returns waiting tasks in the order they will be served.
func (q *Queue) Waiting() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Task, 0, len(q.waiting))
	for _, t := range q.waitingOrderLocked() {
		out = append(out, t.clone())
	}
	return out
}

// Executing returns executing tasks ordered by admission.
func (q *Queue) Executing() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Task, 0, len(q.executing))
	for _, t := range q.executing {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Completed returns the completed history, oldest first.
func (q *Queue) Completed() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.completed)
}

// Failed returns terminally failed tasks, oldest first.
func (q *Queue) Failed() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.failed)
}

func (q *Queue) Depth() Depth {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := Depth{
		Executing: len(q.executing),
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
	for _, t := range q.waiting {
		if t.Status == StatusWaiting {
			d.Waiting++
		}
	}
	return d
}

func (q *Queue) isBlockedLocked(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := q.blocked[origin]
	return ok
}

func (q *Queue) blockedListLocked() []string {
	out := make([]string, 0, len(q.blocked))
	for o := range q.blocked {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// waitingOrderLocked returns waiting tasks sorted the way the heap serves them.
func (q *Queue) waitingOrderLocked() []*Task {
	out := make([]*Task, 0, len(q.waiting))
	for _, t := range q.waiting {
		if t.Status == StatusWaiting {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// signalLocked wakes every Pop currently waiting.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func findTask(list []*Task, id string) int {
	for i, t := range list {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func appendCapped(list []*Task, t *Task, limit int) []*Task {
	list = append(list, t)
	if len(list) > limit {
		list = append([]*Task(nil), list[len(list)-limit:]...)
	}
	return list
}

func cloneAll(list []*Task) []*Task {
	out := make([]*Task, 0, len(list))
	for _, t := range list {
		out = append(out, t.clone())
	}
	return out
}
