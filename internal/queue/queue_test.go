package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pixeldispatch/internal/log"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, storage.Store) {
	t.Helper()
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(st, Options{Logger: log.Discard()}), st
}

func add(t *testing.T, q *Queue, prio Priority, origin string) string {
	t.Helper()
	id, err := q.AddTask(context.Background(), AddRequest{
		Payload:  Payload{Type: KindDisplay, Params: map[string]any{"action": "show_emoji"}},
		Origin:   origin,
		Priority: prio,
	})
	require.NoError(t, err)
	return id
}

func popID(t *testing.T, q *Queue) string {
	t.Helper()
	task, err := q.Pop(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, task, "expected a task")
	return task.ID
}

func TestPopServesUrgentBeforeNormal(t *testing.T) {
	q, _ := newTestQueue(t)

	a := add(t, q, PriorityNormal, "alice")
	b := add(t, q, PriorityUrgent, "bob")
	c := add(t, q, PriorityNormal, "carol")

	assert.Equal(t, b, popID(t, q))
	assert.Equal(t, a, popID(t, q))
	assert.Equal(t, c, popID(t, q))

	task, err := q.Pop(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestPopIsFIFOWithinPriority(t *testing.T) {
	q, _ := newTestQueue(t)

	var ids []string
	for range 20 {
		ids = append(ids, add(t, q, PriorityHigh, ""))
	}
	low := add(t, q, PriorityLow, "")

	for _, want := range ids {
		assert.Equal(t, want, popID(t, q))
	}
	assert.Equal(t, low, popID(t, q))
}

func TestPopNeverServesLowerPriorityWhileHigherWaits(t *testing.T) {
	q, _ := newTestQueue(t)
	prios := []Priority{PriorityLow, PriorityUrgent, PriorityNormal, PriorityHigh, PriorityNormal, PriorityUrgent, PriorityLow}
	for _, p := range prios {
		add(t, q, p, "")
	}

	last := PriorityUrgent + 1
	for range prios {
		task, err := q.Pop(context.Background(), 0)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.LessOrEqual(t, task.Priority, last)
		last = task.Priority
	}
}

func TestAddTaskRejectsBlockedOrigin(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.BlockOrigin(ctx, "eve"))
	_, err := q.AddTask(ctx, AddRequest{Payload: Payload{Type: KindGeneric}, Origin: "eve"})
	assert.True(t, errors.Is(err, ErrOriginBlocked))
	assert.Empty(t, q.Waiting())
	assert.Equal(t, Depth{}, q.Depth())

	assert.True(t, q.UnblockOrigin(ctx, "eve"))
	assert.False(t, q.UnblockOrigin(ctx, "eve"))
	_, err = q.AddTask(ctx, AddRequest{Payload: Payload{Type: KindGeneric}, Origin: "eve"})
	assert.NoError(t, err)
}

func TestAddTaskValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.AddTask(ctx, AddRequest{Payload: Payload{Type: KindGeneric}, Priority: 9})
	assert.True(t, errors.Is(err, ErrInvalidPriority))

	_, err = q.AddTask(ctx, AddRequest{Payload: Payload{Type: KindGeneric, Params: map[string]any{"ch": make(chan int)}}})
	assert.True(t, errors.Is(err, ErrInvalidPayload))
	assert.Empty(t, q.Waiting())

	id, err := q.AddTask(ctx, AddRequest{Payload: Payload{Type: "laser"}})
	require.NoError(t, err)
	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindGeneric, task.Payload.Type)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, 3, task.MaxRetries)
}

func TestRemoveWaitingTaskIsSkipped(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := add(t, q, PriorityNormal, "")
	assert.True(t, q.RemoveTask(ctx, id))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Empty(t, q.Waiting())

	// Removing again while the cancelled task is still known is idempotent.
	assert.True(t, q.RemoveTask(ctx, id))
	task, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)

	popped, err := q.Pop(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, popped)

	_, err = q.Get(id)
	assert.True(t, errors.Is(err, ErrTaskNotFound))
	assert.False(t, q.RemoveTask(ctx, id))
	assert.False(t, q.RemoveTask(ctx, "no-such-task"))
}

func TestRemoveExecutingTaskIsAdvisory(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := add(t, q, PriorityNormal, "")
	other := add(t, q, PriorityNormal, "")
	assert.Equal(t, id, popID(t, q))

	assert.True(t, q.RemoveTask(ctx, id))
	require.NoError(t, q.Complete(ctx, id, "done"))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)

	// Other tasks are untouched.
	assert.Equal(t, other, popID(t, q))
}

func TestRemoveCompletedTaskDeletesHistory(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := add(t, q, PriorityNormal, "")
	popID(t, q)
	require.NoError(t, q.Complete(ctx, id, nil))
	require.Len(t, q.Completed(), 1)

	assert.True(t, q.RemoveTask(ctx, id))
	assert.Empty(t, q.Completed())
}

func TestFailRetriesUntilBound(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id := add(t, q, PriorityHigh, "")
	runs := 0
	for {
		task, err := q.Pop(ctx, 0)
		require.NoError(t, err)
		if task == nil {
			break
		}
		runs++
		requeued, err := q.Fail(ctx, task.ID, errors.New("boom"))
		require.NoError(t, err)
		if !requeued {
			break
		}
	}

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, 3, runs)
	assert.Equal(t, "boom", task.LastError)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Len(t, q.Failed(), 1)
}

func TestFailKeepsPriorityAndGoesBehindPeers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a := add(t, q, PriorityNormal, "")
	b := add(t, q, PriorityNormal, "")
	assert.Equal(t, a, popID(t, q))
	requeued, err := q.Fail(ctx, a, errors.New("flaky"))
	require.NoError(t, err)
	assert.True(t, requeued)

	assert.Equal(t, b, popID(t, q))
	assert.Equal(t, a, popID(t, q))
}

func TestCompleteUnknownTask(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Complete(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrTaskNotFound))
	_, err = q.Fail(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestCompletedHistoryIsCapped(t *testing.T) {
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	q := New(st, Options{Logger: log.Discard(), CompletedHistory: 2})
	ctx := context.Background()

	var ids []string
	for range 4 {
		id := add(t, q, PriorityNormal, "")
		popID(t, q)
		require.NoError(t, q.Complete(ctx, id, nil))
		ids = append(ids, id)
	}

	completed := q.Completed()
	require.Len(t, completed, 2)
	assert.Equal(t, ids[2], completed[0].ID)
	assert.Equal(t, ids[3], completed[1].ID)
}

func TestPopSkipsTaskFromOriginBlockedAfterAdmission(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	add(t, q, PriorityUrgent, "mallory")
	keep := add(t, q, PriorityLow, "alice")
	require.NoError(t, q.BlockOrigin(ctx, "mallory"))

	assert.Equal(t, keep, popID(t, q))
	assert.Equal(t, 0, q.Depth().Waiting)
}

func TestPopWaitsForAdmission(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var got *Task
	wg.Add(1)
	go func() {
		defer wg.Done()
		task, err := q.Pop(ctx, 5*time.Second)
		assert.NoError(t, err)
		got = task
	}()

	time.Sleep(20 * time.Millisecond)
	id := add(t, q, PriorityNormal, "")
	wg.Wait()

	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, StatusExecuting, got.Status)
}

func TestPopTimesOutAndHonoursContext(t *testing.T) {
	q, _ := newTestQueue(t)

	start := time.Now()
	task, err := q.Pop(context.Background(), 30*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, task)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Pop(ctx, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSnapshotRoundTrip(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	want := []string{
		add(t, q, PriorityNormal, "a"),
		add(t, q, PriorityUrgent, "b"),
		add(t, q, PriorityLow, "c"),
		add(t, q, PriorityUrgent, "d"),
		add(t, q, PriorityNormal, "e"),
	}
	done := add(t, q, PriorityUrgent, "f")
	assert.Equal(t, want[1], popID(t, q))
	require.NoError(t, q.Complete(ctx, want[1], "ok"))
	require.NoError(t, q.BlockOrigin(ctx, "zed"))
	_ = done

	before := q.Waiting()

	reloaded := New(st, Options{Logger: log.Discard()})
	require.NoError(t, reloaded.Load(ctx))

	after := reloaded.Waiting()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Priority, after[i].Priority)
		assert.Equal(t, before[i].Seq, after[i].Seq)
	}
	assert.Equal(t, []string{"zed"}, reloaded.BlockedOrigins())
	require.Len(t, reloaded.Completed(), 1)
	assert.Equal(t, want[1], reloaded.Completed()[0].ID)

	// New admissions continue the sequence after the restored tasks.
	id := add(t, reloaded, PriorityUrgent, "")
	task, err := reloaded.Get(id)
	require.NoError(t, err)
	assert.Greater(t, task.Seq, after[len(after)-1].Seq)
}

func TestLoadRecoversExecutingTasks(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	first := add(t, q, PriorityNormal, "")
	second := add(t, q, PriorityNormal, "")
	assert.Equal(t, first, popID(t, q))

	reloaded := New(st, Options{Logger: log.Discard()})
	require.NoError(t, reloaded.Load(ctx))

	waiting := reloaded.Waiting()
	require.Len(t, waiting, 2)
	assert.Equal(t, first, waiting[0].ID)
	assert.Equal(t, second, waiting[1].ID)
	assert.Equal(t, 0, reloaded.Depth().Executing)
}

func TestLoadPreservesUnknownFields(t *testing.T) {
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, StoreKey, []byte(`{"tasks":{},"waiting_order":[],"mode":"network","future":{"x":1}}`)))

	q := New(st, Options{Logger: log.Discard()})
	require.NoError(t, q.Load(ctx))
	add(t, q, PriorityNormal, "")

	data, err := st.Get(ctx, StoreKey)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"network"`, string(raw["mode"]))
	assert.JSONEq(t, `{"x":1}`, string(raw["future"]))
	assert.Contains(t, raw, "last_updated")
}

func TestLoadTreatsCorruptRecordAsEmpty(t *testing.T) {
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, StoreKey, []byte(`{not json`)))

	q := New(st, Options{Logger: log.Discard()})
	require.NoError(t, q.Load(ctx))
	assert.Equal(t, Depth{}, q.Depth())

	// Missing record is also empty.
	empty := New(storageMust(t), Options{Logger: log.Discard()})
	require.NoError(t, empty.Load(ctx))
	assert.Equal(t, Depth{}, empty.Depth())
}

func TestLoadTreatsUnreadableRecordAsEmpty(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()
	// A directory where the snapshot file should be makes every read fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, StoreKey+".json"), 0o755))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	q := New(st, Options{Logger: logger})
	require.NoError(t, q.Load(ctx))
	assert.Equal(t, Depth{}, q.Depth())
	assert.Contains(t, buf.String(), "queue snapshot unreadable")

	// The queue keeps working in memory even though snapshots cannot be written.
	id := add(t, q, PriorityNormal, "")
	assert.Equal(t, id, popID(t, q))
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"":       PriorityNormal,
		"low":    PriorityLow,
		"URGENT": PriorityUrgent,
		"3":      PriorityHigh,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePriority("5")
	assert.True(t, errors.Is(err, ErrInvalidPriority))
	_, err = ParsePriority("whenever")
	assert.Error(t, err)
}

func storageMust(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return st
}
