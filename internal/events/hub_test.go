package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	h := NewHub(4)
	a := h.Publish(TaskStarted, map[string]string{"task_id": "t1"})
	b := h.Publish(TaskCompleted, nil)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.JSONEq(t, `{}`, string(b.Data))

	var payload map[string]string
	require.NoError(t, a.Decode(&payload))
	assert.Equal(t, "t1", payload["task_id"])
}

func TestRingKeepsMostRecent(t *testing.T) {
	h := NewHub(3)
	for range 5 {
		h.Publish(ModeChanged, nil)
	}
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	assert.Len(t, h.SnapshotSince(4), 1)
	assert.Empty(t, h.SnapshotSince(5))
}

func TestUnencodableDataBecomesEmptyObject(t *testing.T) {
	h := NewHub(1)
	ev := h.Publish(TaskFailed, func() {})
	assert.JSONEq(t, `{}`, string(ev.Data))
}

func TestSubscribeFiltersByPrefix(t *testing.T) {
	h := NewHub(8)
	tasks, cancelTasks := h.Subscribe("task.")
	defer cancelTasks()
	all, cancelAll := h.Subscribe()
	defer cancelAll()

	h.Publish(ExecutionBlocked, nil)
	h.Publish(TaskStarted, nil)

	select {
	case ev := <-tasks:
		assert.Equal(t, TaskStarted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no task event delivered")
	}
	assert.Len(t, all, 2)
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	h.Publish(TaskStarted, nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(2)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range subscriberBuf + 10 {
			h.Publish(TaskStarted, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
