package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pixeldispatch/internal/coordinator/mocks"
	"github.com/mattjoyce/pixeldispatch/internal/events"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func execCtx(id, name string, args map[string]any) intercept.ExecutionContext {
	return intercept.ExecutionContext{
		ExecutionID:   id,
		OperationName: name,
		Arguments:     args,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Mode:          intercept.ModeNetwork,
	}
}

func TestClassify(t *testing.T) {
	slogger, _ := NewTestSlogger()
	c := New(nil, nil, nil, Options{Logger: slogger, Routes: map[string]string{"blink": "Display"}})

	tests := []struct {
		name     string
		ec       intercept.ExecutionContext
		wantKind queue.Kind
		wantPrio queue.Priority
	}{
		{name: "emoji is display", ec: execCtx("e", "show_emoji", map[string]any{"emoji": "😀"}), wantKind: queue.KindDisplay, wantPrio: queue.PriorityNormal},
		{name: "image is display", ec: execCtx("e", "send_image_to_display", nil), wantKind: queue.KindDisplay, wantPrio: queue.PriorityNormal},
		{name: "timer is high", ec: execCtx("e", "set_timer", nil), wantKind: queue.KindTimer, wantPrio: queue.PriorityHigh},
		{name: "unknown is generic", ec: execCtx("e", "make_coffee", nil), wantKind: queue.KindGeneric, wantPrio: queue.PriorityNormal},
		{name: "configured route", ec: execCtx("e", "blink", nil), wantKind: queue.KindDisplay, wantPrio: queue.PriorityNormal},
		{name: "urgent flag", ec: execCtx("e", "show_emoji", map[string]any{"urgent": true}), wantKind: queue.KindDisplay, wantPrio: queue.PriorityUrgent},
		{name: "urgent string", ec: execCtx("e", "make_coffee", map[string]any{"urgent": "yes"}), wantKind: queue.KindGeneric, wantPrio: queue.PriorityUrgent},
		{name: "not urgent", ec: execCtx("e", "set_timer", map[string]any{"urgent": "no"}), wantKind: queue.KindTimer, wantPrio: queue.PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, prio := c.Classify(tt.ec)
			assert.Equal(t, tt.wantKind, payload.Type)
			assert.Equal(t, tt.wantPrio, prio)
			assert.NotContains(t, payload.Params, "urgent")
			assert.Equal(t, tt.ec.OperationName, payload.Params["operation"])
		})
	}

	t.Run("explicit kind wins", func(t *testing.T) {
		ec := execCtx("e", "show_emoji", nil)
		ec.Kind = "timer"
		payload, prio := c.Classify(ec)
		assert.Equal(t, queue.KindTimer, payload.Type)
		assert.Equal(t, queue.PriorityHigh, prio)
	})
}

func TestHandleWaitingQueuesAndResumes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	admitter := mocks.NewMockTaskAdmitter(ctrl)
	resumer := mocks.NewMockResumer(ctrl)
	slogger, logBuf := NewTestSlogger()
	hub := events.NewHub(16)
	c := New(admitter, resumer, nil, Options{Logger: slogger, Events: hub})
	ctx := context.Background()

	ec := execCtx("exec_1", "show_emoji", map[string]any{"emoji": "🎉"})
	ec.Origin = "alice"

	admitter.EXPECT().AddTask(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req queue.AddRequest) (string, error) {
		assert.Equal(t, queue.KindDisplay, req.Payload.Type)
		assert.Equal(t, "🎉", req.Payload.Params["emoji"])
		assert.Equal(t, queue.PriorityNormal, req.Priority)
		assert.Equal(t, "alice", req.Origin)
		assert.Equal(t, "exec_1", req.ExecutionID)
		return "task-1", nil
	})
	want := Ack{Status: AckQueued, TaskID: "task-1", ExecutionID: "exec_1", Kind: "display"}
	resumer.EXPECT().Resume("exec_1", want).Return(true)

	got := c.HandleWaiting(ctx, ec)
	assert.Equal(t, want, got)
	assert.Contains(t, logBuf.String(), "execution queued")

	journal := c.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, "task-1", journal[0].TaskID)
	assert.Equal(t, AckQueued, journal[0].Status)

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, "execution.captured", evs[0].Type)
}

func TestHandleWaitingRejectedStillResumes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	admitter := mocks.NewMockTaskAdmitter(ctrl)
	resumer := mocks.NewMockResumer(ctrl)
	slogger, logBuf := NewTestSlogger()
	c := New(admitter, resumer, nil, Options{Logger: slogger})
	ctx := context.Background()

	cause := fmt.Errorf("%w: %q", queue.ErrOriginBlocked, "mallory")
	admitter.EXPECT().AddTask(ctx, gomock.Any()).Return("", cause)
	resumer.EXPECT().Resume("exec_2", Ack{Status: AckRejected, ExecutionID: "exec_2", Reason: cause.Error()}).Return(true)

	got := c.HandleWaiting(ctx, execCtx("exec_2", "show_emoji", nil))
	assert.Equal(t, AckRejected, got.(Ack).Status)
	assert.Contains(t, logBuf.String(), "execution rejected")
	assert.Equal(t, AckRejected, c.Journal()[0].Status)
}

func TestHandleWaitingLogsMissingWaiter(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	admitter := mocks.NewMockTaskAdmitter(ctrl)
	resumer := mocks.NewMockResumer(ctrl)
	slogger, logBuf := NewTestSlogger()
	c := New(admitter, resumer, nil, Options{Logger: slogger})

	admitter.EXPECT().AddTask(gomock.Any(), gomock.Any()).Return("task-3", nil)
	resumer.EXPECT().Resume("exec_3", gomock.Any()).Return(false)

	c.HandleWaiting(context.Background(), execCtx("exec_3", "set_timer", nil))
	assert.Contains(t, logBuf.String(), "no blocked call to resume")
}

func TestHandleFireAndForgetLogsAndAdmits(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	admitter := mocks.NewMockTaskAdmitter(ctrl)
	resumer := mocks.NewMockResumer(ctrl) // no Resume expected
	slogger, _ := NewTestSlogger()
	hub := events.NewHub(16)
	st := newStore(t)
	c := New(admitter, resumer, st, Options{Logger: slogger, Events: hub})
	ctx := context.Background()

	ec := execCtx("remote_1", "set_timer", map[string]any{"delay": "5m"})
	ec.Mode = intercept.ModeRemote
	ec.CapturedLocals = map[string]string{"user": "bob"}

	admitter.EXPECT().AddTask(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req queue.AddRequest) (string, error) {
		assert.Equal(t, queue.KindTimer, req.Payload.Type)
		assert.Equal(t, queue.PriorityHigh, req.Priority)
		return "task-r", nil
	})

	c.HandleFireAndForget(ctx, ec)

	logged, err := c.RemoteLog(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "remote_1", logged[0].ExecutionID)
	assert.Equal(t, "set_timer", logged[0].OperationName)
	assert.Equal(t, "bob", logged[0].CapturedLocals["user"])
	assert.Equal(t, intercept.ModeRemote, logged[0].Mode)

	assert.Equal(t, "transferred", c.Journal()[0].Status)
	assert.Equal(t, "execution.transferred", hub.SnapshotSince(0)[0].Type)

	drained, err := c.DrainRemoteLog(ctx)
	require.NoError(t, err)
	assert.Len(t, drained, 1)

	logged, err = c.RemoteLog(ctx)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestFireAndForgetRecordedEvenWhenRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	admitter := mocks.NewMockTaskAdmitter(ctrl)
	slogger, logBuf := NewTestSlogger()
	st := newStore(t)
	c := New(admitter, nil, st, Options{Logger: slogger})
	ctx := context.Background()

	admitter.EXPECT().AddTask(ctx, gomock.Any()).Return("", queue.ErrOriginBlocked)

	ec := execCtx("remote_2", "show_emoji", nil)
	ec.Mode = intercept.ModeRemote
	c.HandleFireAndForget(ctx, ec)

	logged, err := c.RemoteLog(ctx)
	require.NoError(t, err)
	assert.Len(t, logged, 1)
	assert.Contains(t, logBuf.String(), "remote execution not queued")
}

// captureDuringDrain runs onRead once, right after the wrapped store has read
// the log, to land a new capture in the middle of a drain.
type captureDuringDrain struct {
	storage.Store
	onRead func()
	fired  bool
}

func (s *captureDuringDrain) fire() {
	if !s.fired && s.onRead != nil {
		s.fired = true
		s.onRead()
	}
}

func (s *captureDuringDrain) Entries(ctx context.Context, key string) ([][]byte, error) {
	out, err := s.Store.Entries(ctx, key)
	s.fire()
	return out, err
}

func (s *captureDuringDrain) Drain(ctx context.Context, key string) ([][]byte, error) {
	out, err := s.Store.Drain(ctx, key)
	s.fire()
	return out, err
}

func TestDrainRemoteLogKeepsCaptureDuringDrain(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	admitter := mocks.NewMockTaskAdmitter(ctrl)
	admitter.EXPECT().AddTask(gomock.Any(), gomock.Any()).Return("task", nil).Times(2)

	slogger, _ := NewTestSlogger()
	st := &captureDuringDrain{Store: newStore(t)}
	c := New(admitter, nil, st, Options{Logger: slogger})
	ctx := context.Background()

	first := execCtx("remote_a", "flip", nil)
	first.Mode = intercept.ModeRemote
	c.HandleFireAndForget(ctx, first)

	st.onRead = func() {
		second := execCtx("remote_b", "flip", nil)
		second.Mode = intercept.ModeRemote
		c.HandleFireAndForget(ctx, second)
	}

	drained, err := c.DrainRemoteLog(ctx)
	require.NoError(t, err)
	remaining, err := c.RemoteLog(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, 2)
	for _, ec := range append(drained, remaining...) {
		ids = append(ids, ec.ExecutionID)
	}
	assert.ElementsMatch(t, []string{"remote_a", "remote_b"}, ids)
}

func TestRemoteLogSkipsCorruptEntries(t *testing.T) {
	slogger, logBuf := NewTestSlogger()
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.Append(ctx, RemoteLogKey, []byte(`{"execution_id":"remote_ok","operation_name":"flip"}`)))
	require.NoError(t, st.Append(ctx, RemoteLogKey, []byte(`not json`)))

	c := New(nil, nil, st, Options{Logger: slogger})
	logged, err := c.RemoteLog(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "remote_ok", logged[0].ExecutionID)
	assert.Contains(t, logBuf.String(), "skipping unreadable remote log entry")
}

func TestJournalIsBounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	admitter := mocks.NewMockTaskAdmitter(ctrl)
	resumer := mocks.NewMockResumer(ctrl)
	slogger, _ := NewTestSlogger()
	c := New(admitter, resumer, nil, Options{Logger: slogger, JournalSize: 2})

	admitter.EXPECT().AddTask(gomock.Any(), gomock.Any()).Return("t", nil).Times(3)
	resumer.EXPECT().Resume(gomock.Any(), gomock.Any()).Return(true).Times(3)

	for _, id := range []string{"a", "b", "c"} {
		c.HandleWaiting(context.Background(), execCtx(id, "flip", nil))
	}
	journal := c.Journal()
	require.Len(t, journal, 2)
	assert.Equal(t, "b", journal[0].ExecutionID)
	assert.Equal(t, "c", journal[1].ExecutionID)
}

func TestNoAdmitterRejects(t *testing.T) {
	slogger, _ := NewTestSlogger()
	c := New(nil, nil, nil, Options{Logger: slogger})
	got := c.HandleWaiting(context.Background(), execCtx("x", "flip", nil))
	assert.Equal(t, AckRejected, got.(Ack).Status)
}
