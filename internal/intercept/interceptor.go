// Package intercept routes guarded calls according to a process Mode.
//
// Under ModeLocal a call runs inline. Under ModeNetwork the call is captured
// into an ExecutionContext, handed to the attached Handler, and the caller
// blocks on a one-shot channel keyed by execution id until Resume delivers a
// result, the mode drops back to local, the wait times out, or ctx ends.
// Under ModeRemote the context is handed off and the caller gets Transferred.
package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pixeldispatch/internal/events"
	"github.com/mattjoyce/pixeldispatch/internal/log"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

// StoreKey is the record holding the persisted mode.
const StoreKey = "interface"

// Handler receives captured calls. HandleWaiting is expected to call Resume
// for ec.ExecutionID; its return value is informational.
type Handler interface {
	HandleWaiting(ctx context.Context, ec ExecutionContext) any
	HandleFireAndForget(ctx context.Context, ec ExecutionContext)
}

type Options struct {
	DefaultMode Mode
	// WaitTimeout bounds a blocked call. Zero waits until resumed.
	WaitTimeout   time.Duration
	SensitiveKeys []string
	Logger        *slog.Logger
	Events        *events.Hub
	Now           func() time.Time
}

type Status struct {
	Mode            Mode      `json:"mode"`
	Blocked         bool      `json:"blocked"`
	Pending         int       `json:"pending"`
	HandlerAttached bool      `json:"handler_attached"`
	LastUpdated     time.Time `json:"last_updated"`
	Timestamp       time.Time `json:"timestamp"`
}

type modeRecord struct {
	Mode        Mode      `json:"mode"`
	LastUpdated time.Time `json:"last_updated"`
}

type Interceptor struct {
	store       storage.Store
	logger      *slog.Logger
	hub         *events.Hub
	now         func() time.Time
	waitTimeout time.Duration
	sensitive   map[string]struct{}
	defaultMode Mode

	mu      sync.Mutex
	mode    Mode
	updated time.Time
	handler Handler
	waiters map[string]chan any
}

func New(store storage.Store, opts Options) *Interceptor {
	i := &Interceptor{
		store:       store,
		logger:      opts.Logger,
		hub:         opts.Events,
		now:         opts.Now,
		waitTimeout: opts.WaitTimeout,
		sensitive:   make(map[string]struct{}),
		defaultMode: opts.DefaultMode,
		waiters:     make(map[string]chan any),
	}
	if i.logger == nil {
		i.logger = log.WithComponent("intercept")
	}
	if i.now == nil {
		i.now = func() time.Time { return time.Now().UTC() }
	}
	if _, err := ParseMode(string(i.defaultMode)); err != nil {
		i.defaultMode = ModeLocal
	}
	for _, k := range defaultSensitiveKeys {
		i.sensitive[k] = struct{}{}
	}
	for _, k := range opts.SensitiveKeys {
		i.sensitive[strings.ToLower(k)] = struct{}{}
	}
	i.mode = i.defaultMode
	i.updated = i.now()
	return i
}

// Load restores the persisted mode. A missing record keeps the default mode;
// an unreadable one falls back to local.
func (i *Interceptor) Load(ctx context.Context) error {
	if i.store == nil {
		return nil
	}
	data, err := i.store.Get(ctx, StoreKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	var rec modeRecord
	mode := ModeLocal
	if err != nil {
		i.logger.Warn("mode record unreadable, using local", "error", err)
	} else if err := json.Unmarshal(data, &rec); err != nil {
		i.logger.Warn("mode record unreadable, using local", "error", err)
	} else if m, err := ParseMode(string(rec.Mode)); err != nil {
		i.logger.Warn("mode record holds unknown mode, using local", "mode", rec.Mode)
	} else {
		mode = m
	}

	i.mu.Lock()
	i.mode = mode
	if !rec.LastUpdated.IsZero() {
		i.updated = rec.LastUpdated
	}
	i.mu.Unlock()
	return nil
}

// Attach sets the Handler that receives captured calls. Passing nil detaches.
func (i *Interceptor) Attach(h Handler) {
	i.mu.Lock()
	i.handler = h
	i.mu.Unlock()
}

func (i *Interceptor) Mode() Mode {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mode
}

// Intercept runs or defers call according to the current mode. It never
// returns the operation's error: failures are logged and yield nil.
func (i *Interceptor) Intercept(ctx context.Context, call Call) any {
	site := callSite(1)

	i.mu.Lock()
	mode := i.mode
	handler := i.handler
	i.mu.Unlock()

	switch mode {
	case ModeNetwork:
		return i.executeWaiting(ctx, call, handler, site)
	case ModeRemote:
		return i.executeRemote(ctx, call, handler, site)
	default:
		return i.executeLocal(ctx, call)
	}
}

func (i *Interceptor) executeLocal(ctx context.Context, call Call) (result any) {
	logger := i.logger.With("operation", call.Name)
	if call.Fn == nil {
		logger.Error("local execution failed", "error", "no operation")
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("local execution panicked", "panic", fmt.Sprint(r))
			result = nil
		}
	}()

	out, err := call.Fn(ctx, call.Args)
	if err != nil {
		logger.Error("local execution failed", "error", err)
		return nil
	}
	logger.Debug("local execution completed")
	return out
}

func (i *Interceptor) executeWaiting(ctx context.Context, call Call, handler Handler, site string) any {
	ec := i.capture(call, ModeNetwork, "exec_", site)
	logger := log.WithExecution(ec.ExecutionID).With("component", "intercept", "operation", call.Name)

	if handler == nil {
		logger.Error("no handler attached, dropping blocking call")
		return nil
	}

	ch := make(chan any, 1)
	i.mu.Lock()
	i.waiters[ec.ExecutionID] = ch
	i.mu.Unlock()
	defer i.release(ec.ExecutionID)

	i.publish(events.ExecutionBlocked, ec)
	if !i.handOff(logger, func() { handler.HandleWaiting(ctx, ec) }) {
		return nil
	}

	var timeout <-chan time.Time
	if i.waitTimeout > 0 {
		timer := time.NewTimer(i.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case result := <-ch:
		logger.Debug("blocked call resumed")
		return result
	case <-timeout:
		logger.Warn("blocked call timed out", "wait_timeout", i.waitTimeout.String())
		return nil
	case <-ctx.Done():
		logger.Warn("blocked call abandoned", "error", ctx.Err())
		return nil
	}
}

func (i *Interceptor) executeRemote(ctx context.Context, call Call, handler Handler, site string) any {
	ec := i.capture(call, ModeRemote, "remote_", site)
	logger := log.WithExecution(ec.ExecutionID).With("component", "intercept", "operation", call.Name)

	if handler == nil {
		logger.Warn("no handler attached, remote call not recorded")
		return Transferred
	}
	// A failing handler has already been logged; the caller still gets the
	// sentinel.
	i.handOff(logger, func() { handler.HandleFireAndForget(ctx, ec) })
	return Transferred
}

// handOff runs fn, converting a panic into a logged failure.
func (i *Interceptor) handOff(logger *slog.Logger, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	fn()
	return true
}

func (i *Interceptor) capture(call Call, mode Mode, prefix, site string) ExecutionContext {
	return ExecutionContext{
		ExecutionID:    prefix + uuid.NewString(),
		OperationName:  call.Name,
		Kind:           call.Kind,
		Arguments:      copyArgs(call.Args),
		Timestamp:      i.now(),
		CallSite:       site,
		CapturedLocals: captureLocals(call.Locals, i.sensitive),
		Origin:         call.Origin,
		Mode:           mode,
	}
}

func (i *Interceptor) release(id string) {
	i.mu.Lock()
	delete(i.waiters, id)
	i.mu.Unlock()
}

// Resume delivers result to the call blocked under id. It reports false when
// nothing with that id is waiting.
func (i *Interceptor) Resume(id string, result any) bool {
	i.mu.Lock()
	ch, ok := i.waiters[id]
	if ok {
		delete(i.waiters, id)
	}
	i.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result
	i.publish(events.ExecutionResumed, map[string]string{"execution_id": id})
	return true
}

// ResumeAll releases every blocked call with result and returns how many
// were released.
func (i *Interceptor) ResumeAll(result any) int {
	i.mu.Lock()
	n := i.releaseAllLocked(result)
	i.mu.Unlock()
	return n
}

func (i *Interceptor) releaseAllLocked(result any) int {
	n := 0
	for id, ch := range i.waiters {
		delete(i.waiters, id)
		ch <- result
		n++
	}
	return n
}

// Pending lists execution ids currently blocked.
func (i *Interceptor) Pending() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.waiters))
	for id := range i.waiters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SwitchMode changes the mode and persists it. Entering local releases every
// blocked call with a nil result. Persistence errors are logged only.
func (i *Interceptor) SwitchMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	i.mu.Lock()
	prev := i.mode
	i.mode = mode
	i.updated = i.now()
	released := 0
	if mode == ModeLocal {
		released = i.releaseAllLocked(nil)
	}
	rec := modeRecord{Mode: mode, LastUpdated: i.updated}
	i.mu.Unlock()

	i.persist(ctx, rec)
	i.logger.Info("mode switched", "from", prev, "to", mode, "released", released)
	i.publish(events.ModeChanged, map[string]any{"from": prev, "to": mode, "released": released})
	return nil
}

// SwitchModeString parses s and switches to it. Unknown strings return
// ErrUnknownMode and leave the mode unchanged.
func (i *Interceptor) SwitchModeString(ctx context.Context, s string) error {
	mode, err := ParseMode(s)
	if err != nil {
		return err
	}
	return i.SwitchMode(ctx, mode)
}

func (i *Interceptor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		Mode:            i.mode,
		Blocked:         len(i.waiters) > 0,
		Pending:         len(i.waiters),
		HandlerAttached: i.handler != nil,
		LastUpdated:     i.updated,
		Timestamp:       i.now(),
	}
}

func (i *Interceptor) persist(ctx context.Context, rec modeRecord) {
	if i.store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		i.logger.Error("failed to marshal mode record", "error", err)
		return
	}
	if err := i.store.Put(context.WithoutCancel(ctx), StoreKey, data); err != nil {
		i.logger.Error("failed to persist mode", "error", err)
	}
}

func (i *Interceptor) publish(eventType string, data any) {
	if i.hub != nil {
		i.hub.Publish(eventType, data)
	}
}
