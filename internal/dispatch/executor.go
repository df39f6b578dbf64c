package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/pixeldispatch/internal/device"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

// Executor performs one task. dev is nil for kinds registered without a device.
type Executor interface {
	Execute(ctx context.Context, task *queue.Task, dev *device.Device) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *queue.Task, dev *device.Device) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *queue.Task, dev *device.Device) (any, error) {
	return f(ctx, task, dev)
}

type registration struct {
	exec        Executor
	needsDevice bool
}

// Registry maps a payload kind to its executor. Unregistered kinds resolve to
// the generic executor.
type Registry struct {
	mu      sync.RWMutex
	entries map[queue.Kind]registration
}

func NewRegistry() *Registry {
	r := &Registry{entries: make(map[queue.Kind]registration)}
	r.Register(queue.KindGeneric, GenericExecutor{}, false)
	return r
}

// Register binds kind to e, replacing any previous binding.
func (r *Registry) Register(kind queue.Kind, e Executor, needsDevice bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind] = registration{exec: e, needsDevice: needsDevice}
}

func (r *Registry) resolve(kind queue.Kind) registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[kind]; ok {
		return reg
	}
	return r.entries[queue.KindGeneric]
}

// GenericExecutor acknowledges a task without side effects.
type GenericExecutor struct{}

func (GenericExecutor) Execute(_ context.Context, task *queue.Task, _ *device.Device) (any, error) {
	return map[string]any{"acknowledged": true, "kind": string(task.Payload.Type)}, nil
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

// paramDuration reads a Go duration ("90s") or a number of seconds.
func paramDuration(params map[string]any, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	var d time.Duration
	switch n := v.(type) {
	case float64:
		d = time.Duration(n * float64(time.Second))
	case int:
		d = time.Duration(n) * time.Second
	case int64:
		d = time.Duration(n) * time.Second
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			d = time.Duration(secs * float64(time.Second))
		} else if parsed, err := time.ParseDuration(s); err == nil {
			d = parsed
		} else {
			return 0, fmt.Errorf("invalid %s %q", key, s)
		}
	default:
		return 0, fmt.Errorf("invalid %s type %T", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
