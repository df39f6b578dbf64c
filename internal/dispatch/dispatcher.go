package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/pixeldispatch/internal/config"
	"github.com/mattjoyce/pixeldispatch/internal/device"
	"github.com/mattjoyce/pixeldispatch/internal/events"
	"github.com/mattjoyce/pixeldispatch/internal/log"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

const defaultPollInterval = time.Second

// Dispatcher pops tasks from the queue and runs them on a fixed set of workers.
type Dispatcher struct {
	queue    *queue.Queue
	pool     *device.Pool
	registry *Registry
	hub      *events.Hub
	logger   *slog.Logger

	workers int
	poll    time.Duration
}

// New creates a Dispatcher. hub may be nil.
func New(q *queue.Queue, pool *device.Pool, reg *Registry, hub *events.Hub, cfg config.QueueConfig) *Dispatcher {
	d := &Dispatcher{
		queue:    q,
		pool:     pool,
		registry: reg,
		hub:      hub,
		logger:   log.WithComponent("dispatch"),
		workers:  cfg.Workers,
		poll:     cfg.PollInterval,
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.poll <= 0 {
		d.poll = defaultPollInterval
	}
	return d
}

// NewDefaultRegistry binds the display, timer and generic executors.
func NewDefaultRegistry(driver device.Driver, pool *device.Pool, timer config.TimerConfig) *Registry {
	reg := NewRegistry()
	reg.Register(queue.KindDisplay, DisplayExecutor{Driver: driver}, true)
	reg.Register(queue.KindTimer, TimerExecutor{Driver: driver, Pool: pool, MaxWait: timer.MaxWait}, false)
	return reg
}

// Start runs the workers until ctx is cancelled. It blocks until every
// worker has returned.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "workers", d.workers, "poll_interval", d.poll.String())
	defer d.logger.Info("dispatch loop stopped")

	var wg sync.WaitGroup
	for n := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, n)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	logger := d.logger.With("worker", n)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.processNextTask(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Error("failed to process task", "error", err)
		}
	}
}

// processNextTask pops one task, waiting up to the poll interval, and runs it.
func (d *Dispatcher) processNextTask(ctx context.Context) error {
	task, err := d.queue.Pop(ctx, d.poll)
	if err != nil {
		return fmt.Errorf("pop: %w", err)
	}
	if task == nil {
		return nil
	}
	d.executeTask(ctx, task)
	return nil
}

func (d *Dispatcher) executeTask(ctx context.Context, task *queue.Task) {
	taskLogger := log.WithTask(task.ID).With(
		"component", "dispatch",
		"kind", string(task.Payload.Type),
		"priority", task.Priority.String(),
	)
	taskLogger.Info("executing task", "attempt", task.RetryCount+1)
	d.publish(events.TaskStarted, task)

	reg := d.registry.resolve(task.Payload.Type)

	var dev *device.Device
	if reg.needsDevice {
		lease, err := d.pool.Acquire(ctx, task.ID)
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down; the task is recovered to waiting on next load.
				return
			}
			d.failTask(ctx, task, fmt.Errorf("acquire device: %w", err), taskLogger)
			return
		}
		defer lease.Release()
		leased := lease.Device()
		dev = &leased
		if err := d.queue.Assign(task.ID, dev.ID); err != nil {
			taskLogger.Warn("failed to record device", "error", err)
		}
		taskLogger = taskLogger.With("device", dev.ID)
	}

	result, err := runExecutor(ctx, reg.exec, task, dev)
	if err != nil {
		if ctx.Err() != nil {
			taskLogger.Warn("task interrupted by shutdown", "error", err)
			return
		}
		d.failTask(ctx, task, err, taskLogger)
		return
	}

	if err := d.queue.Complete(ctx, task.ID, result); err != nil {
		taskLogger.Error("failed to complete task", "error", err)
		return
	}
	taskLogger.Info("task completed")
	d.publish(events.TaskCompleted, map[string]any{"task_id": task.ID, "result": result})
}

// RunInline runs an operation of the given kind immediately, outside the
// queue. It leases a device when the kind needs one and waits for it, so
// inline calls still never share a device with a worker.
func (d *Dispatcher) RunInline(ctx context.Context, kind queue.Kind, params map[string]any) (any, error) {
	task := &queue.Task{
		ID:       "inline-" + uuid.NewString(),
		Payload:  queue.Payload{Type: queue.NormalizeKind(string(kind)), Params: params},
		Priority: queue.PriorityNormal,
		Status:   queue.StatusExecuting,
	}
	reg := d.registry.resolve(task.Payload.Type)

	var dev *device.Device
	if reg.needsDevice {
		lease, err := d.pool.Acquire(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("acquire device: %w", err)
		}
		defer lease.Release()
		leased := lease.Device()
		dev = &leased
	}

	d.logger.Debug("running inline", "task_id", task.ID, "kind", string(task.Payload.Type))
	return runExecutor(ctx, reg.exec, task, dev)
}

// runExecutor converts executor panics into errors.
func runExecutor(ctx context.Context, e Executor, task *queue.Task, dev *device.Device) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	if e == nil {
		return nil, fmt.Errorf("no executor for kind %q", task.Payload.Type)
	}
	return e.Execute(ctx, task, dev)
}

func (d *Dispatcher) failTask(ctx context.Context, task *queue.Task, cause error, logger *slog.Logger) {
	requeued, err := d.queue.Fail(ctx, task.ID, cause)
	if err != nil {
		logger.Error("failed to record task failure", "error", err, "cause", cause)
		return
	}
	payload := map[string]any{"task_id": task.ID, "error": cause.Error(), "retry_count": task.RetryCount + 1}
	if requeued {
		logger.Warn("task failed, retrying", "error", cause, "retry_count", task.RetryCount+1)
		d.publish(events.TaskRetrying, payload)
		return
	}
	logger.Error("task failed permanently", "error", cause, "retry_count", task.RetryCount+1)
	d.publish(events.TaskFailed, payload)
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.hub != nil {
		d.hub.Publish(eventType, data)
	}
}
