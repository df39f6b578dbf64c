package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/pixeldispatch/internal/device"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TimerExecutor waits until a fire time, then optionally leases a device from
// Pool and runs a display action on it. The device is not held while waiting.
//
// Params: delay (duration or seconds) or schedule (5-field cron); action is
// either a nested map {action, emoji, image} or a plain action name with
// emoji/image alongside.
type TimerExecutor struct {
	Driver  device.Driver
	Pool    *device.Pool
	MaxWait time.Duration
	Now     func() time.Time
}

func (e TimerExecutor) Execute(ctx context.Context, task *queue.Task, _ *device.Device) (any, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	params := task.Payload.Params
	start := now()

	fireAt, err := fireTime(params, start)
	if err != nil {
		return nil, err
	}
	wait := fireAt.Sub(start)
	if e.MaxWait > 0 && wait > e.MaxWait {
		return nil, fmt.Errorf("timer fires in %s, beyond max wait %s", wait.Round(time.Second), e.MaxWait)
	}

	cmd, hasAction := timerCommand(params)
	if hasAction {
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
	}

	if err := sleepCtx(ctx, wait); err != nil {
		return nil, err
	}

	result := map[string]any{"fired_at": now().UTC().Format(time.RFC3339)}
	if !hasAction {
		return result, nil
	}
	if e.Pool == nil {
		return nil, fmt.Errorf("timer action needs a device pool")
	}
	lease, err := e.Pool.Acquire(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	dev := lease.Device()
	if err := e.Driver.Run(ctx, dev, cmd); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", cmd.Action, dev.ID, err)
	}
	result["action"] = cmd.Action
	result["device"] = dev.ID
	return result, nil
}

func fireTime(params map[string]any, from time.Time) (time.Time, error) {
	if expr := paramString(params, "schedule"); expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
		return sched.Next(from), nil
	}
	delay, err := paramDuration(params, "delay")
	if err != nil {
		return time.Time{}, err
	}
	return from.Add(delay), nil
}

func timerCommand(params map[string]any) (device.Command, bool) {
	switch a := params["action"].(type) {
	case map[string]any:
		cmd := commandFromParams(a)
		return cmd, cmd.Action != ""
	case string:
		if a == "" {
			return device.Command{}, false
		}
		return commandFromParams(params), true
	default:
		return device.Command{}, false
	}
}
