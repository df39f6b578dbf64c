package dispatch

import (
	"context"
	"fmt"

	"github.com/mattjoyce/pixeldispatch/internal/device"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

// DisplayExecutor sends a single command to the leased device.
//
// Params: action, emoji, image, delay. With no action, an emoji implies
// show_emoji and an image implies show_image.
type DisplayExecutor struct {
	Driver device.Driver
}

func (e DisplayExecutor) Execute(ctx context.Context, task *queue.Task, dev *device.Device) (any, error) {
	if dev == nil {
		return nil, fmt.Errorf("display task needs a device")
	}
	cmd := commandFromParams(task.Payload.Params)
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	delay, err := paramDuration(task.Payload.Params, "delay")
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	if err := e.Driver.Run(ctx, *dev, cmd); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", cmd.Action, dev.ID, err)
	}
	return map[string]any{"action": cmd.Action, "device": dev.ID}, nil
}

func commandFromParams(params map[string]any) device.Command {
	cmd := device.Command{
		Action: paramString(params, "action"),
		Emoji:  paramString(params, "emoji"),
		Image:  paramString(params, "image"),
	}
	if cmd.Action == "" {
		switch {
		case cmd.Emoji != "":
			cmd.Action = device.ActionShowEmoji
		case cmd.Image != "":
			cmd.Action = device.ActionShowImage
		}
	}
	return cmd
}
