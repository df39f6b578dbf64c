package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Display actions understood by drivers.
const (
	ActionShowEmoji = "show_emoji"
	ActionShowImage = "show_image"
	ActionTurnOn    = "turn_on"
	ActionTurnOff   = "turn_off"
	ActionFlip      = "flip"
	ActionSyncTime  = "sync_time"
)

// Command is one instruction sent to a display.
type Command struct {
	Action string `json:"action"`
	Emoji  string `json:"emoji,omitempty"`
	Image  string `json:"image,omitempty"`
}

// Validate checks the action is known and carries what it needs.
func (c Command) Validate() error {
	switch c.Action {
	case ActionShowEmoji:
		if c.Emoji == "" {
			return fmt.Errorf("%s requires emoji", c.Action)
		}
	case ActionShowImage:
		if c.Image == "" {
			return fmt.Errorf("%s requires image", c.Action)
		}
	case ActionTurnOn, ActionTurnOff, ActionFlip, ActionSyncTime:
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown display action %q", c.Action)
	}
	return nil
}

// Driver talks to a physical display.
type Driver interface {
	Run(ctx context.Context, dev Device, cmd Command) error
}

// LogDriver logs commands instead of driving hardware. Hold simulates the
// time the display stays busy for each action.
type LogDriver struct {
	Logger *slog.Logger
	Hold   map[string]time.Duration
}

func (d *LogDriver) Run(ctx context.Context, dev Device, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if d.Logger != nil {
		d.Logger.Info("display command",
			"device", dev.ID,
			"action", cmd.Action,
			"emoji", cmd.Emoji,
			"image", cmd.Image,
		)
	}
	hold := d.Hold[cmd.Action]
	if hold <= 0 {
		return nil
	}
	t := time.NewTimer(hold)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultHold mirrors how long each action keeps a real panel busy.
func DefaultHold() map[string]time.Duration {
	return map[string]time.Duration{
		ActionShowEmoji: 2 * time.Second,
		ActionShowImage: 2 * time.Second,
		ActionTurnOn:    time.Second,
		ActionTurnOff:   time.Second,
		ActionFlip:      1500 * time.Millisecond,
		ActionSyncTime:  time.Second,
	}
}
