package intercept

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the routing policy applied to every guarded call.
type Mode string

const (
	// ModeLocal runs the call inline.
	ModeLocal Mode = "local"
	// ModeNetwork hands the call to the Handler and blocks until resumed.
	ModeNetwork Mode = "network"
	// ModeRemote hands the call to the Handler and returns Transferred.
	ModeRemote Mode = "remote"
)

// Transferred is what a guarded call returns under ModeRemote.
const Transferred = "REMOTE_EXECUTION_TRANSFERRED"

var ErrUnknownMode = errors.New("unknown mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLocal, ModeNetwork, ModeRemote:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Blocking reports whether calls under m wait for a Resume.
func (m Mode) Blocking() bool {
	return m == ModeNetwork
}
