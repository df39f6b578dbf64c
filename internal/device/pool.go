// Package device tracks the display devices tasks run against.
//
// A Pool hands out exclusive leases so at most one task drives a device at a
// time. Devices can be powered off or disabled by an operator; neither state
// is eligible for new leases.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/pixeldispatch/internal/config"
)

type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
	StateOff  State = "off"
)

var (
	ErrNoDevice      = errors.New("no usable device")
	ErrUnknownDevice = errors.New("unknown device")
)

type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Disabled  bool      `json:"disabled"`
	TaskID    string    `json:"task_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *Device) usable() bool {
	return !d.Disabled && d.State != StateOff
}

type Pool struct {
	mu      sync.Mutex
	devices []*Device
	wake    chan struct{}
}

// NewPool builds a pool from config. With no devices configured a single
// "display-0" device is used.
func NewPool(cfgs []config.DeviceConfig) *Pool {
	p := &Pool{wake: make(chan struct{})}
	now := time.Now().UTC()
	for _, c := range cfgs {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		typ := c.Type
		if typ == "" {
			typ = "screen"
		}
		p.devices = append(p.devices, &Device{
			ID:        c.ID,
			Name:      name,
			Type:      typ,
			State:     StateIdle,
			Disabled:  !c.Enabled,
			UpdatedAt: now,
		})
	}
	if len(p.devices) == 0 {
		p.devices = append(p.devices, &Device{
			ID: "display-0", Name: "Display 0", Type: "screen", State: StateIdle, UpdatedAt: now,
		})
	}
	return p
}

// Lease is exclusive use of one device. Release is safe to call twice.
type Lease struct {
	pool   *Pool
	device Device
	once   sync.Once
}

func (l *Lease) Device() Device { return l.device }

func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.device.ID) })
}

// Acquire waits for an idle device and marks it busy for taskID. It fails
// fast with ErrNoDevice when every device is disabled or powered off.
func (p *Pool) Acquire(ctx context.Context, taskID string) (*Lease, error) {
	for {
		p.mu.Lock()
		anyUsable := false
		for _, d := range p.devices {
			if !d.usable() {
				continue
			}
			anyUsable = true
			if d.State == StateIdle {
				d.State = StateBusy
				d.TaskID = taskID
				d.UpdatedAt = time.Now().UTC()
				lease := &Lease{pool: p, device: *d}
				p.mu.Unlock()
				return lease, nil
			}
		}
		wake := p.wake
		p.mu.Unlock()

		if !anyUsable {
			return nil, ErrNoDevice
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d := p.findLocked(id); d != nil && d.State == StateBusy {
		d.State = StateIdle
		d.TaskID = ""
		d.UpdatedAt = time.Now().UTC()
	}
	p.signalLocked()
}

// List returns a copy of every device in config order.
func (p *Pool) List() []Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Device, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, *d)
	}
	return out
}

// TogglePower flips an idle device off or an off device back to idle. Busy
// devices are left alone.
func (p *Pool) TogglePower(id string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.findLocked(id)
	if d == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	switch d.State {
	case StateIdle:
		d.State = StateOff
	case StateOff:
		d.State = StateIdle
		p.signalLocked()
	}
	d.UpdatedAt = time.Now().UTC()
	return d.State, nil
}

// SetDisabled excludes or re-admits a device for new leases.
func (p *Pool) SetDisabled(id string, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.findLocked(id)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.Disabled = disabled
	d.UpdatedAt = time.Now().UTC()
	if !disabled {
		p.signalLocked()
	}
	return nil
}

func (p *Pool) findLocked(id string) *Device {
	for _, d := range p.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (p *Pool) signalLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}
