package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pixeldispatch/internal/config"
	"github.com/mattjoyce/pixeldispatch/internal/log"
)

func TestNewPoolDefaultsToOneDevice(t *testing.T) {
	p := NewPool(nil)
	devs := p.List()
	require.Len(t, devs, 1)
	assert.Equal(t, "display-0", devs[0].ID)
	assert.Equal(t, StateIdle, devs[0].State)
}

func TestAcquireSerializesPerDevice(t *testing.T) {
	p := NewPool([]config.DeviceConfig{{ID: "a", Enabled: true}})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a", l1.Device().ID)
	assert.Equal(t, StateBusy, p.List()[0].State)
	assert.Equal(t, "t1", p.List()[0].TaskID)

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(ctx, "t2")
		assert.NoError(t, err)
		got <- l
	}()

	select {
	case <-got:
		t.Fatal("second lease granted while device busy")
	case <-time.After(30 * time.Millisecond):
	}

	l1.Release()
	l1.Release()
	select {
	case l2 := <-got:
		assert.Equal(t, "t2", p.List()[0].TaskID)
		l2.Release()
	case <-time.After(time.Second):
		t.Fatal("release did not hand the device over")
	}
	assert.Equal(t, StateIdle, p.List()[0].State)
}

func TestAcquireSpreadsAcrossDevices(t *testing.T) {
	p := NewPool([]config.DeviceConfig{{ID: "a", Enabled: true}, {ID: "b", Enabled: true}})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	l2, err := p.Acquire(ctx, "t2")
	require.NoError(t, err)
	assert.NotEqual(t, l1.Device().ID, l2.Device().ID)
}

func TestAcquireFailsWithoutUsableDevice(t *testing.T) {
	p := NewPool([]config.DeviceConfig{{ID: "a", Enabled: false}})
	_, err := p.Acquire(context.Background(), "t1")
	assert.True(t, errors.Is(err, ErrNoDevice))

	require.NoError(t, p.SetDisabled("a", false))
	state, err := p.TogglePower("a")
	require.NoError(t, err)
	assert.Equal(t, StateOff, state)
	_, err = p.Acquire(context.Background(), "t1")
	assert.True(t, errors.Is(err, ErrNoDevice))

	state, err = p.TogglePower("a")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	l, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	l.Release()

	_, err = p.TogglePower("zzz")
	assert.True(t, errors.Is(err, ErrUnknownDevice))
	assert.True(t, errors.Is(p.SetDisabled("zzz", true), ErrUnknownDevice))
}

func TestAcquireHonoursContext(t *testing.T) {
	p := NewPool([]config.DeviceConfig{{ID: "a", Enabled: true}})
	_, err := p.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "t2")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCommandValidate(t *testing.T) {
	assert.NoError(t, Command{Action: ActionShowEmoji, Emoji: "🎉"}.Validate())
	assert.Error(t, Command{Action: ActionShowEmoji}.Validate())
	assert.Error(t, Command{Action: ActionShowImage}.Validate())
	assert.NoError(t, Command{Action: ActionFlip}.Validate())
	assert.Error(t, Command{}.Validate())
	assert.Error(t, Command{Action: "explode"}.Validate())
}

func TestLogDriverHoldsAndCancels(t *testing.T) {
	d := &LogDriver{Logger: log.Discard(), Hold: map[string]time.Duration{ActionFlip: time.Hour}}
	dev := Device{ID: "a"}

	assert.NoError(t, d.Run(context.Background(), dev, Command{Action: ActionSyncTime}))
	assert.Error(t, d.Run(context.Background(), dev, Command{Action: "nope"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(d.Run(ctx, dev, Command{Action: ActionFlip}), context.DeadlineExceeded))
}
