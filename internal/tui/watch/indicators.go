package watch

import (
	"strings"
	"time"
)

const pulseWidth = 5

// Pulse lights up when events arrive and fades one dot every fadeStep.
type Pulse struct {
	lit       int
	lastEvent time.Time
	fadeStep  time.Duration
}

func NewPulse() Pulse {
	return Pulse{fadeStep: 2 * time.Second}
}

func (p *Pulse) OnEvent(now time.Time) {
	p.lit = pulseWidth
	p.lastEvent = now
}

// Decay dims the pulse according to time since the last event.
func (p *Pulse) Decay(now time.Time) {
	if p.lit == 0 || p.fadeStep <= 0 {
		return
	}
	faded := int(now.Sub(p.lastEvent) / p.fadeStep)
	p.lit = max(pulseWidth-faded, 0)
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.lit {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastEvent() time.Time { return p.lastEvent }
