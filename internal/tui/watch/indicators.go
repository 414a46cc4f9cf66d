package watch

import (
	"strings"
	"time"
)

const pulseDots = 5

// Pulse lights up on events and fades while the stream is quiet.
type Pulse struct {
	dots      int
	lastEvent time.Time
}

func (p *Pulse) OnEvent(now time.Time) {
	p.dots = pulseDots
	p.lastEvent = now
}

// Decay drops one dot for every two seconds without an event.
func (p *Pulse) Decay(now time.Time) {
	if p.dots == 0 {
		return
	}
	left := pulseDots - int(now.Sub(p.lastEvent)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < p.dots {
		p.dots = left
	}
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseDots {
		if i < p.dots {
			b.WriteString(theme.PulseActive.Render("●"))
		} else {
			b.WriteString(theme.PulseInactive.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}
