package watch

import (
	"strings"
	"time"
)

// Ticker rotates through frames once per tick to show the view is alive.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Spinner shows event activity as dots that light up on events and fade.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(now time.Time) {
	s.dots = 5
	s.lastEvent = now
}

// Decay drops one dot for every two quiet seconds.
func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	left := 5 - int(now.Sub(s.lastEvent)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < s.dots {
		s.dots = left
	}
}

func (s Spinner) Render(theme Theme) string {
	var result strings.Builder
	for i := range 5 {
		if i < s.dots {
			result.WriteString(theme.TickerActive.Render("●"))
		} else {
			result.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return result.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
