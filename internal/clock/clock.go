// Package clock lets the protocol read wall-clock time through an
// interface so token expiry and rate-limit windows can be tested
// without sleeping.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type Clock = clockwork.Clock

// Real returns a Clock backed by the time package.
func Real() Clock { return clockwork.NewRealClock() }

// FakeClock stands still until Advance or Set is called. Safe for
// concurrent use.
type FakeClock struct {
	*clockwork.FakeClock
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{FakeClock: clockwork.NewFakeClockAt(initial)}
}

// Set moves the clock to t, backwards if needed. Timers that fall due
// on the way fire.
func (c *FakeClock) Set(t time.Time) {
	c.Advance(t.Sub(c.Now()))
}
