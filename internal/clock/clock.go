// Package clock provides the wall-clock time source that the Scheduler and
// EOD Closer read, so that tests can drive them with a fake clock instead of
// real sleeps. The Watcher reads the system clock directly.
package clock

import "time"

// Clock is the time source every time-sensitive component depends on.
type Clock interface {
	Now() time.Time
	// IsBusinessDay reports whether t falls on a day the EOD Closer and
	// Scheduler should treat as a trading session (Mon-Fri; no holiday
	// calendar is applied).
	IsBusinessDay(t time.Time) bool
}

// Real is the production Clock, backed by the system clock.
type Real struct {
	Location *time.Location
}

// NewReal returns a Clock anchored to loc (typically the exchange's local
// time zone), defaulting to time.Local when loc is nil.
func NewReal(loc *time.Location) Real {
	if loc == nil {
		loc = time.Local
	}
	return Real{Location: loc}
}

func (r Real) Now() time.Time {
	return time.Now().In(r.Location)
}

func (r Real) IsBusinessDay(t time.Time) bool {
	wd := t.In(r.Location).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Fake is an injectable Clock for tests: Now always returns the stored
// instant until Advance or Set moves it forward.
type Fake struct {
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) Advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *Fake) Set(t time.Time) { f.now = t }

func (f *Fake) IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
