//go:build !(linux || darwin || freebsd)

package timeauth

import (
	"errors"
	"time"
)

// UnixClockSetter is unavailable on this platform.
type UnixClockSetter struct{}

// SetClock implements ClockSetter.
func (UnixClockSetter) SetClock(time.Time) error {
	return errors.New("setting the system clock is not supported on this platform")
}
