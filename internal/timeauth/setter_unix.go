//go:build linux || darwin || freebsd

package timeauth

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// UnixClockSetter sets the system clock with settimeofday. It needs
// CAP_SYS_TIME.
type UnixClockSetter struct{}

// SetClock implements ClockSetter.
func (UnixClockSetter) SetClock(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	if err := unix.Settimeofday(&tv); err != nil {
		return fmt.Errorf("settimeofday: %w", err)
	}
	return nil
}
