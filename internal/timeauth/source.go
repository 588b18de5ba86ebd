package timeauth

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// TimeSource answers network time requests.
type TimeSource interface {
	// Query returns the current network time. It must return promptly once
	// ctx is done.
	Query(ctx context.Context) (time.Time, error)
}

// TimeSourceFunc adapts a function to TimeSource.
type TimeSourceFunc func(ctx context.Context) (time.Time, error)

// Query implements TimeSource.
func (f TimeSourceFunc) Query(ctx context.Context) (time.Time, error) { return f(ctx) }

// NTPSource queries an NTP server.
type NTPSource struct {
	Server  string
	Timeout time.Duration
}

// Query implements TimeSource.
func (s NTPSource) Query(ctx context.Context) (time.Time, error) {
	type reply struct {
		at  time.Time
		err error
	}
	done := make(chan reply, 1)

	go func() {
		resp, err := ntp.QueryWithOptions(s.Server, ntp.QueryOptions{Timeout: s.Timeout})
		if err != nil {
			done <- reply{err: fmt.Errorf("ntp query %s: %w", s.Server, err)}
			return
		}
		if err := resp.Validate(); err != nil {
			done <- reply{err: fmt.Errorf("ntp response from %s: %w", s.Server, err)}
			return
		}
		done <- reply{at: time.Now().Add(resp.ClockOffset)}
	}()

	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case r := <-done:
		return r.at, r.err
	}
}

// ClockSetter sets the host clock.
type ClockSetter interface {
	SetClock(t time.Time) error
}
