package timeauth

import (
	"fmt"
	"sync"
	"time"
)

// MaxEvents is the size of the sync event ring.
const MaxEvents = 100

// Event is one entry in the sync event ring.
type Event struct {
	Uptime  time.Duration
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("[%6d ms] %s", e.Uptime.Milliseconds(), e.Message)
}

type eventRing struct {
	mu    sync.Mutex
	buf   [MaxEvents]Event
	next  int
	count int
}

func (r *eventRing) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = e
	r.next = (r.next + 1) % MaxEvents
	if r.count < MaxEvents {
		r.count++
	}
}

// snapshot returns events oldest first.
func (r *eventRing) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, r.count)
	start := (r.next - r.count + MaxEvents) % MaxEvents
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%MaxEvents])
	}
	return out
}
