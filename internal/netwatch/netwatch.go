// Package netwatch reports network connectivity to the components that
// depend on it.
package netwatch

import (
	"sync"
)

// Monitor is a connectivity signal: a level ("connected now") plus an
// edge-triggered notification.
type Monitor interface {
	Connected() bool
	// Changes delivers the new level after each transition. Slow readers
	// miss intermediate edges; Connected is always current.
	Changes() <-chan bool
}

// broadcaster fans level changes out to subscribers without blocking.
type broadcaster struct {
	mu        sync.Mutex
	connected bool
	subs      []chan bool
}

func (b *broadcaster) level() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *broadcaster) subscribe() <-chan bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan bool, 1)
	b.subs = append(b.subs, ch)
	return ch
}

// set stores the level and reports whether it changed.
func (b *broadcaster) set(up bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected == up {
		return false
	}
	b.connected = up
	for _, ch := range b.subs {
		// Replace a stale pending edge with the newest one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- up:
		default:
		}
	}
	return true
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Static is a Monitor whose level is set by the caller. It is the default on
// hosts without NetworkManager and the fake used in tests.
type Static struct {
	b broadcaster
}

// NewStatic returns a Static monitor with the given initial level.
func NewStatic(connected bool) *Static {
	s := &Static{}
	s.b.connected = connected
	return s
}

// Connected implements Monitor.
func (s *Static) Connected() bool { return s.b.level() }

// Changes implements Monitor. Each call returns a new subscription.
func (s *Static) Changes() <-chan bool { return s.b.subscribe() }

// Set changes the level and notifies subscribers on a transition.
func (s *Static) Set(connected bool) { s.b.set(connected) }
