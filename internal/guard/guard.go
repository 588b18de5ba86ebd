// Package guard provides a mutual-exclusion lock whose acquisition waits for
// a bounded time and reports failure instead of blocking indefinitely.
//
// Components shared between producer goroutines and a single consumer use a
// Guard so that a stuck holder degrades into failed operations rather than a
// process-wide deadlock.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when the guard could not be acquired in time.
var ErrTimeout = errors.New("guard: acquisition timed out")

// Default acquisition timeouts.
const (
	DefaultStoreTimeout = 1000 * time.Millisecond
	DefaultTimeTimeout  = 100 * time.Millisecond
)

// Guard is a non-reentrant lock with bounded-wait acquisition.
type Guard struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// New creates a Guard. A timeout <= 0 means acquisition only succeeds when
// the guard is immediately free.
func New(timeout time.Duration) *Guard {
	return &Guard{
		sem:     semaphore.NewWeighted(1),
		timeout: timeout,
	}
}

// Timeout returns the configured acquisition timeout.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Acquire waits up to the guard timeout. On success the returned release
// function must be called exactly once; extra calls are ignored.
func (g *Guard) Acquire() (release func(), err error) {
	return g.AcquireContext(context.Background())
}

// AcquireContext is Acquire bounded additionally by ctx.
func (g *Guard) AcquireContext(ctx context.Context) (release func(), err error) {
	if g.sem.TryAcquire(1) {
		return g.releaser(), nil
	}
	if g.timeout <= 0 {
		return nil, ErrTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		return nil, ErrTimeout
	}
	return g.releaser(), nil
}

// Do runs fn while holding the guard.
func (g *Guard) Do(fn func() error) error {
	release, err := g.Acquire()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (g *Guard) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}
}
