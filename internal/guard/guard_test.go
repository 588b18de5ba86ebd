package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_AcquireRelease(t *testing.T) {
	g := New(50 * time.Millisecond)

	release, err := g.Acquire()
	require.NoError(t, err)
	release()

	release, err = g.Acquire()
	require.NoError(t, err)
	release()
}

func TestGuard_TimesOutWhileHeld(t *testing.T) {
	g := New(20 * time.Millisecond)

	release, err := g.Acquire()
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = g.Acquire()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestGuard_ZeroTimeoutFailsFast(t *testing.T) {
	g := New(0)

	release, err := g.Acquire()
	require.NoError(t, err)
	defer release()

	_, err = g.Acquire()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGuard_DoubleReleaseIgnored(t *testing.T) {
	g := New(10 * time.Millisecond)

	release, err := g.Acquire()
	require.NoError(t, err)
	release()
	release()

	// A second release must not have freed a slot that does not exist.
	r1, err := g.Acquire()
	require.NoError(t, err)
	_, err = g.Acquire()
	assert.ErrorIs(t, err, ErrTimeout)
	r1()
}

func TestGuard_CancelledContext(t *testing.T) {
	g := New(time.Second)

	release, err := g.Acquire()
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = g.AcquireContext(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuard_Do(t *testing.T) {
	g := New(10 * time.Millisecond)

	boom := errors.New("boom")
	err := g.Do(func() error { return boom })
	assert.ErrorIs(t, err, boom)

	// Guard must be free again after Do returns.
	require.NoError(t, g.Do(func() error { return nil }))
}

func TestGuard_MutualExclusion(t *testing.T) {
	g := New(time.Second)

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(func() error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
}
