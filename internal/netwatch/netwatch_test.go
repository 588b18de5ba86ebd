package netwatch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_Level(t *testing.T) {
	s := NewStatic(false)
	assert.False(t, s.Connected())
	s.Set(true)
	assert.True(t, s.Connected())
}

func TestStatic_ChangesAreEdgeTriggered(t *testing.T) {
	s := NewStatic(false)
	ch := s.Changes()

	s.Set(false)
	select {
	case v := <-ch:
		t.Fatalf("unexpected edge %v", v)
	default:
	}

	s.Set(true)
	require.Len(t, ch, 1)
	assert.True(t, <-ch)
}

func TestStatic_SlowReaderSeesNewest(t *testing.T) {
	s := NewStatic(false)
	ch := s.Changes()

	s.Set(true)
	s.Set(false)
	s.Set(true)
	s.Set(false)

	require.Len(t, ch, 1)
	assert.False(t, <-ch)
}

func TestStatic_IndependentSubscribers(t *testing.T) {
	s := NewStatic(true)
	a, b := s.Changes(), s.Changes()

	s.Set(false)
	assert.False(t, <-a)
	assert.False(t, <-b)
}

func TestNMState_Up(t *testing.T) {
	tests := []struct {
		state NMState
		up    bool
	}{
		{NMStateUnknown, false},
		{NMStateDisconnected, false},
		{NMStateConnecting, false},
		{NMStateConnectedLocal, false},
		{NMStateConnectedSite, false},
		{NMStateConnectedGlobal, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.up, tt.state.Up(), "state %d", tt.state)
	}
}

func TestNetworkManager_HandleSignal(t *testing.T) {
	nm := &NetworkManager{logger: discardLogger()}
	ch := nm.Changes()

	signal := func(state uint32) *dbus.Signal {
		return &dbus.Signal{Name: nmInterface + ".StateChanged", Body: []any{state}}
	}

	nm.handleSignal(signal(uint32(NMStateConnectedGlobal)))
	assert.True(t, nm.Connected())
	assert.True(t, <-ch)

	// Unrelated signals and malformed bodies are ignored.
	nm.handleSignal(&dbus.Signal{Name: "org.freedesktop.DBus.NameAcquired", Body: []any{"x"}})
	nm.handleSignal(&dbus.Signal{Name: nmInterface + ".StateChanged", Body: []any{"oops"}})
	nm.handleSignal(nil)
	assert.True(t, nm.Connected())

	nm.handleSignal(signal(uint32(NMStateConnecting)))
	assert.False(t, nm.Connected())
	assert.False(t, <-ch)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
